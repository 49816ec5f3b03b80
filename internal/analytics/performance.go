package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ocbot/internal/domain"
)

// Summary holds realized performance metrics over closed positions.
type Summary struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPNL      float64
	AverageWin    float64
	AverageLoss   float64
	ProfitFactor  float64
	ByReason      map[domain.CloseReason]int
	ByStrategy    map[int64]float64 // strategy id -> realized pnl
}

// Summarize computes realized metrics from closed positions.
func Summarize(positions []*domain.Position) *Summary {
	s := &Summary{
		ByReason:   make(map[domain.CloseReason]int),
		ByStrategy: make(map[int64]float64),
	}

	var grossWin, grossLoss float64
	for _, p := range positions {
		if p.Status != domain.StatusClosed {
			continue
		}
		s.TotalTrades++
		s.TotalPNL += p.PNL
		s.ByReason[p.CloseReason]++
		s.ByStrategy[p.StrategyID] += p.PNL
		if p.PNL > 0 {
			s.WinningTrades++
			grossWin += p.PNL
		} else {
			s.LosingTrades++
			grossLoss += -p.PNL
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	}
	if s.WinningTrades > 0 {
		s.AverageWin = grossWin / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = grossLoss / float64(s.LosingTrades)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}
	return s
}

// Format renders the summary as a notifier-friendly text block.
func (s *Summary) Format(since time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "P&L summary since %s\n", since.Format("2006-01-02 15:04"))
	fmt.Fprintf(&sb, "trades: %d  wins: %d  losses: %d  win rate: %.1f%%\n",
		s.TotalTrades, s.WinningTrades, s.LosingTrades, s.WinRate)
	fmt.Fprintf(&sb, "realized pnl: %.4f  avg win: %.4f  avg loss: %.4f\n",
		s.TotalPNL, s.AverageWin, s.AverageLoss)

	if len(s.ByStrategy) > 0 {
		ids := make([]int64, 0, len(s.ByStrategy))
		for id := range s.ByStrategy {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Fprintf(&sb, "strategy %d: %.4f\n", id, s.ByStrategy[id])
		}
	}
	return sb.String()
}
