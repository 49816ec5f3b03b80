package monitor

import (
	"math"

	"ocbot/internal/domain"
)

// TrailResult is the outcome of one trailing computation.
type TrailResult struct {
	NewTP     float64
	Breakeven bool // TP clamped at entry; the exit order converts to a stop
	Changed   bool
}

// NextTrailingTP tightens the take-profit toward entry at minute boundaries.
// The per-minute step is a fixed fraction of the initial TP range, so for a
// given strategy and direction successive targets never move away from entry.
func NextTrailingTP(pos *domain.Position, strat *domain.Strategy, minutesNow int) TrailResult {
	deltaMinutes := minutesNow - pos.MinutesElapsed
	if deltaMinutes <= 0 {
		return TrailResult{NewTP: pos.TakeProfit, Breakeven: pos.Breakeven}
	}

	trailPct := strat.TrailPct(pos.Side)
	if trailPct <= 0 {
		return TrailResult{NewTP: pos.TakeProfit, Breakeven: pos.Breakeven}
	}

	tpRange := math.Abs(pos.InitialTakeProfit - pos.EntryPrice)
	step := tpRange * trailPct / 100
	move := step * float64(deltaMinutes)

	var newTP float64
	breakeven := false
	if pos.Side == domain.SideLong {
		newTP = pos.TakeProfit - move
		if newTP <= pos.EntryPrice {
			newTP = pos.EntryPrice
			breakeven = true
		}
	} else {
		newTP = pos.TakeProfit + move
		if newTP >= pos.EntryPrice {
			newTP = pos.EntryPrice
			breakeven = true
		}
	}

	return TrailResult{NewTP: newTP, Breakeven: breakeven, Changed: newTP != pos.TakeProfit || breakeven != pos.Breakeven}
}

// ShouldReplace decides whether the venue exit order is re-placed for a new
// target. The move must exceed both the tick threshold and the relative
// threshold; below that only the stored target is updated and the next
// reconciliation sweep repairs any drift.
func ShouldReplace(prevTP, newTP, tickSize float64, thresholdTicks int, minPriceChangePct float64) bool {
	diff := math.Abs(newTP - prevTP)
	if diff == 0 {
		return false
	}
	if tickSize > 0 && diff <= float64(thresholdTicks)*tickSize {
		return false
	}
	avg := (prevTP + newTP) / 2
	if avg > 0 && diff <= minPriceChangePct/100*avg {
		return false
	}
	return true
}
