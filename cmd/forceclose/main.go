package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"ocbot/internal/cli"
	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

// force-close-all market-closes every open position and cancels its exit
// orders, recording the close with reason force_close_from_api.
func main() {
	botID := flag.Int64("bot-id", 0, "restrict to one bot id")
	flag.Parse()

	ctx := context.Background()
	env, err := cli.Bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "force-close-all: %v\n", err)
		os.Exit(cli.ExitFatal)
	}
	defer env.Close()

	bots, err := env.ActiveBots(ctx, *botID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "force-close-all: %v\n", err)
		os.Exit(cli.ExitFatal)
	}

	closed := 0
	failed := 0
	for _, bot := range bots {
		positions, err := env.Repo.Positions().FindOpenByBot(ctx, bot.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "force-close-all: bot %d: %v\n", bot.ID, err)
			os.Exit(cli.ExitFatal)
		}
		if len(positions) == 0 {
			continue
		}
		venue, err := env.Venue(bot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "force-close-all: bot %d: %v\n", bot.ID, err)
			os.Exit(cli.ExitFatal)
		}

		for _, pos := range positions {
			if err := closePosition(ctx, env, venue, pos); err != nil {
				fmt.Fprintf(os.Stderr, "force-close-all: position %d: %v\n", pos.ID, err)
				failed++
				continue
			}
			closed++
			fmt.Printf("closed position %d (%s %s)\n", pos.ID, pos.Symbol, pos.Side)
		}
	}

	switch {
	case failed > 0:
		os.Exit(cli.ExitFatal)
	case closed == 0:
		fmt.Println("force-close-all: no open positions")
		os.Exit(cli.ExitNoop)
	default:
		fmt.Printf("force-close-all: closed %d positions\n", closed)
		os.Exit(cli.ExitOK)
	}
}

func closePosition(ctx context.Context, env *cli.Env, venue ports.Venue, pos *domain.Position) error {
	if pos.TPOrderID != nil {
		if err := venue.Cancel(ctx, pos.Symbol, *pos.TPOrderID); err != nil {
			return fmt.Errorf("TP cancel failed: %w", err)
		}
	}
	if pos.SLOrderID != nil {
		if err := venue.Cancel(ctx, pos.Symbol, *pos.SLOrderID); err != nil {
			return fmt.Errorf("SL cancel failed: %w", err)
		}
	}

	req := ports.SubmitOrder{
		Symbol:     pos.Symbol,
		Side:       pos.Side.ExitSide(),
		Type:       ports.OrderTypeMarket,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
		Emergency:  true,
	}
	if venue.HedgeMode() {
		if pos.Side == domain.SideShort {
			req.PositionSide = "SHORT"
		} else {
			req.PositionSide = "LONG"
		}
	}
	ack, err := venue.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("market close failed: %w", err)
	}

	closePrice := ack.AvgFillPrice
	if closePrice <= 0 {
		closePrice, err = venue.Price(ctx, pos.Symbol)
		if err != nil {
			closePrice = pos.EntryPrice
		}
	}
	pnl := pos.RealizedPNL(closePrice)
	return env.Repo.Positions().Close(ctx, pos.ID, closePrice, pnl, domain.CloseReasonForceClose, time.Now().UTC())
}
