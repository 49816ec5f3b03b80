package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"ocbot/internal/cli"
	"ocbot/internal/domain"
	"ocbot/internal/ports"
)

// fix-missing-sl attaches stop-loss orders to open positions that define a
// stop level but hold no live SL order. Without --apply it only reports.
func main() {
	apply := flag.Bool("apply", false, "attach missing stop losses instead of reporting them")
	botID := flag.Int64("bot-id", 0, "restrict to one bot id")
	flag.Parse()

	ctx := context.Background()
	env, err := cli.Bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fix-missing-sl: %v\n", err)
		os.Exit(cli.ExitFatal)
	}
	defer env.Close()

	bots, err := env.ActiveBots(ctx, *botID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fix-missing-sl: %v\n", err)
		os.Exit(cli.ExitFatal)
	}

	missing := 0
	for _, bot := range bots {
		positions, err := env.Repo.Positions().FindOpenByBot(ctx, bot.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fix-missing-sl: bot %d: %v\n", bot.ID, err)
			os.Exit(cli.ExitFatal)
		}

		var venue ports.Venue
		for _, pos := range positions {
			if pos.StopLoss <= 0 || pos.SLOrderID != nil || pos.SoftwareSL {
				continue
			}
			missing++
			if !*apply {
				fmt.Printf("[report] position %d (%s %s) missing SL at %.8g\n", pos.ID, pos.Symbol, pos.Side, pos.StopLoss)
				continue
			}
			if venue == nil {
				venue, err = env.Venue(bot)
				if err != nil {
					fmt.Fprintf(os.Stderr, "fix-missing-sl: bot %d: %v\n", bot.ID, err)
					os.Exit(cli.ExitFatal)
				}
			}

			req := ports.SubmitOrder{
				Symbol:     pos.Symbol,
				Side:       pos.Side.ExitSide(),
				Type:       ports.OrderTypeStopMarket,
				Quantity:   pos.Quantity,
				StopPrice:  pos.StopLoss,
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
				fmt.Fprintf(os.Stderr, "fix-missing-sl: position %d: %v\n", pos.ID, err)
				os.Exit(cli.ExitFatal)
			}
			pos.SLOrderID = &ack.OrderID
			if err := env.Repo.Positions().Update(ctx, pos); err != nil {
				fmt.Fprintf(os.Stderr, "fix-missing-sl: position %d: %v\n", pos.ID, err)
				os.Exit(cli.ExitFatal)
			}
			fmt.Printf("attached SL %d to position %d (%s %s) at %.8g\n", ack.OrderID, pos.ID, pos.Symbol, pos.Side, pos.StopLoss)
		}
	}

	if missing == 0 {
		fmt.Println("fix-missing-sl: every open position is protected")
		os.Exit(cli.ExitNoop)
	}
	os.Exit(cli.ExitOK)
}
