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

// cleanup-ghost-positions closes book positions older than the age cutoff
// that no longer exist on the venue, with reason ghost_cleanup_script.
func main() {
	maxAgeHours := flag.Int("max-age-hours", 24, "minimum position age before it is eligible for cleanup")
	dryRun := flag.Bool("dry-run", false, "report ghosts without closing them")
	botID := flag.Int64("bot-id", 0, "restrict to one bot id")
	flag.Parse()

	ctx := context.Background()
	env, err := cli.Bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup-ghost-positions: %v\n", err)
		os.Exit(cli.ExitFatal)
	}
	defer env.Close()

	bots, err := env.ActiveBots(ctx, *botID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cleanup-ghost-positions: %v\n", err)
		os.Exit(cli.ExitFatal)
	}

	cutoff := time.Now().UTC().Add(-time.Duration(*maxAgeHours) * time.Hour)
	ghosts := 0
	for _, bot := range bots {
		positions, err := env.Repo.Positions().FindOpenByBot(ctx, bot.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cleanup-ghost-positions: bot %d: %v\n", bot.ID, err)
			os.Exit(cli.ExitFatal)
		}
		aged := make([]*domain.Position, 0)
		for _, pos := range positions {
			if pos.OpenedAt.Before(cutoff) {
				aged = append(aged, pos)
			}
		}
		if len(aged) == 0 {
			continue
		}

		venue, err := env.Venue(bot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cleanup-ghost-positions: bot %d: %v\n", bot.ID, err)
			os.Exit(cli.ExitFatal)
		}
		venuePositions, err := venue.OpenPositions(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cleanup-ghost-positions: bot %d: %v\n", bot.ID, err)
			os.Exit(cli.ExitFatal)
		}
		onVenue := make(map[string]struct{}, len(venuePositions))
		for _, vp := range venuePositions {
			onVenue[vp.Symbol+"/"+string(vp.Side)] = struct{}{}
		}

		for _, pos := range aged {
			if _, exists := onVenue[pos.Symbol+"/"+string(pos.Side)]; exists {
				continue
			}
			ghosts++
			if *dryRun {
				fmt.Printf("[dry-run] ghost position %d (%s %s, opened %s)\n",
					pos.ID, pos.Symbol, pos.Side, pos.OpenedAt.Format(time.RFC3339))
				continue
			}
			price, err := venue.Price(ctx, pos.Symbol)
			if err != nil {
				price = pos.EntryPrice
			}
			pnl := pos.RealizedPNL(price)
			if err := env.Repo.Positions().Close(ctx, pos.ID, price, pnl, domain.CloseReasonGhostCleanup, time.Now().UTC()); err != nil {
				fmt.Fprintf(os.Stderr, "cleanup-ghost-positions: position %d: %v\n", pos.ID, err)
				os.Exit(cli.ExitFatal)
			}
			cancelExits(ctx, venue, pos)
			fmt.Printf("closed ghost position %d (%s %s) at %.8g pnl %.4f\n", pos.ID, pos.Symbol, pos.Side, price, pnl)
		}
	}

	if ghosts == 0 {
		fmt.Println("cleanup-ghost-positions: no ghosts found")
		os.Exit(cli.ExitNoop)
	}
	os.Exit(cli.ExitOK)
}

func cancelExits(ctx context.Context, venue ports.Venue, pos *domain.Position) {
	if pos.TPOrderID != nil {
		_ = venue.Cancel(ctx, pos.Symbol, *pos.TPOrderID)
	}
	if pos.SLOrderID != nil {
		_ = venue.Cancel(ctx, pos.Symbol, *pos.SLOrderID)
	}
}
