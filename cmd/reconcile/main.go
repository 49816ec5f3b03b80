package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"ocbot/internal/cli"
	"ocbot/internal/reconciler"
	"ocbot/internal/syncx"
)

// reconcile runs one reconciliation pass per active bot. Without --apply it
// only reports what would be repaired.
func main() {
	apply := flag.Bool("apply", false, "apply repairs instead of reporting them")
	botID := flag.Int64("bot-id", 0, "restrict to one bot id")
	flag.Parse()

	ctx := context.Background()
	env, err := cli.Bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(cli.ExitFatal)
	}
	defer env.Close()

	bots, err := env.ActiveBots(ctx, *botID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(cli.ExitFatal)
	}
	if len(bots) == 0 {
		fmt.Println("reconcile: no active bots")
		os.Exit(cli.ExitNoop)
	}

	totalRepairs := 0
	for _, bot := range bots {
		venue, err := env.Venue(bot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile: bot %d: %v\n", bot.ID, err)
			os.Exit(cli.ExitFatal)
		}
		rec, err := reconciler.New(reconciler.Config{
			Bot:          bot,
			Venue:        venue,
			PosRepo:      env.Repo.Positions(),
			OrderRepo:    env.Repo.EntryOrders(),
			StrategyRepo: env.Repo.Strategies(),
			Locks:        syncx.NewKeyedMutex(),
			Snapshot:     env.Store.Snapshot,
			Logger:       env.Logger,
			DryRun:       !*apply,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile: bot %d: %v\n", bot.ID, err)
			os.Exit(cli.ExitFatal)
		}

		// The phantom grace window spans two cycles; run twice so a
		// confirmed-missing position is actually repaired in one invocation.
		var last *reconciler.Result
		for i := 0; i < 2; i++ {
			last, err = rec.Cycle(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "reconcile: bot %d: %v\n", bot.ID, err)
				os.Exit(cli.ExitFatal)
			}
		}
		repairs := last.BookOnlyClosed + last.Reconstructed + last.AmountRepaired + last.StaleIDsCleared + last.OrphansCanceled
		totalRepairs += repairs
		fmt.Printf("bot %d: closed %d phantom, reconstructed %d/%d venue-only, repaired %d amounts, cleared %d stale ids, canceled %d orphans\n",
			bot.ID, last.BookOnlyClosed, last.Reconstructed, last.VenueOnlyFound,
			last.AmountRepaired, last.StaleIDsCleared, last.OrphansCanceled)
	}

	if totalRepairs == 0 {
		fmt.Println("reconcile: book and venue are consistent")
		os.Exit(cli.ExitNoop)
	}
	os.Exit(cli.ExitOK)
}
