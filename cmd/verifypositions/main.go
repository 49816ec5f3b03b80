package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"ocbot/internal/cli"
)

// verify-positions-on-exchange compares the internal book of one bot
// against the venue's open positions and reports every divergence.
func main() {
	botID := flag.Int64("bot-id", 0, "bot id to verify (required)")
	flag.Parse()

	if *botID <= 0 {
		fmt.Fprintln(os.Stderr, "verify-positions-on-exchange: --bot-id is required")
		os.Exit(cli.ExitFatal)
	}

	ctx := context.Background()
	env, err := cli.Bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify-positions-on-exchange: %v\n", err)
		os.Exit(cli.ExitFatal)
	}
	defer env.Close()

	bots, err := env.ActiveBots(ctx, *botID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify-positions-on-exchange: %v\n", err)
		os.Exit(cli.ExitFatal)
	}
	bot := bots[0]

	book, err := env.Repo.Positions().FindOpenByBot(ctx, bot.ID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify-positions-on-exchange: %v\n", err)
		os.Exit(cli.ExitFatal)
	}

	venue, err := env.Venue(bot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify-positions-on-exchange: %v\n", err)
		os.Exit(cli.ExitFatal)
	}
	venuePositions, err := venue.OpenPositions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify-positions-on-exchange: %v\n", err)
		os.Exit(cli.ExitFatal)
	}

	if len(book) == 0 && len(venuePositions) == 0 {
		fmt.Println("verify-positions-on-exchange: nothing to verify")
		os.Exit(cli.ExitNoop)
	}

	venueByKey := make(map[string]float64, len(venuePositions))
	for _, vp := range venuePositions {
		venueByKey[vp.Symbol+"/"+string(vp.Side)] = vp.Quantity
	}
	bookKeys := make(map[string]struct{}, len(book))

	mismatches := 0
	for _, pos := range book {
		k := pos.Symbol + "/" + string(pos.Side)
		bookKeys[k] = struct{}{}
		venueQty, ok := venueByKey[k]
		switch {
		case !ok:
			fmt.Printf("BOOK-ONLY  position %d: %s qty %.8g (not on venue)\n", pos.ID, k, pos.Quantity)
			mismatches++
		case venueQty != pos.Quantity:
			fmt.Printf("QTY-DRIFT  position %d: %s book %.8g venue %.8g\n", pos.ID, k, pos.Quantity, venueQty)
			mismatches++
		default:
			fmt.Printf("OK         position %d: %s qty %.8g\n", pos.ID, k, pos.Quantity)
		}
	}
	for k, qty := range venueByKey {
		if _, ok := bookKeys[k]; !ok {
			fmt.Printf("VENUE-ONLY %s qty %.8g (not in book)\n", k, qty)
			mismatches++
		}
	}

	if mismatches > 0 {
		fmt.Printf("verify-positions-on-exchange: %d mismatches found\n", mismatches)
	} else {
		fmt.Println("verify-positions-on-exchange: book matches venue")
	}
	os.Exit(cli.ExitOK)
}
