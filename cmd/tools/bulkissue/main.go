package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/noah-isme/mealpass/internal/app"
	"github.com/noah-isme/mealpass/internal/config"
	"github.com/noah-isme/mealpass/internal/obs"
	"github.com/noah-isme/mealpass/internal/voucher"
)

// bulkissue issues the missing vouchers of one guest or of every active guest
// and prints the outcome as JSON.
func main() {
	os.Exit(run())
}

func run() int {
	guestID := flag.String("guest", "", "issue for a single guest instead of all active guests")
	async := flag.Bool("async", false, "enqueue the bulk run for the worker instead of running it here")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	// stdout carries the JSON result, so logs go to stderr.
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("component", "bulkissue").Logger()
	obs.MustRegisterDomainMetrics("mealpass", nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("initialise dependencies")
		return 1
	}
	defer func() { _ = deps.Close() }()

	var out any
	switch {
	case *guestID != "":
		out, err = deps.Issuer.IssueFor(ctx, *guestID)
	case *async:
		if deps.Tasks == nil {
			logger.Error().Msg("REDIS_URL is required for -async")
			return 1
		}
		var id string
		id, err = deps.Tasks.EnqueueBulkIssue(ctx)
		out = map[string]string{"task_id": id}
	default:
		out, err = deps.Issuer.IssueForAllActive(ctx)
	}
	if err != nil {
		if errors.Is(err, voucher.ErrBulkInProgress) {
			logger.Error().Msg("another bulk issuance run is in progress")
			return 2
		}
		logger.Error().Err(err).Msg("issuance failed")
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error().Err(err).Msg("write result")
		return 1
	}
	return 0
}
