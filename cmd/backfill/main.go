// Command backfill generates historical readings for a fleet of meters and
// loads them through the backfill endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicktill/meterflow/pkg/client"
	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/ingest"
	"github.com/nicktill/meterflow/pkg/logging"
	"github.com/nicktill/meterflow/pkg/simulate"
)

func main() {
	server := flag.String("server", "http://localhost:"+config.DefaultPort, "meterflow base URL")
	meters := flag.Int("meters", simulate.DefaultMeters, "number of meters")
	first := flag.Int("first-meter", simulate.DefaultFirstMeter, "id of the first meter")
	days := flag.Int("days", 14, "days of history to generate")
	step := flag.Duration("step", simulate.DefaultHistoryStep, "time between readings of one meter")
	batchSize := flag.Int("batch", 500, "readings per request")
	seed := flag.Uint64("seed", 0, "random seed (0 picks one)")
	flag.Parse()

	logger := logging.New(config.LoggingConfig{Level: "info", Format: "text", Output: "stdout"}, "backfill")

	sender, err := client.NewHTTP(client.Config{BaseURL: *server, Backfill: true})
	if err != nil {
		logger.Error("creating client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	batcher := client.NewBatcher(sender, client.BatchConfig{
		MaxBatchSize: *batchSize,
		OnResult: func(sent int, resp *ingest.IngestResponse, err error) {
			switch {
			case errors.Is(err, client.ErrRejected):
				logger.Warn("batch rejected", "readings", sent)
			case err != nil:
				logger.Error("batch failed", "readings", sent, "error", err)
			case resp.Rejected > 0:
				logger.Warn("batch partially rejected", "accepted", resp.Accepted, "rejected", resp.Rejected)
			}
		},
	})
	batcher.Start(ctx)

	gen := simulate.New(simulate.Config{
		Meters:     *meters,
		FirstMeter: *first,
		Profile:    simulate.Historical,
		Step:       *step,
		Seed:       *seed,
	})

	end := time.Now().UTC().Truncate(*step)
	start := end.Add(-time.Duration(*days) * 24 * time.Hour)
	logger.Info("loading history", "server", sender.Endpoint(), "meters", *meters, "from", start, "to", end)

	began := time.Now()
	lastDay := start
	for ts, readings := range gen.History(start, end) {
		if ctx.Err() != nil {
			break
		}
		for _, r := range readings {
			batcher.Add(r)
		}
		if ts.Sub(lastDay) >= 24*time.Hour {
			lastDay = ts
			logger.Info("progress", "at", ts.Format(time.DateOnly), "stats", batcher.Stats())
		}
	}
	batcher.Stop()

	stats := batcher.Stats()
	logger.Info("history loaded",
		"sent", stats.Sent,
		"accepted", stats.Accepted,
		"rejected", stats.Rejected,
		"failed", stats.Failed,
		"elapsed", time.Since(began).Round(time.Millisecond))
	if stats.Failed > 0 || ctx.Err() != nil {
		os.Exit(1)
	}
}
