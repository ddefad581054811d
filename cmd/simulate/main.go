// Command simulate drives synthetic UPI traffic through the scoring
// pipeline in-process, using the same storage configuration as the server.
//
// Usage:
//
//	go run ./cmd/simulate -n 500 -fraud-ratio 0.1 -interval 200ms
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cognativeshield/fraudguard/internal/config"
	"github.com/cognativeshield/fraudguard/internal/logging"
	"github.com/cognativeshield/fraudguard/internal/server"
	"github.com/cognativeshield/fraudguard/internal/simulator"
)

func main() {
	count := flag.Int("n", 100, "number of transactions to send (0 runs until interrupted)")
	interval := flag.Duration("interval", 500*time.Millisecond, "pause between transactions")
	ratio := flag.Float64("fraud-ratio", simulator.DefaultFraudRatio, "share of transactions with injected fraud signals")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed for reproducible runs")
	flag.Parse()

	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithDrainDelay(0))
	if err != nil {
		logger.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}
	defer func() { _ = srv.Shutdown() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go srv.Hub().Run(ctx)

	logger.Info("simulation started",
		"count", *count,
		"interval", interval.String(),
		"fraud_ratio", *ratio,
		"seed", *seed,
	)

	gen := simulator.NewGenerator(*seed, *ratio)
	report := simulator.Run(ctx, gen, srv.Pipeline(), simulator.Config{Count: *count, Interval: *interval}, logger)

	logger.Info("simulation finished",
		"sent", report.Sent,
		"injected", report.Injected,
		"flagged", report.Flagged,
		"detection_rate", report.DetectionRate(),
	)
	_ = json.NewEncoder(os.Stdout).Encode(report)
}
