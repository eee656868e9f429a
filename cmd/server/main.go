// Command server runs the TradeSafe API: peer-to-peer escrow for
// buying and selling with strangers.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tradesafe/tradesafe/internal/config"
	"github.com/tradesafe/tradesafe/internal/logging"
	"github.com/tradesafe/tradesafe/internal/server"
)

// Set by ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tradesafe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting tradesafe",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"currency", cfg.Currency,
		"stripe_enabled", cfg.StripeSecretKey != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(context.Background())
}
