// Command licensegate runs the license validation and route-gate backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"licensegate/internal/app"
	"licensegate/internal/config"
	"licensegate/internal/infrastructure"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "licensegate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := infrastructure.InitializeLogger(cfg.Logging); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
