// Command forge-manager is the block-producer forging-coordination
// sidecar: it runs alongside a cardano-node, holds a Kubernetes Lease to
// decide which replica may forge, and reconciles signing-key credentials
// and reload signals accordingly.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mochipool/cardano-forge-manager/internal/bootstrap"
	"github.com/mochipool/cardano-forge-manager/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "forge-manager:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := bootstrap.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	app, err := bootstrap.Build(cfg, log)
	if err != nil {
		return fmt.Errorf("building application: %w", err)
	}

	return app.Run(context.Background())
}
