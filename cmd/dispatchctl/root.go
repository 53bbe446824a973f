package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/taxidispatch/internal/config"
	"github.com/example/taxidispatch/internal/dispatch/matching"
	"github.com/example/taxidispatch/internal/dispatch/seed"
	"github.com/example/taxidispatch/internal/dispatch/store"
	"github.com/example/taxidispatch/pkg/observability"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "dispatchctl",
	Short:         "Operate the taxi dispatch pool directly against its store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")
	rootCmd.AddCommand(seedCmd, dispatchCmd, nearestCmd, releaseCmd, moveCmd)
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

type core struct {
	coordinator *matching.Coordinator
	seeder      *seed.Seeder
	cfg         config.Config
	close       func()
}

// openCore wires the dispatch core against the configured store. Events are
// not published from the CLI.
func openCore(ctx context.Context) (*core, error) {
	if envFile != "" {
		if err := os.Setenv("ENV_FILE", envFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := observability.SetupLogger("dispatchctl", cfg.LogLevel)

	taxis, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	finder, err := matching.NewFinder(taxis, cfg.StoreCallTimeout)
	if err != nil {
		closeStore()
		return nil, err
	}
	coord, err := matching.NewCoordinator(finder, taxis, nil, logger, matching.CoordinatorConfig{
		AverageSpeedKMH: cfg.AverageSpeedKMH,
		CallTimeout:     cfg.StoreCallTimeout,
	})
	if err != nil {
		closeStore()
		return nil, err
	}
	seeder, err := seed.NewSeeder(taxis, logger)
	if err != nil {
		closeStore()
		return nil, err
	}
	return &core{
		coordinator: coord,
		seeder:      seeder,
		cfg:         cfg,
		close: func() {
			closeStore()
			_ = logger.Sync()
		},
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
