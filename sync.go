package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cmisync/internal/config"
	syncpkg "github.com/tonimelisma/cmisync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one bidirectional sync cycle",
		Long: `Run a one-shot sync cycle between the local directory and the CMIS
repository.

When the repository supports the change log and the stored token is
current, only changed items are visited. Otherwise, both sides are
crawled in full.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			return runSyncOnce(ctx, loadedCfg, buildLogger())
		},
	}
}

// runSyncOnce builds the engine stack and executes a single run.
func runSyncOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	engine, store, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	reportRun(result, logger)

	if result.Failed > 0 {
		return fmt.Errorf("sync: %d item(s) failed", result.Failed)
	}

	return nil
}

// buildEngine wires client, store, filter, and bandwidth limiter into a
// ready engine. The caller owns the returned store.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*syncpkg.Engine, *syncpkg.SQLiteStore, error) {
	client := buildClient(cfg, logger)

	store, err := syncpkg.NewStore(statePath(cfg), logger)
	if err != nil {
		return nil, nil, err
	}

	filter := syncpkg.NewPathFilter(cfg.Filter, logger)

	limiter, err := syncpkg.NewBandwidthLimiter(cfg.Transfers.BandwidthLimit)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	engine := syncpkg.NewEngine(syncpkg.EngineParams{
		Config:          cfg,
		Session:         client,
		Store:           store,
		Filter:          filter,
		Limiter:         limiter,
		CaseInsensitive: cfg.Sync.IgnoreIfSameLowercaseNames,
		Logger:          logger,
	})

	return engine, store, nil
}

// reportRun logs the outcome of one run and any per-item errors.
func reportRun(result *syncpkg.RunResult, logger *slog.Logger) {
	for _, err := range result.Errors {
		logger.Error("sync: item failed", "error", err)
	}

	logger.Info("sync: finished",
		"mode", string(result.Mode),
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"token_saved", result.TokenSaved,
	)
}
