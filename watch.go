package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cmisync/internal/config"
	syncpkg "github.com/tonimelisma/cmisync/internal/sync"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Continuously sync on local changes and a poll interval",
		Long: `Watch the local directory for changes and sync when they settle.
Remote changes are picked up on the configured poll interval. Runs until
interrupted.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			return runWatch(ctx, loadedCfg, buildLogger())
		},
	}
}

// runWatch loops forever: a filesystem event schedules a debounced run,
// and the poll ticker forces one periodically so remote-only changes
// still land.
func runWatch(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	engine, store, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	watcher, err := newTreeWatcher(cfg.Sync.LocalRoot, logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	if cfg.Sync.SyncAtStartup {
		runAndReport(ctx, engine, logger)
	}

	poll := time.NewTicker(cfg.PollInterval())
	defer poll.Stop()

	// The debounce timer starts stopped; each event rewinds it so a burst
	// of saves coalesces into one run after the window of quiet.
	debounce := time.NewTimer(cfg.DebounceWindow())
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watch: event channel closed")
			}

			watcher.track(event)
			debounce.Reset(cfg.DebounceWindow())
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watch: error channel closed")
			}

			logger.Warn("watch: watcher error", "error", err)
		case <-debounce.C:
			runAndReport(ctx, engine, logger)
		case <-poll.C:
			runAndReport(ctx, engine, logger)
		}
	}
}

// runAndReport executes one engine run, logging instead of aborting the
// watch loop on failure.
func runAndReport(ctx context.Context, engine *syncpkg.Engine, logger *slog.Logger) {
	result, err := engine.Run(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("watch: sync run failed", "error", err)
		}

		return
	}

	reportRun(result, logger)
}

// treeWatcher wraps fsnotify with recursive directory registration.
// fsnotify watches are per-directory, so new folders are added as their
// create events arrive.
type treeWatcher struct {
	*fsnotify.Watcher
	logger *slog.Logger
}

func newTreeWatcher(root string, logger *slog.Logger) (*treeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	tw := &treeWatcher{Watcher: w, logger: logger}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return tw.Add(path)
		}

		return nil
	})
	if err != nil {
		w.Close()
		return nil, err
	}

	return tw, nil
}

// track registers newly created directories so events under them are
// seen too.
func (tw *treeWatcher) track(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}

	info, err := os.Lstat(event.Name)
	if err != nil || !info.IsDir() {
		return
	}

	if err := tw.Add(event.Name); err != nil {
		tw.logger.Warn("watch: could not watch new directory", "path", event.Name, "error", err)
	}
}
