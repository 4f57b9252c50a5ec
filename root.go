package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cmisync/internal/cmis"
	"github.com/tonimelisma/cmisync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// loadedCfg holds the configuration loaded by PersistentPreRunE. It is
// available to all subcommands after the root pre-run phase completes.
var loadedCfg *config.Config

// httpClientTimeout bounds connection setup and headers; individual CMIS
// calls carry their own deadlines on the request context.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cmisync",
		Short:   "CMIS repository sync client",
		Long:    "A bidirectional file sync client for CMIS content repositories (Alfresco, Nuxeo, and compatible servers).",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}

			loadedCfg = cfg

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// configPath returns the --config flag value, or the default location
// under the user config directory.
func configPath() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "cmisync.toml"
	}

	return filepath.Join(dir, "cmisync", "cmisync.toml")
}

// buildLogger creates an slog.Logger configured by the CLI flags. Output
// to a terminal uses the text handler; redirected output gets JSON for
// machine parsing.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildClient assembles the CMIS client from the loaded configuration.
func buildClient(cfg *config.Config, logger *slog.Logger) *cmis.Client {
	var auth cmis.Authenticator

	if cfg.Repository.OAuthTokenURL != "" {
		auth = cmis.ClientCredentialsAuth(
			context.Background(),
			cfg.Repository.OAuthClientID,
			cfg.Repository.OAuthClientSecret,
			cfg.Repository.OAuthTokenURL,
			cfg.Repository.OAuthScopes,
		)
	} else {
		auth = cmis.BasicAuth{Username: cfg.Repository.Username, Password: cfg.Repository.Password}
	}

	return cmis.NewClient(cfg.Repository.ServiceURL, cfg.Repository.RepoID, defaultHTTPClient(), auth, logger)
}

// statePath returns the configured SQLite location, defaulting to a
// hidden database inside the sync root.
func statePath(cfg *config.Config) string {
	if cfg.Sync.StatePath != "" {
		return cfg.Sync.StatePath
	}

	return filepath.Join(cfg.Sync.LocalRoot, ".cmisync.db")
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, so an
// interrupted run drains in-flight transfers instead of tearing files.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
