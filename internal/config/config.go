// Package config implements TOML configuration loading, defaults, and
// validation for cmisync. The loaded Config is a frozen record injected
// into each component; nothing reads configuration through globals.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// DropFirstEvent selects when the change-log ingester discards the first
// event of a page. Servers re-deliver the last event of the previous page
// as the first event of the next one; whether that applies to the very
// first page after a stored token varies by product.
type DropFirstEvent string

// Recognized drop-first-event policies.
const (
	DropFirstAlways       DropFirstEvent = "always"
	DropFirstNonFirstOnly DropFirstEvent = "non-first-only"
)

// Config is the top-level configuration parsed from a TOML file.
type Config struct {
	Repository RepositoryConfig `toml:"repository"`
	Sync       SyncConfig       `toml:"sync"`
	Transfers  TransfersConfig  `toml:"transfers"`
	Filter     FilterConfig     `toml:"filter"`
}

// RepositoryConfig identifies the CMIS repository and how to authenticate.
type RepositoryConfig struct {
	ServiceURL string `toml:"service_url"` // Browser-binding service document URL
	RepoID     string `toml:"repo_id"`
	RemoteRoot string `toml:"remote_root"` // repository path of the sync root, e.g. "/Sites/team/documentLibrary"

	Username string `toml:"username"`
	Password string `toml:"password"`

	// OAuth2 client-credentials alternative to basic auth.
	OAuthTokenURL     string   `toml:"oauth_token_url"`
	OAuthClientID     string   `toml:"oauth_client_id"`
	OAuthClientSecret string   `toml:"oauth_client_secret"`
	OAuthScopes       []string `toml:"oauth_scopes"`
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	LocalRoot                  string         `toml:"local_root"`
	StatePath                  string         `toml:"state_path"` // SQLite database location
	MaxChangesPerPage          int            `toml:"max_changes_per_page"`
	IgnoreIfSameLowercaseNames bool           `toml:"ignore_if_same_lowercase_names"`
	PollInterval               duration       `toml:"poll_interval"`
	SyncAtStartup              bool           `toml:"sync_at_startup"`
	CoalesceWindow             duration       `toml:"coalesce_window"`
	DropFirstEventPerBatch     DropFirstEvent `toml:"drop_first_event_per_batch"`
	DebounceWindow             duration       `toml:"debounce_window"` // watch mode
}

// TransfersConfig controls worker counts and bandwidth.
type TransfersConfig struct {
	Workers        int    `toml:"workers"`         // processor pool width; 0 = NumCPU
	QueueCapacity  int    `toml:"queue_capacity"`  // 0 = workers * 4
	BandwidthLimit string `toml:"bandwidth_limit"` // e.g. "10MB", empty = unlimited
}

// FilterConfig controls which local names are excluded from sync.
type FilterConfig struct {
	IgnorePatterns []string `toml:"ignore_patterns"` // gitignore syntax
	SkipDotfiles   bool     `toml:"skip_dotfiles"`
	SkipSymlinks   bool     `toml:"skip_symlinks"`
}

// Defaults for unset sync options.
const (
	defaultMaxChangesPerPage = 50
	defaultCoalesceWindow    = 500 * time.Millisecond
	defaultPollInterval      = 5 * time.Minute
	defaultDebounceWindow    = 2 * time.Second
)

// duration is a time.Duration that unmarshals from TOML strings like "500ms".
type duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = duration(parsed)

	return nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and validates the configuration file at path, applying
// defaults to unset fields. The returned Config is complete and frozen.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config

	meta, err := toml.Decode(string(raw), &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown option %q in %s", undecoded[0].String(), path)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Sync.MaxChangesPerPage == 0 {
		c.Sync.MaxChangesPerPage = defaultMaxChangesPerPage
	}

	if c.Sync.CoalesceWindow == 0 {
		c.Sync.CoalesceWindow = duration(defaultCoalesceWindow)
	}

	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = duration(defaultPollInterval)
	}

	if c.Sync.DebounceWindow == 0 {
		c.Sync.DebounceWindow = duration(defaultDebounceWindow)
	}

	if c.Sync.DropFirstEventPerBatch == "" {
		c.Sync.DropFirstEventPerBatch = DropFirstNonFirstOnly
	}

	if c.Repository.RemoteRoot == "" {
		c.Repository.RemoteRoot = "/"
	}

	if c.Transfers.Workers == 0 {
		c.Transfers.Workers = runtime.NumCPU()
	}

	if c.Transfers.QueueCapacity == 0 {
		c.Transfers.QueueCapacity = c.Transfers.Workers * 4
	}
}

// Validation errors.
var (
	errNoServiceURL = errors.New("config: repository.service_url is required")
	errNoRepoID     = errors.New("config: repository.repo_id is required")
	errNoLocalRoot  = errors.New("config: sync.local_root is required")
	errNoAuth       = errors.New("config: either username/password or oauth settings are required")
)

// Validate checks required fields and option values.
func (c *Config) Validate() error {
	if c.Repository.ServiceURL == "" {
		return errNoServiceURL
	}

	if c.Repository.RepoID == "" {
		return errNoRepoID
	}

	if c.Sync.LocalRoot == "" {
		return errNoLocalRoot
	}

	if c.Repository.Username == "" && c.Repository.OAuthTokenURL == "" {
		return errNoAuth
	}

	switch c.Sync.DropFirstEventPerBatch {
	case DropFirstAlways, DropFirstNonFirstOnly:
	default:
		return fmt.Errorf("config: invalid drop_first_event_per_batch %q", c.Sync.DropFirstEventPerBatch)
	}

	if c.Sync.MaxChangesPerPage < 1 {
		return fmt.Errorf("config: max_changes_per_page must be positive, got %d", c.Sync.MaxChangesPerPage)
	}

	return nil
}

// PollInterval returns the poll interval as a time.Duration.
func (c *Config) PollInterval() time.Duration { return c.Sync.PollInterval.Duration() }

// CoalesceWindow returns the coalescing window as a time.Duration.
func (c *Config) CoalesceWindow() time.Duration { return c.Sync.CoalesceWindow.Duration() }

// DebounceWindow returns the watch-mode debounce window as a time.Duration.
func (c *Config) DebounceWindow() time.Duration { return c.Sync.DebounceWindow.Duration() }
