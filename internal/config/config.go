package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Backend selects which schedule repository implementation the provider
// constructs by default.
type Backend string

const (
	// BackendAuto probes the environment: list-store when a token source is
	// configured, demo otherwise.
	BackendAuto Backend = ""
	// BackendDemo is the deterministic in-memory repository.
	BackendDemo Backend = "demo"
	// BackendListStore is the remote OData-like list store.
	BackendListStore Backend = "liststore"
)

// ListStoreConfig holds connection settings for the remote list store.
type ListStoreConfig struct {
	// BaseURL is the site root, e.g. "https://tenant.example.com/sites/ops".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// ListName is the display name of the schedule list.
	ListName string `yaml:"list_name" json:"list_name"`

	// LegacyListName is tried when ListName does not resolve. Older
	// deployments used a differently-named signal list with a single date
	// column.
	LegacyListName string `yaml:"legacy_list_name" json:"legacy_list_name"`

	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `yaml:"token_env" json:"token_env"`
}

// CalendarConfig holds connection settings for the calendar query API.
type CalendarConfig struct {
	// Endpoint is the calendar view URL, queried with
	// startDateTime/endDateTime parameters.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `yaml:"token_env" json:"token_env"`

	// CacheTTLSeconds is how long a fetched range stays fresh.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`

	// MaxRetries bounds retry attempts on 429/5xx responses.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API server.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used when interpreting date-only
	// boundaries (e.g. "Asia/Tokyo").
	Timezone string `yaml:"timezone" json:"timezone"`

	// Backend selects the repository implementation: "demo", "liststore",
	// or empty for automatic probing.
	Backend Backend `yaml:"backend" json:"backend"`

	// WritesEnabled gates all mutations. When false the repository layer
	// reports writes as disabled instead of attempting them.
	WritesEnabled bool `yaml:"writes_enabled" json:"writes_enabled"`

	// DemoScenario names the seed dataset for the demo backend
	// ("default", "empty", "weekly").
	DemoScenario string `yaml:"demo_scenario" json:"demo_scenario"`

	// OwnerUserID identifies the requesting user for visibility filtering.
	OwnerUserID string `yaml:"owner_user_id" json:"owner_user_id"`

	// RefreshCron is a cron-style schedule (e.g. "*/15 * * * *") for the
	// background window refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// LogLevel is the minimum log level ("debug", "info", "warn", "error").
	LogLevel string `yaml:"log_level" json:"log_level"`

	ListStore ListStoreConfig `yaml:"list_store" json:"list_store"`
	Calendar  CalendarConfig  `yaml:"calendar" json:"calendar"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		Timezone:      "Asia/Tokyo",
		Backend:       BackendAuto,
		WritesEnabled: true,
		DemoScenario:  "default",
		RefreshCron:   "*/15 * * * *",
		LogLevel:      "info",
		ListStore: ListStoreConfig{
			ListName:       "FacilitySchedule",
			LegacyListName: "ScheduleSignals",
			TokenEnv:       "CARECAL_LIST_TOKEN",
		},
		Calendar: CalendarConfig{
			TokenEnv:        "CARECAL_CALENDAR_TOKEN",
			CacheTTLSeconds: 60,
			MaxRetries:      3,
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Tokyo"
	}
	switch c.Backend {
	case BackendAuto, BackendDemo, BackendListStore:
		// ok
	default:
		// Unknown value; fall back to probing rather than failing startup.
		c.Backend = BackendAuto
	}
	if c.DemoScenario == "" {
		c.DemoScenario = "default"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ListStore.ListName == "" {
		c.ListStore.ListName = "FacilitySchedule"
	}
	if c.ListStore.LegacyListName == "" {
		c.ListStore.LegacyListName = "ScheduleSignals"
	}
	if c.ListStore.TokenEnv == "" {
		c.ListStore.TokenEnv = "CARECAL_LIST_TOKEN"
	}
	if c.Calendar.TokenEnv == "" {
		c.Calendar.TokenEnv = "CARECAL_CALENDAR_TOKEN"
	}
	if c.Calendar.CacheTTLSeconds <= 0 {
		c.Calendar.CacheTTLSeconds = 60
	}
	if c.Calendar.MaxRetries <= 0 {
		c.Calendar.MaxRetries = 3
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".carecal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// ListToken returns the bearer token for the list store, or "" when absent.
func (c *Config) ListToken() string {
	return os.Getenv(c.ListStore.TokenEnv)
}

// CalendarToken returns the bearer token for the calendar API, or "" when absent.
func (c *Config) CalendarToken() string {
	return os.Getenv(c.Calendar.TokenEnv)
}
