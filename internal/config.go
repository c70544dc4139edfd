package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/slabsync/internal/models"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Connectivity signal sources.
const (
	ConnectivityProbe  = "probe"
	ConnectivityFile   = "file"
	ConnectivityStatic = "static"
)

var httpURL = regexp.MustCompile(`^https?://`)

// Config represents the application configuration.
type Config struct {
	App          ApplicationConfig  `yaml:"app"`
	SQLite       SQLiteConfig       `yaml:"sqlite"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Auth         AuthConfig         `yaml:"auth"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"app", &c.App},
		{"sqlite", &c.SQLite},
		{"remote", &c.Remote},
		{"connectivity", &c.Connectivity},
		{"sync", &c.Sync},
		{"auth", &c.Auth},
		{"telemetry", &c.Telemetry},
	}
	for _, s := range validators {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
	Log      LogConfig  `yaml:"log"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	return c.Log.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// LogConfig controls the optional rotated log file. Logs always go to
// stdout; File adds a second, rotated JSON sink.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Validate validates the log configuration.
func (c *LogConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSizeMB, validation.Min(0)),
		validation.Field(&c.MaxBackups, validation.Min(0)),
		validation.Field(&c.MaxAgeDays, validation.Min(0)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// RemoteConfig points at the trading backend's REST API.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	StoreID string        `yaml:"store_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the remote API configuration.
func (c *RemoteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, validation.Match(httpURL).Error("must be an http(s) URL")),
		validation.Field(&c.Timeout, validation.Required, validation.Min(100*time.Millisecond)),
	)
}

// ConnectivityConfig selects where online/offline signals come from.
//
//   - "probe" (default): GET ProbePath on the remote API every Interval.
//   - "file": online while FlagFile exists.
//   - "static": always online.
type ConnectivityConfig struct {
	Mode      string        `yaml:"mode"`
	ProbePath string        `yaml:"probe_path"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	FlagFile  string        `yaml:"flag_file"`
}

// Validate validates the connectivity configuration.
func (c *ConnectivityConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = ConnectivityProbe
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(ConnectivityProbe, ConnectivityFile, ConnectivityStatic)),
		validation.Field(&c.ProbePath, validation.When(c.Mode == ConnectivityProbe, validation.Required)),
		validation.Field(&c.Interval, validation.When(c.Mode == ConnectivityProbe, validation.Required, validation.Min(time.Second))),
		validation.Field(&c.FlagFile, validation.When(c.Mode == ConnectivityFile, validation.Required)),
	)
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// Interval between periodic drains; zero disables the loop.
	Interval      time.Duration `yaml:"interval"`
	DrainOnSubmit bool          `yaml:"drain_on_submit"`
	// CacheTTL makes the loop refresh partitions older than this; zero
	// disables automatic refreshes.
	CacheTTL  time.Duration     `yaml:"cache_ttl"`
	Endpoints map[string]string `yaml:"endpoints"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.Min(time.Duration(0))),
		validation.Field(&c.CacheTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.Endpoints, validation.By(validEndpoints)),
	)
}

func validEndpoints(value any) error {
	m, _ := value.(map[string]string)
	for p, ep := range m {
		if !models.Partition(p).Valid() {
			return fmt.Errorf("unknown partition %q", p)
		}
		if !strings.HasPrefix(ep, "/") {
			return fmt.Errorf("endpoint of %q must start with /", p)
		}
	}
	return nil
}

// PartitionEndpoints returns the configured endpoint overrides.
func (c *SyncConfig) PartitionEndpoints() map[models.Partition]string {
	out := make(map[models.Partition]string, len(c.Endpoints))
	for p, ep := range c.Endpoints {
		out[models.Partition(p)] = ep
	}
	return out
}

// AuthConfig protects the local HTTP surface.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication, for a UI on the same machine.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// TelemetryConfig enables OTLP trace export. An empty Endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// Validate validates the telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if c.Endpoint != "" && c.ServiceName == "" {
		return errors.New("service_name is required when endpoint is set")
	}
	return nil
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Host: "127.0.0.1",
				Port: 8787,
			},
			Log: LogConfig{
				MaxSizeMB:  20,
				MaxBackups: 5,
				MaxAgeDays: 30,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./data/slabsync.db",
		},
		Remote: RemoteConfig{
			Timeout: 15 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			Mode:      ConnectivityProbe,
			ProbePath: "/health",
			Interval:  15 * time.Second,
			Timeout:   5 * time.Second,
			FlagFile:  "./data/online",
		},
		Sync: SyncConfig{
			Interval: time.Minute,
			CacheTTL: 30 * time.Minute,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "slabsync",
		},
	}
}
