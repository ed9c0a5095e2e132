package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the orchestrator configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	ClientID    string            `toml:"client_id"`   // Client id sent on outbound CMR/EDL requests
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Registry    RegistryConfig    `toml:"registry"`
	Work        WorkConfig        `toml:"work"`
	Worker      WorkerConfig      `toml:"worker"`
	CMR         CMRConfig         `toml:"cmr"`
	EDL         EDLConfig         `toml:"edl"`
	Logging     LoggingConfig     `toml:"logging"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
}

type ServerConfig struct {
	Port         int    `toml:"port"`
	Host         string `toml:"host"`
	CookieSecret string `toml:"cookie_secret"` // Shared secret for the deployment callback
}

// DatabaseConfig represents the SQLite job store configuration
type DatabaseConfig struct {
	Path          string `toml:"path"`            // Database file path
	CacheSizeMB   int    `toml:"cache_size_mb"`   // SQLite page cache size
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Lock wait before SQLITE_BUSY
	WALMode       bool   `toml:"wal_mode"`        // Enable write-ahead logging
}

// ObjectStoreConfig configures where service outputs and logs are staged.
// Type "local" uses the embedded Badger-backed store; "s3" expects an
// external bucket reachable through the s3:// URL scheme.
type ObjectStoreConfig struct {
	Type           string `toml:"type"`             // "local" or "s3"
	Path           string `toml:"path"`             // Local store directory (type=local)
	Bucket         string `toml:"bucket"`           // Artifact bucket name
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete local store on startup for clean test runs
}

// RegistryConfig configures service registry loading
type RegistryConfig struct {
	ServicesFile string `toml:"services_file"` // TOML file declaring the service set
	GranuleCap   int    `toml:"granule_cap"`   // Global cap on granules per request
}

// WorkConfig contains orchestration tunables
type WorkConfig struct {
	PageSize          int    `toml:"page_size"`           // CMR query page size
	PreviewThreshold  int    `toml:"preview_threshold"`   // Granule count above which jobs start previewing
	StaleSchedule     string `toml:"stale_schedule"`      // Cron schedule for the stale work item sweep
	StaleAfterMinutes int    `toml:"stale_after_minutes"` // Minutes without an update before a running item is stale
	ReaperSchedule    string `toml:"reaper_schedule"`     // Cron schedule for the user-work reaper
	DefaultRetryLimit int    `toml:"default_retry_limit"` // Per-item retry cap when the service declares none
}

// WorkerConfig contains the container-side worker loop settings
type WorkerConfig struct {
	ServiceID            string `toml:"service_id"`             // Image id this worker pulls work for
	PodName              string `toml:"pod_name"`               // Pod identity reported on claims
	CoordinatorURL       string `toml:"coordinator_url"`        // Base URL of the work coordinator
	PollInterval         string `toml:"poll_interval"`          // e.g. "3s" - idle poll backoff floor
	InvocationTimeout    string `toml:"invocation_timeout"`     // Wall-clock limit per invocation
	MaxCompletionRetries int    `toml:"max_completion_retries"` // Bounded retries for result PUTs
	MaxPrimeRetries      int    `toml:"max_prime_retries"`      // Startup priming attempts before exit
	WorkDir              string `toml:"work_dir"`               // Scratch directory for invocation artifacts
	TerminationFile      string `toml:"termination_file"`       // PreStop marker; presence stops the loop
}

// CMRConfig configures the CMR client
type CMRConfig struct {
	RootURL        string  `toml:"root_url"`
	RequestsPerSec float64 `toml:"requests_per_sec"` // Outbound rate limit
	Burst          int     `toml:"burst"`
}

// EDLConfig configures the identity provider client
type EDLConfig struct {
	TokenURL     string `toml:"token_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	CacheTTL     string `toml:"cache_ttl"` // TTL for group/EULA/provider caches
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// WebSocketConfig contains configuration for job event streaming
type WebSocketConfig struct {
	MinLevel      string   `toml:"min_level"`      // Minimum log level to broadcast
	AllowedEvents []string `toml:"allowed_events"` // Whitelist of event types; empty allows all
}

// DefaultConfig returns a config populated with development defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		ClientID:    "harmony-unknown",
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Database: DatabaseConfig{
			Path:          "./data/harmony.db",
			CacheSizeMB:   64,
			BusyTimeoutMS: 5000,
			WALMode:       true,
		},
		ObjectStore: ObjectStoreConfig{
			Type:   "local",
			Path:   "./data/artifacts",
			Bucket: "harmony-artifacts",
		},
		Registry: RegistryConfig{
			ServicesFile: "./services.toml",
			GranuleCap:   2000,
		},
		Work: WorkConfig{
			PageSize:          2000,
			PreviewThreshold:  0,
			StaleSchedule:     "*/5 * * * *",
			StaleAfterMinutes: 15,
			ReaperSchedule:    "0 * * * *",
			DefaultRetryLimit: 3,
		},
		Worker: WorkerConfig{
			CoordinatorURL:       "http://localhost:8080",
			PollInterval:         "3s",
			InvocationTimeout:    "4h",
			MaxCompletionRetries: 4,
			MaxPrimeRetries:      3,
			WorkDir:              "/tmp/harmony",
			TerminationFile:      "/tmp/harmony/TERMINATING",
		},
		CMR: CMRConfig{
			RootURL:        "https://cmr.earthdata.nasa.gov",
			RequestsPerSec: 10,
			Burst:          5,
		},
		EDL: EDLConfig{
			TokenURL: "https://urs.earthdata.nasa.gov/oauth/token",
			CacheTTL: "10m",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
	}
}

// LoadFromFiles loads configuration: defaults -> file(s) -> environment.
// Later files override earlier ones; HARMONY_ env vars override files.
func LoadFromFiles(base *Config, paths ...string) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.ClientID == "" {
		cfg.ClientID = "harmony-unknown"
	}

	return cfg, nil
}

// ApplyFlagOverrides applies command-line overrides (highest priority)
func ApplyFlagOverrides(cfg *Config, port int, host string) {
	if port != 0 {
		cfg.Server.Port = port
	}
	if host != "" {
		cfg.Server.Host = host
	}
}

// applyEnvOverrides maps HARMONY_-prefixed environment variables onto config
// fields. Only the commonly overridden values are mapped; everything else
// comes from files.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("HARMONY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("HARMONY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("HARMONY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("HARMONY_SERVICES_FILE"); v != "" {
		cfg.Registry.ServicesFile = v
	}
	if v := os.Getenv("HARMONY_COOKIE_SECRET"); v != "" {
		cfg.Server.CookieSecret = v
	}
	if v := os.Getenv("HARMONY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EDL_CLIENT_ID"); v != "" {
		cfg.EDL.ClientID = v
	}
	if v := os.Getenv("EDL_CLIENT_SECRET"); v != "" {
		cfg.EDL.ClientSecret = v
	}
	if v := os.Getenv("CMR_ROOT_URL"); v != "" {
		cfg.CMR.RootURL = v
	}
}

// ParseDurationOr parses a duration string, falling back to the given default
func ParseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ServiceEnvName converts a service name to its environment variable stem.
// Dashes become underscores and the result is uppercased, so
// "harmony-gdal-subsetter" maps to "HARMONY_GDAL_SUBSETTER".
func ServiceEnvName(serviceName string) string {
	return strings.ToUpper(strings.ReplaceAll(serviceName, "-", "_"))
}

// ServiceNameFromEnv converts an environment variable stem back to the
// service name: underscores become dashes, lowercased.
func ServiceNameFromEnv(envStem string) string {
	return strings.ToLower(strings.ReplaceAll(envStem, "_", "-"))
}
