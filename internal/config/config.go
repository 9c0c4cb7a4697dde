// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/telemetry"
)

// Headless modes.
const (
	HeadlessAlways = "always"
	HeadlessAuto   = "auto"
)

// Metadata drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool          `mapstructure:"development"`
	Level       string        `mapstructure:"level"`
	File        LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotated JSON log file alongside console output.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// CrawlerConfig governs how the gallery is fetched and how the cursor moves.
type CrawlerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	GapPolicy      string `mapstructure:"gap_policy"`
	// CursorPolicy is "follow" or "monotonic"; see crawler.CursorPolicy.
	CursorPolicy string `mapstructure:"cursor_policy"`
	FilePrefix   string `mapstructure:"file_prefix"`
	ImageScheme  string `mapstructure:"image_scheme"`
	// RequestsPerSecond caps outbound requests per host; zero disables the cap.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// MaxAttempts bounds tries per request for transient failures.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// HeadlessConfig configures optional browser rendering of gallery pages.
type HeadlessConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Mode is "always" to render every page or "auto" to render only pages
	// the static fetch could not use.
	Mode          string `mapstructure:"mode"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	WaitSelector  string `mapstructure:"wait_selector"`
}

// MetadataConfig selects and configures the metadata store.
type MetadataConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLiteFile  string `mapstructure:"sqlite_file"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// StorageConfig sets the storage root and the optional bucket mirror.
type StorageConfig struct {
	Dir    string    `mapstructure:"dir"`
	Prefix string    `mapstructure:"prefix"`
	GCS    GCSConfig `mapstructure:"gcs"`
	S3     S3Config  `mapstructure:"s3"`
}

// GCSConfig names the bucket images are mirrored to. An empty bucket disables
// mirroring.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// S3Config names an S3-compatible bucket images are mirrored to. An empty
// bucket disables mirroring.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// PubSubConfig names the topic commit events are published to. Publishing is
// disabled unless both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
	// Exporter is "" (propagation only) or "stdout".
	Exporter string `mapstructure:"exporter"`
}

// MetricsConfig controls the operator HTTP server. An empty address disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	// TokenSecret signs the bearer tokens required on /v1 routes. Empty leaves
	// them open.
	TokenSecret string `mapstructure:"token_secret"`
}

const minTokenSecretLen = 16

// DefaultEnvFiles are read by LoadEnvFiles when present.
var DefaultEnvFiles = []string{".env", ".env.local"}

// LoadEnvFiles exports the variables in each existing file into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WALLHAVEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("logging.file.compress", true)
	v.SetDefault("crawler.base_url", "https://alpha.wallhaven.cc")
	v.SetDefault("crawler.user_agent", "scrape-wallhaven/1.0")
	v.SetDefault("crawler.timeout_seconds", 30)
	v.SetDefault("crawler.gap_policy", string(crawler.GapPolicySkip))
	v.SetDefault("crawler.cursor_policy", string(crawler.CursorPolicyFollow))
	v.SetDefault("crawler.file_prefix", "alphaWallhaven-")
	v.SetDefault("crawler.image_scheme", "https")
	v.SetDefault("crawler.requests_per_second", 0.0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.mode", HeadlessAuto)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.wait_selector", "aside#showcase-sidebar, section.thumb-listing-page")
	v.SetDefault("metadata.driver", DriverSQLite)
	v.SetDefault("metadata.sqlite_file", "wallhaven.sqlite")
	v.SetDefault("metadata.max_conns", 4)
	v.SetDefault("storage.prefix", "wallpapers")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.token_secret", "")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "scrape-wallhaven")
	v.SetDefault("telemetry.exporter", "")
	// Registered so the WALLHAVEN_* environment variables reach Unmarshal.
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("metadata.postgres_dsn", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")
}

// Validate enforces required values and reasonable limits. storage.dir is
// checked by the caller since it usually comes from the command line.
func (c Config) Validate() error {
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if u, err := url.Parse(c.Crawler.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("crawler.base_url must be an absolute URL")
	}
	if c.Crawler.RequestsPerSecond < 0 {
		return fmt.Errorf("crawler.requests_per_second must be >= 0")
	}
	if c.Crawler.MaxAttempts < 0 {
		return fmt.Errorf("crawler.max_attempts must be >= 0")
	}
	switch crawler.GapPolicy(c.Crawler.GapPolicy) {
	case crawler.GapPolicySkip, crawler.GapPolicyHold:
	default:
		return fmt.Errorf("crawler.gap_policy must be %q or %q", crawler.GapPolicySkip, crawler.GapPolicyHold)
	}
	switch crawler.CursorPolicy(c.Crawler.CursorPolicy) {
	case "", crawler.CursorPolicyFollow, crawler.CursorPolicyMonotonic:
	default:
		return fmt.Errorf("crawler.cursor_policy must be %q or %q", crawler.CursorPolicyFollow, crawler.CursorPolicyMonotonic)
	}
	switch c.Telemetry.Exporter {
	case telemetry.ExporterNone, telemetry.ExporterStdout:
	default:
		return fmt.Errorf("telemetry.exporter must be empty or %q", telemetry.ExporterStdout)
	}
	if c.Headless.Enabled {
		if c.Headless.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
		}
		if c.Headless.Mode != HeadlessAlways && c.Headless.Mode != HeadlessAuto {
			return fmt.Errorf("headless.mode must be %q or %q", HeadlessAlways, HeadlessAuto)
		}
	}
	switch c.Metadata.Driver {
	case DriverSQLite:
		if c.Metadata.SQLiteFile == "" {
			return fmt.Errorf("metadata.sqlite_file must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.Metadata.PostgresDSN == "" {
			return fmt.Errorf("metadata.postgres_dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("metadata.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
		return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key must be set together")
	}
	if s := c.Metrics.TokenSecret; s != "" && len(s) < minTokenSecretLen {
		return fmt.Errorf("metrics.token_secret must be at least %d bytes", minTokenSecretLen)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set together")
	}
	return nil
}

// FetchTimeout converts crawler.timeout_seconds into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// NavTimeout converts headless.nav_timeout_seconds into a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}
