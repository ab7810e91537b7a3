// Package config loads runtime settings for the fetch service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/resilient-fetch/internal/fetcher/transport"
	"github.com/JakeFAU/resilient-fetch/internal/storage"
	"github.com/JakeFAU/resilient-fetch/internal/storage/s3"
)

// EnvPrefix is prepended to every environment override, e.g. FETCHER_SERVER_PORT.
const EnvPrefix = "FETCHER"

// Config is the top-level configuration.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Wayback    WaybackConfig    `mapstructure:"wayback"`
	Resurrect  ResurrectConfig  `mapstructure:"resurrect"`
	Patterns   PatternsConfig   `mapstructure:"patterns"`
	Session    SessionConfig    `mapstructure:"session"`
	Output     OutputConfig     `mapstructure:"output"`
	Images     ImagesConfig     `mapstructure:"images"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	// RequestTimeout of zero means pipeline.chain_timeout plus 30s.
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBatch        int           `mapstructure:"max_batch"`
}

// HTTPConfig applies to every outbound page request.
type HTTPConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// SafetyConfig extends the built-in SSRF rules.
type SafetyConfig struct {
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// RateLimitConfig bounds the randomized per-domain spacing.
type RateLimitConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// PipelineConfig tunes the strategy chain.
type PipelineConfig struct {
	ChainTimeout         time.Duration `mapstructure:"chain_timeout"`
	MinContentChars      int           `mapstructure:"min_content_chars"`
	ResurrectionMinChars int           `mapstructure:"resurrection_min_chars"`
}

// HeadlessConfig controls the chromedp strategy.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	ExecPath    string        `mapstructure:"exec_path"`
}

// ArchiveConfig controls the archive.is strategy.
type ArchiveConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WaybackConfig controls the Wayback Machine strategy and CDX client.
type WaybackConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	BaseURL          string        `mapstructure:"base_url"`
	CDXLimit         int           `mapstructure:"cdx_limit"`
	MinSnapshotChars int           `mapstructure:"min_snapshot_chars"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// ResurrectConfig toggles the last-resort strategy.
type ResurrectConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// PatternsConfig points at an optional pattern file.
type PatternsConfig struct {
	File string `mapstructure:"file"`
}

// SessionConfig points at exported browser cookies.
type SessionConfig struct {
	CookieDir string `mapstructure:"cookie_dir"`
}

// OutputConfig selects where finalized results are written.
type OutputConfig struct {
	Backend   string    `mapstructure:"backend"`
	BaseDir   string    `mapstructure:"base_dir"`
	GCSBucket string    `mapstructure:"gcs_bucket"`
	S3        s3.Config `mapstructure:"s3"`
}

// ImagesConfig controls image retrieval during finalization.
type ImagesConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxBytes   int64         `mapstructure:"max_bytes"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxPerPage int           `mapstructure:"max_per_page"`
	PerSecond  float64       `mapstructure:"per_second"`
}

// DispatcherConfig sizes the batch worker pool.
type DispatcherConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// PubSubConfig enables completion events. An empty topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig toggles OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads configuration from defaults, an optional file, and FETCHER_* env vars.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", time.Duration(0))
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_batch", 100)

	v.SetDefault("http.user_agent", transport.DefaultUserAgent)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_body_bytes", int64(transport.DefaultMaxBodyBytes))

	v.SetDefault("safety.blocked_hosts", []string{})

	v.SetDefault("ratelimit.min_delay", time.Second)
	v.SetDefault("ratelimit.max_delay", 3*time.Second)

	v.SetDefault("pipeline.chain_timeout", 3*time.Minute)
	v.SetDefault("pipeline.min_content_chars", 500)
	v.SetDefault("pipeline.resurrection_min_chars", 200)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 60*time.Second)
	v.SetDefault("headless.idle_timeout", 10*time.Second)
	v.SetDefault("headless.exec_path", "")

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.base_url", "https://archive.ph")
	v.SetDefault("archive.timeout", 30*time.Second)

	v.SetDefault("wayback.enabled", true)
	v.SetDefault("wayback.base_url", "https://web.archive.org")
	v.SetDefault("wayback.cdx_limit", 20)
	v.SetDefault("wayback.min_snapshot_chars", 2000)
	v.SetDefault("wayback.timeout", 30*time.Second)

	v.SetDefault("resurrect.enabled", true)

	v.SetDefault("patterns.file", "")
	v.SetDefault("session.cookie_dir", "")

	v.SetDefault("output.backend", storage.BackendLocal)
	v.SetDefault("output.base_dir", "./output")
	v.SetDefault("output.gcs_bucket", "")
	v.SetDefault("output.s3.bucket", "")
	v.SetDefault("output.s3.region", "us-east-1")
	v.SetDefault("output.s3.endpoint", "")
	v.SetDefault("output.s3.access_key_id", "")
	v.SetDefault("output.s3.secret_access_key", "")
	v.SetDefault("output.s3.use_path_style", false)
	v.SetDefault("output.s3.prefix", "")

	v.SetDefault("images.enabled", true)
	v.SetDefault("images.max_bytes", int64(10<<20))
	v.SetDefault("images.timeout", 15*time.Second)
	v.SetDefault("images.max_per_page", 40)
	v.SetDefault("images.per_second", 4.0)

	v.SetDefault("dispatcher.concurrency", 4)
	v.SetDefault("dispatcher.queue_depth", 64)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "resilient-fetch")
}

// Validate performs basic sanity checks.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Server.RequestTimeout >= 0, "server.request_timeout must be >= 0")
	check(c.Server.MaxBatch > 0, "server.max_batch must be > 0")
	check(c.HTTP.Timeout > 0, "http.timeout must be > 0")
	check(c.HTTP.MaxBodyBytes > 0, "http.max_body_bytes must be > 0")
	check(c.RateLimit.MinDelay >= 0, "ratelimit.min_delay must be >= 0")
	check(c.RateLimit.MinDelay <= c.RateLimit.MaxDelay,
		"ratelimit.min_delay (%s) must be <= ratelimit.max_delay (%s)", c.RateLimit.MinDelay, c.RateLimit.MaxDelay)
	check(c.Pipeline.ChainTimeout > 0, "pipeline.chain_timeout must be > 0")
	check(c.Pipeline.MinContentChars > 0, "pipeline.min_content_chars must be > 0")
	check(c.Pipeline.ResurrectionMinChars > 0, "pipeline.resurrection_min_chars must be > 0")

	if c.Headless.Enabled {
		check(c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
		check(c.Headless.NavTimeout > 0, "headless.nav_timeout must be > 0")
		check(c.Headless.IdleTimeout > 0, "headless.idle_timeout must be > 0")
	}
	if c.Archive.Enabled {
		check(c.Archive.BaseURL != "", "archive.base_url is required when archive is enabled")
		check(c.Archive.Timeout > 0, "archive.timeout must be > 0")
	}
	if c.Wayback.Enabled || c.Resurrect.Enabled {
		check(c.Wayback.BaseURL != "", "wayback.base_url is required when wayback or resurrect is enabled")
		check(c.Wayback.Timeout > 0, "wayback.timeout must be > 0")
	}
	if c.Wayback.Enabled {
		check(c.Wayback.CDXLimit > 0, "wayback.cdx_limit must be > 0")
		check(c.Wayback.MinSnapshotChars > 0, "wayback.min_snapshot_chars must be > 0")
	}

	switch c.Output.Backend {
	case storage.BackendLocal:
		check(c.Output.BaseDir != "", "output.base_dir is required for the local backend")
	case storage.BackendMemory:
	case storage.BackendGCS:
		check(c.Output.GCSBucket != "", "output.gcs_bucket is required for the gcs backend")
	case storage.BackendS3:
		check(c.Output.S3.Bucket != "", "output.s3.bucket is required for the s3 backend")
		check(c.Output.S3.Region != "", "output.s3.region is required for the s3 backend")
	default:
		errs = append(errs, fmt.Errorf("output.backend %q is not one of local, memory, gcs, s3", c.Output.Backend))
	}

	if c.Images.Enabled {
		check(c.Images.MaxBytes > 0, "images.max_bytes must be > 0")
		check(c.Images.Timeout > 0, "images.timeout must be > 0")
		check(c.Images.MaxPerPage > 0, "images.max_per_page must be > 0")
		check(c.Images.PerSecond >= 0, "images.per_second must be >= 0")
	}

	check(c.Dispatcher.Concurrency > 0, "dispatcher.concurrency must be > 0")
	check(c.Dispatcher.QueueDepth >= 0, "dispatcher.queue_depth must be >= 0")
	check(c.PubSub.Topic == "" || c.PubSub.ProjectID != "", "pubsub.project_id is required when pubsub.topic is set")
	check(!c.Tracing.Enabled || c.Tracing.ServiceName != "", "tracing.service_name is required when tracing is enabled")

	return errors.Join(errs...)
}

// RequestTimeout is the API handler deadline.
func (c Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeout > 0 {
		return c.Server.RequestTimeout
	}
	return c.Pipeline.ChainTimeout + 30*time.Second
}

// MinContentOverrides maps strategy methods to the configured extracted-length floors.
func (c Config) MinContentOverrides(methods []string, resurrection string) map[string]int {
	out := make(map[string]int, len(methods))
	for _, m := range methods {
		if m == resurrection {
			out[m] = c.Pipeline.ResurrectionMinChars
			continue
		}
		out[m] = c.Pipeline.MinContentChars
	}
	return out
}
