// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Engine backends.
const (
	BackendChrome = "chrome"
	BackendMemory = "memory"
)

// Snapshot backends. An empty backend disables archiving.
const (
	SnapshotNone   = ""
	SnapshotMemory = "memory"
	SnapshotLocal  = "local"
	SnapshotGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Target    TargetConfig    `mapstructure:"target"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Render    RenderConfig    `mapstructure:"render"`
	Engine    EngineConfig    `mapstructure:"engine"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features. Level overrides the
// mode's default minimum level when set.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TargetConfig describes the site being prerendered.
type TargetConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	CheckOrigin    bool   `mapstructure:"check_origin"`
	CheckTimeoutMs int    `mapstructure:"check_timeout_ms"`
}

// PoolConfig sizes the browser worker pool.
type PoolConfig struct {
	Size           int `mapstructure:"size"`
	QueueDepth     int `mapstructure:"queue_depth"`
	SpawnAttempts  int `mapstructure:"spawn_attempts"`
	SpawnBackoffMs int `mapstructure:"spawn_backoff_ms"`
}

// RenderConfig bounds a single render.
type RenderConfig struct {
	TimeoutMs      int `mapstructure:"timeout_ms"`
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	PingTimeoutMs  int `mapstructure:"ping_timeout_ms"`
}

// EngineConfig selects and tunes the browser engine.
type EngineConfig struct {
	Backend        string `mapstructure:"backend"`
	ExecPath       string `mapstructure:"exec_path"`
	UserAgent      string `mapstructure:"user_agent"`
	StartTimeoutMs int    `mapstructure:"start_timeout_ms"`
	NoSandbox      bool   `mapstructure:"no_sandbox"`
}

// RateLimitConfig throttles clients of the render endpoint.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// SnapshotConfig selects where rendered HTML is archived.
type SnapshotConfig struct {
	Backend string           `mapstructure:"backend"`
	Prefix  string           `mapstructure:"prefix"`
	Bucket  string           `mapstructure:"bucket"`
	Local   LocalStoreConfig `mapstructure:"local"`
	Notify  NotifyConfig     `mapstructure:"notify"`
	Index   IndexConfig      `mapstructure:"index"`
}

// IndexConfig records every stored snapshot in Postgres when DSN is set.
type IndexConfig struct {
	DSN                string `mapstructure:"dsn"`
	Table              string `mapstructure:"table"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_sec"`
}

// NotifyConfig announces stored snapshots on a Pub/Sub topic. Without a
// project ID notifications are only recorded in process.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Proto       string  `mapstructure:"proto"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LocalStoreConfig configures the filesystem snapshot store.
type LocalStoreConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRUDIVORE")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("target.base_url", "")
	v.SetDefault("target.check_origin", true)
	v.SetDefault("target.check_timeout_ms", 5000)
	v.SetDefault("pool.size", 2)
	v.SetDefault("pool.queue_depth", 0)
	v.SetDefault("pool.spawn_attempts", 3)
	v.SetDefault("pool.spawn_backoff_ms", 250)
	v.SetDefault("render.timeout_ms", 10000)
	v.SetDefault("render.poll_interval_ms", 50)
	v.SetDefault("render.ping_timeout_ms", 2000)
	v.SetDefault("engine.backend", BackendChrome)
	v.SetDefault("engine.exec_path", "")
	v.SetDefault("engine.user_agent", "crudivore/1.0")
	v.SetDefault("engine.start_timeout_ms", 15000)
	v.SetDefault("engine.no_sandbox", false)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.default_rps", 0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("snapshot.backend", SnapshotNone)
	v.SetDefault("snapshot.prefix", "snapshots")
	v.SetDefault("snapshot.bucket", "")
	v.SetDefault("snapshot.local.base_dir", "")
	v.SetDefault("snapshot.notify.project_id", "")
	v.SetDefault("snapshot.notify.topic", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.proto", "grpc")
	v.SetDefault("telemetry.endpoint", "127.0.0.1:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "crudivore")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("snapshot.index.dsn", "")
	v.SetDefault("snapshot.index.table", "snapshots")
	v.SetDefault("snapshot.index.max_conns", 4)
	v.SetDefault("snapshot.index.min_conns", 0)
	v.SetDefault("snapshot.index.max_conn_lifetime_sec", 1800)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if err := validateBaseURL(c.Target.BaseURL); err != nil {
		return err
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be >= 1")
	}
	if c.Pool.QueueDepth < 0 {
		return fmt.Errorf("pool.queue_depth must be >= 0")
	}
	if c.Render.TimeoutMs <= 0 {
		return fmt.Errorf("render.timeout_ms must be > 0")
	}
	if c.Render.PollIntervalMs <= 0 {
		return fmt.Errorf("render.poll_interval_ms must be > 0")
	}
	switch c.Engine.Backend {
	case BackendChrome, BackendMemory:
	default:
		return fmt.Errorf("engine.backend %q must be %q or %q", c.Engine.Backend, BackendChrome, BackendMemory)
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		return fmt.Errorf("ratelimit.default_rps must be > 0 when rate limiting is enabled")
	}
	switch c.Snapshot.Backend {
	case SnapshotNone, SnapshotMemory:
	case SnapshotLocal:
		if c.Snapshot.Local.BaseDir == "" {
			return fmt.Errorf("snapshot.local.base_dir must be set for the local backend")
		}
	case SnapshotGCS:
		if c.Snapshot.Bucket == "" {
			return fmt.Errorf("snapshot.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown snapshot.backend %q", c.Snapshot.Backend)
	}
	if c.Snapshot.Notify.Topic != "" && c.Snapshot.Backend == SnapshotNone {
		return fmt.Errorf("snapshot.notify.topic requires a snapshot.backend")
	}
	if c.Telemetry.Enabled && c.Telemetry.Proto != "grpc" && c.Telemetry.Proto != "http" {
		return fmt.Errorf("telemetry.proto %q must be grpc or http", c.Telemetry.Proto)
	}
	if c.Snapshot.Index.DSN != "" && c.Snapshot.Backend == SnapshotNone {
		return fmt.Errorf("snapshot.index.dsn requires a snapshot.backend")
	}
	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("target.base_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("target.base_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("target.base_url must be an absolute http(s) URL")
	}
	return nil
}

// RenderTimeout is the default per-render readiness budget.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutMs) * time.Millisecond
}

// PollInterval is how often the readiness flag is evaluated.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Render.PollIntervalMs) * time.Millisecond
}

// PingTimeout bounds a worker health check.
func (c Config) PingTimeout() time.Duration {
	return time.Duration(c.Render.PingTimeoutMs) * time.Millisecond
}

// SpawnBackoff is the delay before retrying a failed browser launch.
func (c Config) SpawnBackoff() time.Duration {
	return time.Duration(c.Pool.SpawnBackoffMs) * time.Millisecond
}

// StartTimeout bounds a browser launch.
func (c Config) StartTimeout() time.Duration {
	return time.Duration(c.Engine.StartTimeoutMs) * time.Millisecond
}

// IndexConnLifetime caps how long a pooled index connection lives.
func (c Config) IndexConnLifetime() time.Duration {
	return time.Duration(c.Snapshot.Index.MaxConnLifetimeSec) * time.Second
}

// CheckTimeout bounds an origin existence check.
func (c Config) CheckTimeout() time.Duration {
	return time.Duration(c.Target.CheckTimeoutMs) * time.Millisecond
}
