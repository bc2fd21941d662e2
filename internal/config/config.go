package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validStoreBackend = []string{"file", "redis", "auto"}
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	Source    SourceConfig
	Store     StoreConfig
	Worker    WorkerConfig
	Site      SiteConfig
	Publish   PublishConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// SourceConfig configures the upstream racing service.
type SourceConfig struct {
	BaseURL        string
	Username       string
	Password       string
	RequestTimeout time.Duration
}

// StoreConfig configures document storage.
type StoreConfig struct {
	Backend       string
	FileRoot      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
}

// WorkerConfig configures the synchronization scheduler.
type WorkerConfig struct {
	TickInterval    time.Duration
	FetchGrace      time.Duration
	ScheduleGrace   time.Duration
	MaxTaskLifetime time.Duration
	PoolSize        int
}

// SiteConfig configures output generation.
type SiteConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// PublishConfig configures rsync publishing. Leaving the remote host
// empty disables publishing entirely.
type PublishConfig struct {
	RemoteHost string
	RemotePath string
	Timeout    time.Duration
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELExporterEndpoint string
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if c.Source.BaseURL == "" {
		errs = append(errs, "source.base_url is required")
	}
	if (c.Source.Username == "") != (c.Source.Password == "") {
		errs = append(errs, "source.username and source.password must be set together")
	}
	if c.Source.RequestTimeout <= 0 {
		errs = append(errs, "source.request_timeout must be > 0")
	}

	if !slices.Contains(validStoreBackend, c.Store.Backend) {
		errs = append(errs, "store.backend must be one of file|redis|auto")
	}
	if c.Store.Backend != "file" && c.Store.RedisAddr == "" {
		errs = append(errs, "store.redis_addr is required unless store.backend=file")
	}

	if c.Worker.TickInterval <= 0 {
		errs = append(errs, "worker.tick_interval must be > 0")
	}
	if c.Worker.FetchGrace <= 0 {
		errs = append(errs, "worker.fetch_grace must be > 0")
	}
	if c.Worker.ScheduleGrace < c.Worker.FetchGrace {
		errs = append(errs, "worker.schedule_grace must be >= worker.fetch_grace")
	}
	if c.Worker.MaxTaskLifetime < 0 {
		errs = append(errs, "worker.max_task_lifetime must be >= 0")
	}
	if c.Worker.PoolSize <= 0 {
		errs = append(errs, "worker.pool_size must be > 0")
	}

	if (c.Publish.RemoteHost == "") != (c.Publish.RemotePath == "") {
		errs = append(errs, "publish.remote_host and publish.remote_path must be set together")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Source.RequestTimeout <= 0 {
		cfg.Source.RequestTimeout = 30 * time.Second
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "auto"
	}
	if cfg.Store.FileRoot == "" {
		cfg.Store.FileRoot = "results"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "leaguesync"
	}
	if cfg.Worker.TickInterval <= 0 {
		cfg.Worker.TickInterval = 10 * time.Second
	}
	if cfg.Worker.FetchGrace <= 0 {
		cfg.Worker.FetchGrace = 5 * time.Minute
	}
	if cfg.Worker.ScheduleGrace <= 0 {
		cfg.Worker.ScheduleGrace = 10 * time.Minute
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 32
	}
	if cfg.Site.OutputDir == "" {
		cfg.Site.OutputDir = "html"
	}
	if cfg.Publish.Timeout <= 0 {
		cfg.Publish.Timeout = 5 * time.Minute
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    ServerConfig `yaml:"server"`
	Source    rawSource    `yaml:"source"`
	Store     rawStore     `yaml:"store"`
	Worker    rawWorker    `yaml:"worker"`
	Site      SiteConfig   `yaml:"site"`
	Publish   rawPublish   `yaml:"publish"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawSource struct {
	BaseURL        string   `yaml:"base_url"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	RequestTimeout duration `yaml:"request_timeout"`
}

type rawStore struct {
	Backend       string `yaml:"backend"`
	FileRoot      string `yaml:"file_root"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Namespace     string `yaml:"namespace"`
}

type rawWorker struct {
	TickInterval    duration `yaml:"tick_interval"`
	FetchGrace      duration `yaml:"fetch_grace"`
	ScheduleGrace   duration `yaml:"schedule_grace"`
	MaxTaskLifetime duration `yaml:"max_task_lifetime"`
	PoolSize        int      `yaml:"pool_size"`
}

type rawPublish struct {
	RemoteHost string   `yaml:"remote_host"`
	RemotePath string   `yaml:"remote_path"`
	Timeout    duration `yaml:"timeout"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELExporterEndpoint string  `yaml:"otel_exporter_otlp_endpoint"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: r.Server,
		Source: SourceConfig{
			BaseURL:        r.Source.BaseURL,
			Username:       r.Source.Username,
			Password:       r.Source.Password,
			RequestTimeout: r.Source.RequestTimeout.Duration,
		},
		Store: StoreConfig{
			Backend:       r.Store.Backend,
			FileRoot:      r.Store.FileRoot,
			RedisAddr:     r.Store.RedisAddr,
			RedisPassword: r.Store.RedisPassword,
			RedisDB:       r.Store.RedisDB,
			Namespace:     r.Store.Namespace,
		},
		Worker: WorkerConfig{
			TickInterval:    r.Worker.TickInterval.Duration,
			FetchGrace:      r.Worker.FetchGrace.Duration,
			ScheduleGrace:   r.Worker.ScheduleGrace.Duration,
			MaxTaskLifetime: r.Worker.MaxTaskLifetime.Duration,
			PoolSize:        r.Worker.PoolSize,
		},
		Site: r.Site,
		Publish: PublishConfig{
			RemoteHost: r.Publish.RemoteHost,
			RemotePath: r.Publish.RemotePath,
			Timeout:    r.Publish.Timeout.Duration,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELExporterEndpoint: r.Telemetry.OTELExporterEndpoint,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
