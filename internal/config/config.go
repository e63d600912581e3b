// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Stage holds the settings shared by every pipeline stage's worker pool.
type Stage struct {
	Name         string        `mapstructure:"name"`
	InputQueue   string        `mapstructure:"input_queue"`
	OutputQueue  string        `mapstructure:"output_queue"`
	Count        int           `mapstructure:"count"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Backoff      Backoff       `mapstructure:"backoff"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	BreakerPause time.Duration `mapstructure:"breaker_pause"`
}

// Pipeline names the four standard queues and per-stage pool configuration.
type Pipeline struct {
	URLQueue   string `mapstructure:"url_queue"`
	CrawlQueue string `mapstructure:"crawl_queue"`
	CleanQueue string `mapstructure:"clean_queue"`
	IndexQueue string `mapstructure:"index_queue"`

	Fetch   Stage `mapstructure:"fetch"`
	Clean   Stage `mapstructure:"clean"`
	Persist Stage `mapstructure:"persist"`
	Index   Stage `mapstructure:"index"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Monitor configures Queue Monitor sampling, stall detection and health thresholds.
type Monitor struct {
	SampleCron          string        `mapstructure:"sample_cron"`
	ActivityTimeout     time.Duration `mapstructure:"activity_timeout"`
	MaxPendingThreshold int64         `mapstructure:"max_pending_threshold"`
	MaxErrorRate        float64       `mapstructure:"max_error_rate"`
	ErrorRateWindow     time.Duration `mapstructure:"error_rate_window"`
	NATSAlertSubject    string        `mapstructure:"nats_alert_subject"`
	NATSURL             string        `mapstructure:"nats_url"`
}

// Supervisor bounds scale/restart/drain behavior of the stage worker pools.
type Supervisor struct {
	ScaleTimeout time.Duration `mapstructure:"scale_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	HealthTick   time.Duration `mapstructure:"health_tick"`
}

// Fetcher configures the fetch stage's HTTP client and URL scoping rules.
type Fetcher struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxConnectRetry int           `mapstructure:"max_connect_retry"`
	FollowExternal  bool          `mapstructure:"follow_external"`
	IncludePattern  string        `mapstructure:"include_pattern"`
	ExcludePattern  string        `mapstructure:"exclude_pattern"`
	SitemapEnabled  bool          `mapstructure:"sitemap_enabled"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// Store configures the persister's relational document ledger.
type Store struct {
	DriverName string `mapstructure:"driver_name"`
	DSN        string `mapstructure:"dsn"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`

	// LogFile, when set, additionally writes JSON logs to a rotated file
	// alongside the stderr stream. Sizes are in megabytes.
	LogFile           string `mapstructure:"log_file"`
	LogFileMaxSizeMB  int    `mapstructure:"log_file_max_size_mb"`
	LogFileMaxBackups int    `mapstructure:"log_file_max_backups"`
	LogFileMaxAgeDays int    `mapstructure:"log_file_max_age_days"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Pipeline       Pipeline       `mapstructure:"pipeline"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Monitor        Monitor        `mapstructure:"monitor"`
	Supervisor     Supervisor     `mapstructure:"supervisor"`
	Fetcher        Fetcher        `mapstructure:"fetcher"`
	Store          Store          `mapstructure:"store"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Pipeline: Pipeline{
			URLQueue:   "url",
			CrawlQueue: "crawl",
			CleanQueue: "clean",
			IndexQueue: "index",
			Fetch: Stage{
				Name: "fetch", InputQueue: "url", OutputQueue: "crawl",
				Count: 4, MaxRetries: 3,
				Backoff: Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second},
				PollTimeout: 2 * time.Second, BreakerPause: 100 * time.Millisecond,
			},
			Clean: Stage{
				Name: "clean", InputQueue: "crawl", OutputQueue: "clean",
				Count: 4, MaxRetries: 3,
				Backoff: Backoff{Base: 250 * time.Millisecond, Max: 10 * time.Second},
				PollTimeout: 2 * time.Second, BreakerPause: 100 * time.Millisecond,
			},
			Persist: Stage{
				Name: "persist", InputQueue: "clean", OutputQueue: "index",
				Count: 2, MaxRetries: 3,
				Backoff: Backoff{Base: 250 * time.Millisecond, Max: 10 * time.Second},
				PollTimeout: 2 * time.Second, BreakerPause: 100 * time.Millisecond,
			},
			Index: Stage{
				Name: "index", InputQueue: "index", OutputQueue: "",
				Count: 2, MaxRetries: 3,
				Backoff: Backoff{Base: 250 * time.Millisecond, Max: 10 * time.Second},
				PollTimeout: 2 * time.Second, BreakerPause: 100 * time.Millisecond,
			},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Monitor: Monitor{
			SampleCron:          "@every 5s",
			ActivityTimeout:     60 * time.Second,
			MaxPendingThreshold: 1000,
			MaxErrorRate:        0.2,
			ErrorRateWindow:     5 * time.Minute,
			NATSAlertSubject:    "sitesearch.alerts",
		},
		Supervisor: Supervisor{
			ScaleTimeout: 30 * time.Second,
			DrainTimeout: 15 * time.Second,
			HealthTick:   2 * time.Second,
		},
		Fetcher: Fetcher{
			RequestTimeout:  15 * time.Second,
			MaxConnectRetry: 3,
			FollowExternal:  false,
			SitemapEnabled:  true,
			UserAgent:       "sitesearch-pipeline/1.0",
		},
		Store: Store{
			DriverName: "postgres",
			DSN:        "postgres://localhost/sitesearch?sslmode=disable",
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("pipeline.url_queue", def.Pipeline.URLQueue)
	v.SetDefault("pipeline.crawl_queue", def.Pipeline.CrawlQueue)
	v.SetDefault("pipeline.clean_queue", def.Pipeline.CleanQueue)
	v.SetDefault("pipeline.index_queue", def.Pipeline.IndexQueue)
	v.SetDefault("pipeline.fetch", def.Pipeline.Fetch)
	v.SetDefault("pipeline.clean", def.Pipeline.Clean)
	v.SetDefault("pipeline.persist", def.Pipeline.Persist)
	v.SetDefault("pipeline.index", def.Pipeline.Index)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("monitor.sample_cron", def.Monitor.SampleCron)
	v.SetDefault("monitor.activity_timeout", def.Monitor.ActivityTimeout)
	v.SetDefault("monitor.max_pending_threshold", def.Monitor.MaxPendingThreshold)
	v.SetDefault("monitor.max_error_rate", def.Monitor.MaxErrorRate)
	v.SetDefault("monitor.error_rate_window", def.Monitor.ErrorRateWindow)
	v.SetDefault("monitor.nats_alert_subject", def.Monitor.NATSAlertSubject)

	v.SetDefault("supervisor.scale_timeout", def.Supervisor.ScaleTimeout)
	v.SetDefault("supervisor.drain_timeout", def.Supervisor.DrainTimeout)
	v.SetDefault("supervisor.health_tick", def.Supervisor.HealthTick)

	v.SetDefault("fetcher.request_timeout", def.Fetcher.RequestTimeout)
	v.SetDefault("fetcher.max_connect_retry", def.Fetcher.MaxConnectRetry)
	v.SetDefault("fetcher.follow_external", def.Fetcher.FollowExternal)
	v.SetDefault("fetcher.sitemap_enabled", def.Fetcher.SitemapEnabled)
	v.SetDefault("fetcher.user_agent", def.Fetcher.UserAgent)

	v.SetDefault("store.driver_name", def.Store.DriverName)
	v.SetDefault("store.dsn", def.Store.DSN)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	for _, s := range cfg.Stages() {
		if s.Count < 1 {
			return fmt.Errorf("pipeline.%s.count must be >= 1", s.Name)
		}
		if s.InputQueue == "" {
			return fmt.Errorf("pipeline.%s.input_queue must be set", s.Name)
		}
		if s.PollTimeout <= 0 {
			return fmt.Errorf("pipeline.%s.poll_timeout must be > 0", s.Name)
		}
	}
	if cfg.Monitor.ActivityTimeout <= 0 {
		return fmt.Errorf("monitor.activity_timeout must be > 0")
	}
	if cfg.Monitor.MaxErrorRate < 0 || cfg.Monitor.MaxErrorRate > 1 {
		return fmt.Errorf("monitor.max_error_rate must be in [0,1]")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

// Stages returns the four pipeline stage configs in fetch→clean→persist→index order.
func (c *Config) Stages() []Stage {
	return []Stage{c.Pipeline.Fetch, c.Pipeline.Clean, c.Pipeline.Persist, c.Pipeline.Index}
}
