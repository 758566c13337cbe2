// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/seedprice-pipeline/internal/catalog"
)

// EnvPrefix namespaces environment overrides, e.g. SEEDPRICE_BROKER_DRIVER.
const EnvPrefix = "SEEDPRICE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Scrape     ScrapeConfig     `mapstructure:"scrape"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Detect     DetectConfig     `mapstructure:"detect"`
	Sync       SyncConfig       `mapstructure:"sync"`
	AutoScrape AutoScrapeConfig `mapstructure:"autoscrape"`
	Mail       MailConfig       `mapstructure:"mail"`
	DB         DBConfig         `mapstructure:"db"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Events     EventsConfig     `mapstructure:"events"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	ManualRateLimit  int           `mapstructure:"manual_rate_limit"`
	ManualRateWindow time.Duration `mapstructure:"manual_rate_window"`
}

// AuthConfig holds the shared secrets. An empty cron secret is allowed at
// load time; the cron routes then answer 500.
type AuthConfig struct {
	CronSecret  string `mapstructure:"cron_secret"`
	AdminAPIKey string `mapstructure:"admin_api_key"`
}

// BrokerConfig selects and tunes the job queue broker.
type BrokerConfig struct {
	// Driver is redis or memory.
	Driver        string            `mapstructure:"driver"`
	Redis         RedisConfig       `mapstructure:"redis"`
	Attempts      int               `mapstructure:"attempts"`
	Backoff       time.Duration     `mapstructure:"backoff"`
	MaxBackoff    time.Duration     `mapstructure:"max_backoff"`
	PollInterval  time.Duration     `mapstructure:"poll_interval"`
	StallTimeout  time.Duration     `mapstructure:"stall_timeout"`
	MaxStalled    int               `mapstructure:"max_stalled"`
	KeepCompleted int64             `mapstructure:"keep_completed"`
	FinishedTTL   time.Duration     `mapstructure:"finished_ttl"`
	Concurrency   ConcurrencyConfig `mapstructure:"concurrency"`
}

// RedisConfig locates the Redis server backing the broker.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ConcurrencyConfig sets worker counts per queue.
type ConcurrencyConfig struct {
	Scrape int `mapstructure:"scrape"`
	Detect int `mapstructure:"detect"`
	Alert  int `mapstructure:"alert"`
}

// ScrapeConfig governs the scraper worker and the catalog fetcher.
type ScrapeConfig struct {
	PageCap       int                        `mapstructure:"page_cap"`
	UserAgent     string                     `mapstructure:"user_agent"`
	FetchTimeout  time.Duration              `mapstructure:"fetch_timeout"`
	RespectRobots bool                       `mapstructure:"respect_robots"`
	RobotsTTL     time.Duration              `mapstructure:"robots_ttl"`
	Snapshots     bool                       `mapstructure:"snapshots"`
	Profiles      map[string]catalog.Profile `mapstructure:"profiles"`
	Render        RenderConfig               `mapstructure:"render"`
}

// RenderConfig controls the headless Chrome renderer used by profiles with a
// render mode.
type RenderConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxParallel      int           `mapstructure:"max_parallel"`
	NavTimeout       time.Duration `mapstructure:"nav_timeout"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	PromoteThreshold int           `mapstructure:"promote_threshold"`
}

// PolicyConfig holds crawl etiquette.
type PolicyConfig struct {
	MinDelay      time.Duration `mapstructure:"min_delay"`
	JitterMin     time.Duration `mapstructure:"jitter_min"`
	JitterMax     time.Duration `mapstructure:"jitter_max"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
	RobotsTimeout time.Duration `mapstructure:"robots_timeout"`
}

// DetectConfig tunes price-drop detection.
type DetectConfig struct {
	DropThresholdPercent float64 `mapstructure:"drop_threshold_percent"`
}

// SyncConfig tunes job status reconciliation.
type SyncConfig struct {
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	RetentionAge       time.Duration `mapstructure:"retention_age"`
	RateLimitRetention time.Duration `mapstructure:"rate_limit_retention"`
	RetentionInterval  time.Duration `mapstructure:"retention_interval"`
	// Background runs the sweeps in-process instead of waiting for cron.
	Background bool `mapstructure:"background"`
}

// AutoScrapeConfig tunes the repeating-job scheduler.
type AutoScrapeConfig struct {
	InitializeOnStart bool `mapstructure:"initialize_on_start"`
	RemoveOrphans     bool `mapstructure:"remove_orphans"`
	StopOnShutdown    bool `mapstructure:"stop_on_shutdown"`
}

// MailConfig selects the alert mailer.
type MailConfig struct {
	// Driver is smtp or log.
	Driver   string        `mapstructure:"driver"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
	BaseURL  string        `mapstructure:"base_url"`
}

// DBConfig controls access to Postgres. An empty DSN selects in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects where page snapshots go.
type StorageConfig struct {
	// Driver is none, local or gcs.
	Driver  string `mapstructure:"driver"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig enables the lifecycle mirror when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	AllEvents bool   `mapstructure:"all_events"`
}

// EventsConfig tunes the lifecycle hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from an optional file, .env files and the environment.
// Missing .env files are ignored; a missing config file is an error.
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.manual_rate_limit", 10)
	v.SetDefault("server.manual_rate_window", "1h")
	v.SetDefault("auth.cron_secret", "")
	v.SetDefault("auth.admin_api_key", "")

	v.SetDefault("broker.driver", "redis")
	v.SetDefault("broker.redis.addr", "localhost:6379")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("broker.redis.db", 0)
	v.SetDefault("broker.redis.prefix", "seedprice")
	v.SetDefault("broker.attempts", 3)
	v.SetDefault("broker.backoff", "30s")
	v.SetDefault("broker.max_backoff", "10m")
	v.SetDefault("broker.poll_interval", "1s")
	v.SetDefault("broker.stall_timeout", "30s")
	v.SetDefault("broker.max_stalled", 1)
	v.SetDefault("broker.keep_completed", 1000)
	v.SetDefault("broker.finished_ttl", "168h")
	v.SetDefault("broker.concurrency.scrape", 2)
	v.SetDefault("broker.concurrency.detect", 4)
	v.SetDefault("broker.concurrency.alert", 4)

	v.SetDefault("scrape.page_cap", 50)
	v.SetDefault("scrape.user_agent", "seedprice-bot/1.0 (+https://seedprice.example/bot)")
	v.SetDefault("scrape.fetch_timeout", "20s")
	v.SetDefault("scrape.respect_robots", true)
	v.SetDefault("scrape.robots_ttl", "6h")
	v.SetDefault("scrape.snapshots", false)
	v.SetDefault("scrape.render.enabled", false)
	v.SetDefault("scrape.render.max_parallel", 2)
	v.SetDefault("scrape.render.nav_timeout", "45s")
	v.SetDefault("scrape.render.settle_delay", "500ms")
	v.SetDefault("scrape.render.promote_threshold", 2048)

	v.SetDefault("policy.min_delay", "1s")
	v.SetDefault("policy.jitter_min", "250ms")
	v.SetDefault("policy.jitter_max", "1s")
	v.SetDefault("policy.rps", 1.0)
	v.SetDefault("policy.burst", 1)
	v.SetDefault("policy.robots_timeout", "10s")

	v.SetDefault("detect.drop_threshold_percent", 5.0)

	v.SetDefault("sync.stale_after", "30m")
	v.SetDefault("sync.sweep_interval", "5m")
	v.SetDefault("sync.retention_age", "720h")
	v.SetDefault("sync.rate_limit_retention", "24h")
	v.SetDefault("sync.retention_interval", "1h")
	v.SetDefault("sync.background", false)

	v.SetDefault("autoscrape.initialize_on_start", true)
	v.SetDefault("autoscrape.remove_orphans", false)
	v.SetDefault("autoscrape.stop_on_shutdown", false)

	v.SetDefault("mail.driver", "log")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.timeout", "30s")
	v.SetDefault("mail.base_url", "http://localhost:3000")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "1h")

	v.SetDefault("storage.driver", "none")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.base_dir", "data")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("pubsub.all_events", false)

	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", "200ms")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Server.ManualRateLimit > 0, "server.manual_rate_limit must be > 0")

	switch c.Broker.Driver {
	case "redis":
		check(strings.TrimSpace(c.Broker.Redis.Addr) != "", "broker.redis.addr is required for the redis driver")
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("broker.driver must be redis or memory, got %q", c.Broker.Driver))
	}
	check(c.Broker.Attempts > 0, "broker.attempts must be > 0")
	check(c.Broker.Concurrency.Scrape > 0, "broker.concurrency.scrape must be > 0")
	check(c.Broker.Concurrency.Detect > 0, "broker.concurrency.detect must be > 0")
	check(c.Broker.Concurrency.Alert > 0, "broker.concurrency.alert must be > 0")
	check(c.Broker.StallTimeout > 0, "broker.stall_timeout must be > 0")

	check(c.Scrape.PageCap > 0, "scrape.page_cap must be > 0")
	check(c.Scrape.Render.MaxParallel >= 0, "scrape.render.max_parallel must be >= 0")
	for id, p := range c.Scrape.Profiles {
		if p.Render != catalog.RenderNever && p.Render != "never" {
			check(c.Scrape.Render.Enabled, "scrape.profiles.%s.render requires scrape.render.enabled", id)
		}
	}
	check(c.Policy.JitterMax >= c.Policy.JitterMin, "policy.jitter_max must be >= policy.jitter_min")
	check(c.Policy.RPS >= 0, "policy.rps must be >= 0")

	check(c.Detect.DropThresholdPercent > 0 && c.Detect.DropThresholdPercent < 100,
		"detect.drop_threshold_percent must be in (0, 100), got %v", c.Detect.DropThresholdPercent)

	check(c.Sync.StaleAfter > 0, "sync.stale_after must be > 0")
	check(c.Sync.SweepInterval > 0, "sync.sweep_interval must be > 0")
	check(c.Sync.RetentionAge >= c.Sync.StaleAfter, "sync.retention_age must be >= sync.stale_after")

	switch c.Mail.Driver {
	case "smtp":
		check(c.Mail.Host != "", "mail.host is required for the smtp driver")
		check(c.Mail.From != "", "mail.from is required for the smtp driver")
	case "log":
	default:
		errs = append(errs, fmt.Errorf("mail.driver must be smtp or log, got %q", c.Mail.Driver))
	}

	switch c.Storage.Driver {
	case "none", "":
	case "local":
		check(c.Storage.BaseDir != "", "storage.base_dir is required for the local driver")
	case "gcs":
		check(c.Storage.Bucket != "", "storage.bucket is required for the gcs driver")
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be none, local or gcs, got %q", c.Storage.Driver))
	}
	if c.Scrape.Snapshots {
		check(c.Storage.Driver == "local" || c.Storage.Driver == "gcs", "scrape.snapshots requires storage.driver local or gcs")
	}
	if c.PubSub.Topic != "" {
		check(c.PubSub.ProjectID != "", "pubsub.project_id is required when pubsub.topic is set")
	}

	return errors.Join(errs...)
}

// UsesPostgres reports whether a database DSN is configured.
func (c Config) UsesPostgres() bool {
	return strings.TrimSpace(c.DB.DSN) != ""
}
