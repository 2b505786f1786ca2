// Package config loads the runtime configuration of the newsfeed pipeline
// from a YAML file, NEWSFEED_* environment variables and command flags.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration which unmarshals from strings such as "7d" or "1h30m".
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return str2duration.String(time.Duration(d)) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ParseDuration parses a duration that may use day and week units.
func ParseDuration(s string) (Duration, error) {
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return Duration(v), nil
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "pgx".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CacheConfig struct {
	// Backend of the object cache: "redis", "memory", "sqlite" or "tiered"
	// (memory in front of redis).
	Backend       string   `yaml:"backend"`
	SQLitePath    string   `yaml:"sqlite_path"`
	ListSizeLimit int      `yaml:"list_size_limit"`
	KeyTTL        Duration `yaml:"key_ttl"`
	ObjectTTL     Duration `yaml:"object_ttl"`
}

type FanoutConfig struct {
	BatchSize  int      `yaml:"batch_size"`
	TimeLimit  Duration `yaml:"time_limit"`
	MaxRetries int      `yaml:"max_retries"`
}

type QueueConfig struct {
	// Driver is "redis" or "memory".
	Driver       string   `yaml:"driver"`
	DefaultQueue string   `yaml:"default_queue"`
	FanoutQueue  string   `yaml:"fanout_queue"`
	Concurrency  int      `yaml:"concurrency"`
	Block        Duration `yaml:"block"`
	// ClaimIdle must exceed the fan-out time limit; 0 disables reclaiming.
	ClaimIdle    Duration `yaml:"claim_idle"`
	MaxLen       int64    `yaml:"max_len"`
}

type PaginationConfig struct {
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TelemetryConfig struct {
	OTLPURL     string `yaml:"otlp_url"`
	AuthToken   string `yaml:"auth_token"`
	ServiceName string `yaml:"service_name"`
}

// Config is the full runtime configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Fanout     FanoutConfig     `yaml:"fanout"`
	Queue      QueueConfig      `yaml:"queue"`
	Pagination PaginationConfig `yaml:"pagination"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "file:newsfeed.db?_pragma=busy_timeout(5000)"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Cache: CacheConfig{
			Backend:       "redis",
			ListSizeLimit: 200,
			KeyTTL:        Duration(7 * 24 * time.Hour),
			ObjectTTL:     Duration(time.Hour),
		},
		Fanout: FanoutConfig{
			BatchSize:  1000,
			TimeLimit:  Duration(time.Hour),
			MaxRetries: 3,
		},
		Queue: QueueConfig{
			Driver:       "redis",
			DefaultQueue: "default",
			FanoutQueue:  "newsfeeds",
			Concurrency:  4,
			Block:        Duration(2 * time.Second),
			ClaimIdle:    Duration(2 * time.Hour),
			MaxLen:       100_000,
		},
		Pagination: PaginationConfig{DefaultPageSize: 20, MaxPageSize: 100},
		Log:        LogConfig{Level: "info", Format: "console"},
		Telemetry:  TelemetryConfig{ServiceName: "newsfeed"},
	}
}

// Parse decodes YAML on top of the defaults.
func Parse(buf []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, errors.Wrap(err, "error decoding config")
	}
	return cfg, cfg.Validate()
}

// Load reads the YAML file at path, when given, and applies the environment
// overrides. A missing path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "error reading config %s", path)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "error decoding config %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

type override struct {
	name  string
	apply func(*Config, string) error
}

func str(set func(*Config, string)) func(*Config, string) error {
	return func(c *Config, v string) error {
		set(c, v)
		return nil
	}
}

func integer(set func(*Config, int)) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		set(c, n)
		return nil
	}
}

func duration(set func(*Config, Duration)) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		set(c, d)
		return nil
	}
}

var overrides = []override{
	{"NEWSFEED_DATABASE_DRIVER", str(func(c *Config, v string) { c.Database.Driver = v })},
	{"NEWSFEED_DATABASE_DSN", str(func(c *Config, v string) { c.Database.DSN = v })},
	{"NEWSFEED_REDIS_ADDR", str(func(c *Config, v string) { c.Redis.Addr = v })},
	{"NEWSFEED_REDIS_PASSWORD", str(func(c *Config, v string) { c.Redis.Password = v })},
	{"NEWSFEED_REDIS_DB", integer(func(c *Config, v int) { c.Redis.DB = v })},
	{"NEWSFEED_CACHE_BACKEND", str(func(c *Config, v string) { c.Cache.Backend = v })},
	{"NEWSFEED_LIST_SIZE_LIMIT", integer(func(c *Config, v int) { c.Cache.ListSizeLimit = v })},
	{"NEWSFEED_KEY_TTL", duration(func(c *Config, v Duration) { c.Cache.KeyTTL = v })},
	{"NEWSFEED_OBJECT_TTL", duration(func(c *Config, v Duration) { c.Cache.ObjectTTL = v })},
	{"NEWSFEED_FANOUT_BATCH_SIZE", integer(func(c *Config, v int) { c.Fanout.BatchSize = v })},
	{"NEWSFEED_FANOUT_TIME_LIMIT", duration(func(c *Config, v Duration) { c.Fanout.TimeLimit = v })},
	{"NEWSFEED_FANOUT_MAX_RETRIES", integer(func(c *Config, v int) { c.Fanout.MaxRetries = v })},
	{"NEWSFEED_QUEUE_DRIVER", str(func(c *Config, v string) { c.Queue.Driver = v })},
	{"NEWSFEED_QUEUE_CLAIM_IDLE", duration(func(c *Config, v Duration) { c.Queue.ClaimIdle = v })},
	{"NEWSFEED_QUEUE_CONCURRENCY", integer(func(c *Config, v int) { c.Queue.Concurrency = v })},
	{"NEWSFEED_PAGE_SIZE", integer(func(c *Config, v int) { c.Pagination.DefaultPageSize = v })},
	{"NEWSFEED_LOG_FORMAT", str(func(c *Config, v string) { c.Log.Format = v })},
	{"NEWSFEED_LOG_LEVEL", str(func(c *Config, v string) { c.Log.Level = v })},
	{"NEWSFEED_METRICS_ADDR", str(func(c *Config, v string) { c.Metrics.Addr = v })},
	{"NEWSFEED_OTLP_URL", str(func(c *Config, v string) { c.Telemetry.OTLPURL = v })},
	{"NEWSFEED_OTLP_AUTH_TOKEN", str(func(c *Config, v string) { c.Telemetry.AuthToken = v })},
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	for _, o := range overrides {
		val, ok := lookup(o.name)
		if !ok || val == "" {
			continue
		}
		if err := o.apply(c, val); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "invalid %s", o.name))
		}
	}
	return errs
}

// Validate checks the values the pipeline cannot run without.
func (c Config) Validate() error {
	switch {
	case c.Cache.ListSizeLimit <= 0:
		return errors.Newf("cache.list_size_limit must be positive, got %d", c.Cache.ListSizeLimit)
	case c.Cache.KeyTTL <= 0:
		return errors.New("cache.key_ttl must be positive")
	case c.Fanout.BatchSize <= 0:
		return errors.Newf("fanout.batch_size must be positive, got %d", c.Fanout.BatchSize)
	case c.Fanout.TimeLimit <= 0:
		return errors.New("fanout.time_limit must be positive")
	case c.Fanout.MaxRetries < 0:
		return errors.New("fanout.max_retries must not be negative")
	case c.Pagination.DefaultPageSize <= 0 || c.Pagination.MaxPageSize < c.Pagination.DefaultPageSize:
		return errors.Newf("invalid pagination sizes %d/%d", c.Pagination.DefaultPageSize, c.Pagination.MaxPageSize)
	case c.Queue.ClaimIdle < 0:
		return errors.New("queue.claim_idle must not be negative")
	case c.Queue.ClaimIdle > 0 && c.Queue.ClaimIdle <= c.Fanout.TimeLimit:
		return errors.Newf("queue.claim_idle (%s) must exceed fanout.time_limit (%s) or be 0 to disable reclaiming",
			c.Queue.ClaimIdle, c.Fanout.TimeLimit)
	case c.Queue.FanoutQueue == "" || c.Queue.DefaultQueue == "":
		return errors.New("queue names are required")
	}
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return errors.Newf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Cache.Backend {
	case "redis", "memory", "sqlite", "tiered":
	default:
		return errors.Newf("unsupported cache backend %q", c.Cache.Backend)
	}
	switch c.Queue.Driver {
	case "redis", "memory":
	default:
		return errors.Newf("unsupported queue driver %q", c.Queue.Driver)
	}
	return nil
}
