// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/coinlens/archivist/internal/diff"
	"github.com/coinlens/archivist/internal/engine"
	"github.com/coinlens/archivist/internal/policy/ratelimit"
	"github.com/coinlens/archivist/internal/scheduler"
	"github.com/coinlens/archivist/internal/storage"
	"github.com/coinlens/archivist/internal/store/postgres"
)

// Storage backend names accepted by storage.backend.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Database backend names accepted by database.backend.
const (
	DatabaseMemory   = "memory"
	DatabasePostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Browsertrix BrowsertrixConfig `mapstructure:"browsertrix"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   scheduler.Config  `mapstructure:"scheduler"`
	Detector    diff.Config       `mapstructure:"detector"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey enables X-API-Key authentication on the HTTP API when set.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs the same-process crawl engines.
type CrawlerConfig struct {
	UserAgent       string `mapstructure:"user_agent"`
	RespectRobots   bool   `mapstructure:"respect_robots"`
	DelaySeconds    int    `mapstructure:"delay_seconds"`
	MaxPagesDefault int    `mapstructure:"max_pages_default"`
	MaxDepthDefault int    `mapstructure:"max_depth_default"`
	TimeoutMinutes  int    `mapstructure:"timeout_minutes"`
	// RequestTimeoutSeconds bounds individual page fetches, as opposed
	// to TimeoutMinutes which bounds the whole crawl.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	QueueDepth            int `mapstructure:"queue_depth"`
	// RateLimit throttles fetches per host across all workers.
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
}

// Delay converts the politeness delay into a duration.
func (c CrawlerConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

// Timeout converts the crawl ceiling into a duration.
func (c CrawlerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// RequestTimeout converts the per-fetch ceiling into a duration.
func (c CrawlerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// BrowsertrixConfig configures the external container engine.
type BrowsertrixConfig struct {
	Image                  string `mapstructure:"image"`
	Collection             string `mapstructure:"collection"`
	WorkDir                string `mapstructure:"work_dir"`
	BehaviorTimeoutSeconds int    `mapstructure:"behavior_timeout_seconds"`
}

// Engine converts into the engine package's configuration.
func (c BrowsertrixConfig) Engine() engine.BrowsertrixConfig {
	return engine.BrowsertrixConfig{
		Image:           c.Image,
		Collection:      c.Collection,
		WorkDir:         c.WorkDir,
		BehaviorTimeout: time.Duration(c.BehaviorTimeoutSeconds) * time.Second,
	}
}

// StorageConfig selects and parameterizes the archive backend.
type StorageConfig struct {
	Backend string                `mapstructure:"backend"`
	BaseDir string                `mapstructure:"base_dir"`
	Bucket  string                `mapstructure:"bucket"`
	Manager storage.ManagerConfig `mapstructure:"manager"`
}

// DatabaseConfig selects and parameterizes the metadata store.
type DatabaseConfig struct {
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// PubSubConfig holds the downstream signal publisher settings. With
// Enabled false the in-memory publisher is wired instead.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVIST")
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
	v.SetDefault("logging.development", true)

	v.SetDefault("crawler.user_agent", "archivist/1.0 (+https://github.com/coinlens/archivist)")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.delay_seconds", 1)
	v.SetDefault("crawler.max_pages_default", 50)
	v.SetDefault("crawler.max_depth_default", 2)
	v.SetDefault("crawler.timeout_minutes", 30)
	v.SetDefault("crawler.request_timeout_seconds", 30)
	v.SetDefault("crawler.rate_limit.requests_per_second", 2.0)
	v.SetDefault("crawler.rate_limit.burst", 2)
	v.SetDefault("crawler.queue_depth", 64)

	v.SetDefault("browsertrix.image", "webrecorder/browsertrix-crawler")
	v.SetDefault("browsertrix.collection", "archive")
	v.SetDefault("browsertrix.behavior_timeout_seconds", 30)

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "data/archives")
	v.SetDefault("storage.manager.compress", true)

	v.SetDefault("database.backend", DatabaseMemory)
	v.SetDefault("database.postgres.max_conns", 8)
	v.SetDefault("database.postgres.min_conns", 1)

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.auto_disable_after", 5)

	v.SetDefault("detector.significance_threshold", 0.3)
	v.SetDefault("detector.reanalysis_threshold", 0.3)

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "archivist-reanalysis")
}

// Validate enforces required values and rejects unknown backends before
// any component is wired.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}

	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Database.Backend {
	case DatabaseMemory:
	case DatabasePostgres:
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("database.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}

	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if t := c.Detector.SignificanceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("detector.significance_threshold must be within [0,1]")
	}
	if t := c.Detector.ReanalysisThreshold; t < 0 || t > 1 {
		return fmt.Errorf("detector.reanalysis_threshold must be within [0,1]")
	}

	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
		}
		if c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.topic must be set when pubsub is enabled")
		}
	}
	return nil
}
