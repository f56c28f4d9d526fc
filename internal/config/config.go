package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds everything xcmflowd needs at startup.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
	Chains  ChainsConfig  `json:"chains"`
	Storage StorageConfig `json:"storage"`
	Cache   CacheConfig   `json:"cache"`
	Stream  StreamConfig  `json:"stream"`
	Monitor MonitorConfig `json:"monitor"`
	Routing RoutingConfig `json:"routing"`
	Fees    FeesConfig    `json:"fees"`
	Events  EventsConfig  `json:"events"`
	Notify  NotifyConfig  `json:"notifications"`
}

// ServerConfig controls the REST listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// MetricsConfig controls the standalone metrics endpoint.
type MetricsConfig struct {
	Address          string `json:"address"`
	SnapshotInterval int    `json:"snapshot_interval_seconds"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// ChainsConfig points at the YAML chain topology file.
type ChainsConfig struct {
	Definitions string `json:"definitions"`
}

// StorageConfig selects the transaction store backend.
type StorageConfig struct {
	Driver                 string `json:"driver"` // memory | mysql
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// CacheConfig selects the route/fee cache backend.
type CacheConfig struct {
	Driver   string `json:"driver"` // memory | redis
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// StreamConfig selects the push surface backend.
type StreamConfig struct {
	Driver   string `json:"driver"` // none | rabbitmq
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// MonitorConfig tunes the transaction state machine.
type MonitorConfig struct {
	PollIntervalSeconds   int `json:"poll_interval_seconds"`
	LifecycleTimeoutSecs  int `json:"lifecycle_timeout_seconds"`
	RetryDelaySeconds     int `json:"retry_delay_seconds"`
	MaxRetries            int `json:"max_retries"`
	BlockScanDepth        int `json:"block_scan_depth"`
	CacheCleanupIntervalS int `json:"cache_cleanup_interval_seconds"`
	HealthCheckIntervalS  int `json:"health_check_interval_seconds"`
}

// RoutingConfig tunes route discovery and scoring.
type RoutingConfig struct {
	CacheTTLSeconds     int     `json:"cache_ttl_seconds"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MultiHopPenalty     float64 `json:"multi_hop_penalty"`
	HubDelaySeconds     int     `json:"hub_delay_seconds"`
}

// FeesConfig tunes fee estimation.
type FeesConfig struct {
	CacheTTLSeconds         int `json:"cache_ttl_seconds"`
	PriceRefreshIntervalSec int `json:"price_refresh_interval_seconds"`
}

// EventsConfig tunes the chain event pipeline.
type EventsConfig struct {
	QueueCapacity        int `json:"queue_capacity"`
	DrainIntervalSeconds int `json:"drain_interval_seconds"`
}

// NotifyConfig lists outbound channels and the shared rate limit.
type NotifyConfig struct {
	RatePerMinute  int             `json:"rate_per_minute"`
	Webhook        WebhookChannel  `json:"webhook"`
	Discord        WebhookChannel  `json:"discord"`
	Slack          WebhookChannel  `json:"slack"`
	Telegram       TelegramChannel `json:"telegram"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

// WebhookChannel is a bare authenticated webhook endpoint.
type WebhookChannel struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

// TelegramChannel carries bot credentials for sendMessage calls.
type TelegramChannel struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// Load parses the JSON config file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// Default returns a config populated with defaults only, used by tests.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults fills in every tunable the operator left blank. The literals
// match the engine's documented behaviour.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Metrics.SnapshotInterval <= 0 {
		c.Metrics.SnapshotInterval = 5
	}
	if c.Chains.Definitions == "" {
		c.Chains.Definitions = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chains.Definitions) {
		c.Chains.Definitions = filepath.Join(baseDir, c.Chains.Definitions)
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Stream.Driver == "" {
		c.Stream.Driver = "none"
	}
	if c.Stream.Exchange == "" {
		c.Stream.Exchange = "xcmflow.events"
	}

	if c.Monitor.PollIntervalSeconds <= 0 {
		c.Monitor.PollIntervalSeconds = 5
	}
	if c.Monitor.LifecycleTimeoutSecs <= 0 {
		c.Monitor.LifecycleTimeoutSecs = 300
	}
	if c.Monitor.RetryDelaySeconds <= 0 {
		c.Monitor.RetryDelaySeconds = 30
	}
	if c.Monitor.MaxRetries <= 0 {
		c.Monitor.MaxRetries = 3
	}
	if c.Monitor.BlockScanDepth <= 0 {
		c.Monitor.BlockScanDepth = 20
	}
	if c.Monitor.CacheCleanupIntervalS <= 0 {
		c.Monitor.CacheCleanupIntervalS = 300
	}
	if c.Monitor.HealthCheckIntervalS <= 0 {
		c.Monitor.HealthCheckIntervalS = 60
	}

	if c.Routing.CacheTTLSeconds <= 0 {
		c.Routing.CacheTTLSeconds = 300
	}
	if c.Routing.ConfidenceThreshold <= 0 {
		c.Routing.ConfidenceThreshold = 0.5
	}
	if c.Routing.MultiHopPenalty <= 0 {
		c.Routing.MultiHopPenalty = 0.9
	}
	if c.Routing.HubDelaySeconds <= 0 {
		c.Routing.HubDelaySeconds = 60
	}

	if c.Fees.CacheTTLSeconds <= 0 {
		c.Fees.CacheTTLSeconds = 300
	}
	if c.Fees.PriceRefreshIntervalSec <= 0 {
		c.Fees.PriceRefreshIntervalSec = 900
	}

	if c.Events.QueueCapacity <= 0 {
		c.Events.QueueCapacity = 1000
	}
	if c.Events.DrainIntervalSeconds <= 0 {
		c.Events.DrainIntervalSeconds = 1
	}

	if c.Notify.RatePerMinute <= 0 {
		c.Notify.RatePerMinute = 10
	}
	if c.Notify.TimeoutSeconds <= 0 {
		c.Notify.TimeoutSeconds = 5
	}
}

// Seconds helpers keep the call sites free of unit conversions.

func (m MonitorConfig) PollInterval() time.Duration { return seconds(m.PollIntervalSeconds) }

// LifecycleTimeout is the wall clock budget for a transfer, measured from
// registration.
func (m MonitorConfig) LifecycleTimeout() time.Duration { return seconds(m.LifecycleTimeoutSecs) }

func (m MonitorConfig) RetryDelay() time.Duration { return seconds(m.RetryDelaySeconds) }

func (m MonitorConfig) CacheCleanupInterval() time.Duration {
	return seconds(m.CacheCleanupIntervalS)
}

func (m MonitorConfig) HealthCheckInterval() time.Duration {
	return seconds(m.HealthCheckIntervalS)
}

func (r RoutingConfig) CacheTTL() time.Duration { return seconds(r.CacheTTLSeconds) }

func (r RoutingConfig) HubDelay() time.Duration { return seconds(r.HubDelaySeconds) }

func (f FeesConfig) CacheTTL() time.Duration { return seconds(f.CacheTTLSeconds) }

func (f FeesConfig) PriceRefreshInterval() time.Duration {
	return seconds(f.PriceRefreshIntervalSec)
}

func (e EventsConfig) DrainInterval() time.Duration { return seconds(e.DrainIntervalSeconds) }

func (n NotifyConfig) Timeout() time.Duration { return seconds(n.TimeoutSeconds) }

func (m MetricsConfig) Snapshot() time.Duration { return seconds(m.SnapshotInterval) }

func (s StorageConfig) ConnMaxLifetime() time.Duration {
	return seconds(s.ConnMaxLifetimeSeconds)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
