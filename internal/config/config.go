// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/mediagen/internal/account"
	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/provider"
	"github.com/JakeFAU/mediagen/internal/provider/httpjson"
	"github.com/JakeFAU/mediagen/internal/provider/openaiimage"
	"github.com/JakeFAU/mediagen/internal/provider/simulated"
	"github.com/JakeFAU/mediagen/internal/provider/veo"
)

// EnvPrefix prefixes every environment override, e.g. MEDIAGEN_SERVER_PORT.
const EnvPrefix = "MEDIAGEN"

// Backend names shared by several sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
)

// Provider kinds understood by the composition root.
const (
	KindSimulated   = "simulated"
	KindHTTPJSON    = "httpjson"
	KindVeo         = "veo"
	KindOpenAIImage = "openaiimage"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Poll      PollConfig       `mapstructure:"poll"`
	Retry     RetryConfig      `mapstructure:"retry"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Accounts  AccountsConfig   `mapstructure:"accounts"`
	DB        DBConfig         `mapstructure:"db"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Events    EventsConfig     `mapstructure:"events"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Quota     QuotaConfig      `mapstructure:"quota"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap encoder and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SchedulerConfig governs admission, dispatch and the worker pool.
type SchedulerConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	Strategy         string        `mapstructure:"strategy"`
	DefaultMaxWait   time.Duration `mapstructure:"default_max_wait"`
	SchemaVersion    string        `mapstructure:"schema_version"`
}

// PollConfig is the status-check backoff curve and loop tuning.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Base        time.Duration `mapstructure:"base"`
	Threshold   time.Duration `mapstructure:"threshold"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Max         time.Duration `mapstructure:"max"`
	Concurrency int           `mapstructure:"concurrency"`
	BatchSize   int           `mapstructure:"batch_size"`
	// Lease hides a claimed job from other replicas while it is checked.
	Lease time.Duration `mapstructure:"lease"`
}

// RetryConfig bounds automatic and caller-driven retries.
type RetryConfig struct {
	MaxAttempts   int `mapstructure:"max_attempts"`
	CancelRetries int `mapstructure:"cancel_retries"`
}

// CacheConfig selects the result cache backend and its lifetimes.
type CacheConfig struct {
	Backend string `mapstructure:"backend"`
	// TTL maps cache strategy names to entry lifetimes.
	TTL     map[string]time.Duration `mapstructure:"ttl"`
	LockTTL time.Duration            `mapstructure:"lock_ttl"`
}

// RedisConfig is shared by the redis cache and account counter backends.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AccountsConfig selects where slot counters live and the health policy.
type AccountsConfig struct {
	Backend string       `mapstructure:"backend"`
	Health  HealthConfig `mapstructure:"health"`
}

// HealthConfig mirrors account.HealthPolicy.
type HealthConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	BaseCooldown     time.Duration `mapstructure:"base_cooldown"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown"`
	BlacklistAfter   int           `mapstructure:"blacklist_after"`
}

// DBConfig controls the job store.
type DBConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// PubSubConfig enables the Pub/Sub event sink when a topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the event hub.
type EventsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
	StreamBuffer  int           `mapstructure:"stream_buffer"`
}

// StorageConfig selects where asset manifests are written.
type StorageConfig struct {
	Backend  string   `mapstructure:"backend"`
	Prefix   string   `mapstructure:"prefix"`
	LocalDir string   `mapstructure:"local_dir"`
	GCS      GCSBlob  `mapstructure:"gcs"`
	S3       S3Config `mapstructure:"s3"`
}

// GCSBlob names the manifest bucket on Cloud Storage.
type GCSBlob struct {
	Bucket string `mapstructure:"bucket"`
}

// S3Config names the manifest bucket on S3 or an S3-compatible endpoint.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// QuotaConfig is the per-owner admission budget. Zero PerMinute disables it.
type QuotaConfig struct {
	PerMinute float64             `mapstructure:"per_minute"`
	Burst     int                 `mapstructure:"burst"`
	Overrides map[string]RateRule `mapstructure:"overrides"`
}

// RateRule is a rate and burst for one key.
type RateRule struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ProviderConfig is one entry of the provider manifest.
type ProviderConfig struct {
	ID           string                `mapstructure:"id"`
	Kind         string                `mapstructure:"kind"`
	Capabilities provider.Capabilities `mapstructure:"capabilities"`
	// RatePerSecond paces submissions to the provider; zero is unpaced.
	RatePerSecond float64            `mapstructure:"rate_per_second"`
	Burst         int                `mapstructure:"burst"`
	Accounts      []AccountConfig    `mapstructure:"accounts"`
	Simulated     simulated.Config   `mapstructure:"simulated"`
	HTTPJSON      httpjson.Config    `mapstructure:"httpjson"`
	Veo           veo.Config         `mapstructure:"veo"`
	OpenAI        openaiimage.Config `mapstructure:"openai"`
}

// AccountConfig is one credentialed account of a provider.
type AccountConfig struct {
	ID                string `mapstructure:"id"`
	Tier              string `mapstructure:"tier"`
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs"`
	// Disabled accounts stay registered but are never selected.
	Disabled bool   `mapstructure:"disabled"`
	APIKey   string `mapstructure:"api_key"`
	// APIKeyEnv names an environment variable holding the key.
	APIKeyEnv string `mapstructure:"api_key_env"`
	Endpoint  string `mapstructure:"endpoint"`
}

// Account resolves the configured account, reading its key from the
// environment when APIKeyEnv is set.
func (a AccountConfig) Account(providerID string) account.Account {
	key := a.APIKey
	if a.APIKeyEnv != "" {
		key = os.Getenv(a.APIKeyEnv)
	}
	return account.Account{
		ID:                a.ID,
		ProviderID:        providerID,
		Tier:              account.ParseTier(a.Tier),
		MaxConcurrentJobs: a.MaxConcurrentJobs,
		Active:            !a.Disabled,
		APIKey:            key,
		Endpoint:          a.Endpoint,
	}
}

// Load builds a Config from an optional .env file, an optional config file
// and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is honoured for platforms that inject it.
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

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
	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.queue_depth", 256)
	v.SetDefault("scheduler.dispatch_interval", "1s")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.strategy", string(account.LeastLoaded))
	v.SetDefault("scheduler.default_max_wait", "30m")
	v.SetDefault("scheduler.schema_version", "v1")
	v.SetDefault("poll.interval", "1s")
	v.SetDefault("poll.base", "5s")
	v.SetDefault("poll.threshold", "1m")
	v.SetDefault("poll.multiplier", 1.5)
	v.SetDefault("poll.max", "30s")
	v.SetDefault("poll.concurrency", 8)
	v.SetDefault("poll.batch_size", 100)
	v.SetDefault("poll.lease", "2m")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.cancel_retries", 3)
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", map[string]string{
		string(genjob.CacheOnce):           "8760h",
		string(genjob.CachePerPlaythrough): "720h",
		string(genjob.CachePerPlayer):      "2160h",
	})
	v.SetDefault("cache.lock_ttl", "10m")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "mediagen:")
	v.SetDefault("accounts.backend", BackendMemory)
	def := account.DefaultHealthPolicy()
	v.SetDefault("accounts.health.failure_threshold", def.FailureThreshold)
	v.SetDefault("accounts.health.window", def.Window.String())
	v.SetDefault("accounts.health.base_cooldown", def.BaseCooldown.String())
	v.SetDefault("accounts.health.max_cooldown", def.MaxCooldown.String())
	v.SetDefault("accounts.health.blacklist_after", def.BlacklistAfter)
	v.SetDefault("db.backend", BackendMemory)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.batch_size", 256)
	v.SetDefault("events.flush_interval", "100ms")
	v.SetDefault("events.sink_timeout", "5s")
	v.SetDefault("events.stream_buffer", 64)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "assets")
	v.SetDefault("storage.local_dir", "data/assets")
	v.SetDefault("quota.per_minute", 0)
	v.SetDefault("quota.burst", 10)
	v.SetDefault("telemetry.service_name", "mediagen")
	v.SetDefault("telemetry.sample_ratio", 0.1)
}

// DefaultProviders is the manifest used when none is configured: a simulated
// provider with two accounts.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{{
		ID:   "simulated",
		Kind: KindSimulated,
		Capabilities: provider.Capabilities{
			SupportsMultiAccount: true,
			DefaultConcurrency:   2,
			ProConcurrency:       4,
			Operations:           []string{"image", "video", "audio"},
		},
		Accounts: []AccountConfig{
			{ID: "sim-1"},
			{ID: "sim-2", Tier: string(account.TierPro)},
		},
		Simulated: simulated.Config{PollsToComplete: 2},
	}}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.QueueDepth <= 0 {
		return fmt.Errorf("scheduler.queue_depth must be > 0")
	}
	if _, err := account.ParseStrategy(c.Scheduler.Strategy); err != nil {
		return fmt.Errorf("scheduler.strategy: %w", err)
	}
	if c.Poll.Base <= 0 || c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.base and poll.interval must be > 0")
	}
	if c.Poll.Multiplier < 1 {
		return fmt.Errorf("poll.multiplier must be >= 1")
	}
	if c.Poll.Lease < 0 {
		return fmt.Errorf("poll.lease must be >= 0")
	}
	if c.Poll.Max > 0 && c.Poll.Max < c.Poll.Base {
		return fmt.Errorf("poll.max must be >= poll.base")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	for name := range c.Cache.TTL {
		if !genjob.CacheStrategy(name).Valid() {
			return fmt.Errorf("cache.ttl: unknown strategy %q", name)
		}
	}
	if err := oneOf("cache.backend", c.Cache.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("accounts.backend", c.Accounts.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("db.backend", c.DB.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if c.DB.Backend == BackendPostgres && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set for the postgres backend")
	}
	if err := oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendLocal, BackendGCS, BackendS3); err != nil {
		return err
	}
	if c.Storage.Backend == BackendGCS && c.Storage.GCS.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
	}
	if c.Storage.Backend == BackendS3 && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket must be set for the s3 backend")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is")
	}
	return c.validateProviders()
}

func (c Config) validateProviders() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seenProviders := make(map[string]bool, len(c.Providers))
	seenAccounts := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers: id is required")
		}
		if seenProviders[p.ID] {
			return fmt.Errorf("providers: %s configured twice", p.ID)
		}
		seenProviders[p.ID] = true
		if err := oneOf("providers."+p.ID+".kind", p.Kind, KindSimulated, KindHTTPJSON, KindVeo, KindOpenAIImage); err != nil {
			return err
		}
		if p.Capabilities.DefaultConcurrency <= 0 {
			return fmt.Errorf("providers.%s.capabilities.default_concurrency must be > 0", p.ID)
		}
		if len(p.Capabilities.Operations) == 0 {
			return fmt.Errorf("providers.%s.capabilities.operations must not be empty", p.ID)
		}
		if len(p.Accounts) == 0 {
			return fmt.Errorf("providers.%s: at least one account is required", p.ID)
		}
		for _, a := range p.Accounts {
			if a.ID == "" {
				return fmt.Errorf("providers.%s: account id is required", p.ID)
			}
			if seenAccounts[a.ID] {
				return fmt.Errorf("account %s configured twice", a.ID)
			}
			seenAccounts[a.ID] = true
		}
		if p.Kind == KindHTTPJSON && p.HTTPJSON.BaseURL == "" {
			return fmt.Errorf("providers.%s.httpjson.base_url is required", p.ID)
		}
	}
	return nil
}

// HealthPolicy converts the section into the account package's policy.
func (h HealthConfig) HealthPolicy() account.HealthPolicy {
	return account.HealthPolicy{
		FailureThreshold: h.FailureThreshold,
		Window:           h.Window,
		BaseCooldown:     h.BaseCooldown,
		MaxCooldown:      h.MaxCooldown,
		BlacklistAfter:   h.BlacklistAfter,
	}
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}
