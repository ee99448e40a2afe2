package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig                 `mapstructure:"log"`
	HTTP       HTTPConfig                `mapstructure:"http"`
	MySQL      DatabaseConfig            `mapstructure:"mysql"`
	ClickHouse DatabaseConfig            `mapstructure:"clickhouse"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Kafka      KafkaConfig               `mapstructure:"kafka"`
	Crypto     CryptoConfig              `mapstructure:"crypto"`
	Tokens     TokensConfig              `mapstructure:"tokens"`
	Publisher  PublisherConfig           `mapstructure:"publisher"`
	Scheduler  SchedulerConfig           `mapstructure:"scheduler"`
	Janitor    JanitorConfig             `mapstructure:"janitor"`
	Jobs       map[string]JobPolicy      `mapstructure:"jobs"`
	Relay      RelayConfig               `mapstructure:"relay"`
	RateLimit  RateLimitConfig           `mapstructure:"rate_limit"`
	Platforms  map[string]PlatformConfig `mapstructure:"platforms"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string     `mapstructure:"brokers"`
	GroupID        string       `mapstructure:"group_id"`
	MinBytes       int          `mapstructure:"min_bytes"`
	MaxBytes       int          `mapstructure:"max_bytes"`
	CommitInterval int          `mapstructure:"commit_interval_ms"`
	WorkerCount    int          `mapstructure:"worker_count"`
	Topics         TopicsConfig `mapstructure:"topics"`
}

type TopicsConfig struct {
	Publish     string `mapstructure:"publish"`
	Refresh     string `mapstructure:"refresh"`
	StatusCheck string `mapstructure:"status_check"`
	DeadLetter  string `mapstructure:"dead_letter"`
}

type CryptoConfig struct {
	Key          string   `mapstructure:"key"`
	PreviousKeys []string `mapstructure:"previous_keys"`
}

type TokensConfig struct {
	RefreshSkew  time.Duration `mapstructure:"refresh_skew"`
	ExpiryWindow time.Duration `mapstructure:"expiry_window"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	LeaseWait    time.Duration `mapstructure:"lease_wait"`
	LeasePoll    time.Duration `mapstructure:"lease_poll"`
}

type PublisherConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	DefaultRetries   int           `mapstructure:"default_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	StatusCheckDelay time.Duration `mapstructure:"status_check_delay"`
}

type SchedulerConfig struct {
	PostSweepInterval  time.Duration `mapstructure:"post_sweep_interval"`
	PostSweepBatch     int           `mapstructure:"post_sweep_batch"`
	TokenSweepInterval time.Duration `mapstructure:"token_sweep_interval"`
	StuckInterval      time.Duration `mapstructure:"stuck_interval"`
	DriftInterval      time.Duration `mapstructure:"drift_interval"`
	AbandonedInterval  time.Duration `mapstructure:"abandoned_interval"`
}

type JanitorConfig struct {
	StuckThreshold   time.Duration `mapstructure:"stuck_threshold"`
	QueuedThreshold  time.Duration `mapstructure:"queued_threshold"`
	DriftLookback    time.Duration `mapstructure:"drift_lookback"`
	DriftConcurrency int           `mapstructure:"drift_concurrency"`
	BatchSize        int           `mapstructure:"batch_size"`
}

// JobPolicy is the explicit retry contract of one job kind.
type JobPolicy struct {
	Timeout     time.Duration   `mapstructure:"timeout"`
	MaxAttempts int             `mapstructure:"max_attempts"`
	Backoff     []time.Duration `mapstructure:"backoff"`
}

// Delay returns the backoff before attempt n+1; the last step repeats.
func (p JobPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

type RelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type PlatformConfig struct {
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	TokenURL       string        `mapstructure:"token_url"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// Job returns the policy for kind, failing loudly on a missing entry.
func (c Config) Job(kind string) (JobPolicy, error) {
	p, ok := c.Jobs[kind]
	if !ok {
		return JobPolicy{}, fmt.Errorf("no job policy configured for %q", kind)
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p, nil
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (PUBLISHER_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (PUBLISHER_MYSQL_DSN, PUBLISHER_CRYPTO_KEY, ...)
	v.SetEnvPrefix("PUBLISHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
