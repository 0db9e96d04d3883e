package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Relay     RelayConfig     `yaml:"relay"`
	Rewards   RewardsConfig   `yaml:"rewards"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// RelayConfig tunes the outbox relay; durations are milliseconds.
type RelayConfig struct {
	IntervalMS       int `yaml:"interval_ms"`
	BatchSize        int `yaml:"batch_size"`
	LeaseTTLMS       int `yaml:"lease_ttl_ms"`
	DeliverTimeoutMS int `yaml:"deliver_timeout_ms"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
	StuckThresholdMS int `yaml:"stuck_threshold_ms"`
}

// RewardsConfig names the program funding account that pays out code
// redemptions.
type RewardsConfig struct {
	ProgramAccountID uint64 `yaml:"program_account_id"`
}

// Interval returns the poll interval as a duration.
func (r RelayConfig) Interval() time.Duration { return ms(r.IntervalMS) }

// LeaseTTL returns the batch lease as a duration.
func (r RelayConfig) LeaseTTL() time.Duration { return ms(r.LeaseTTLMS) }

// DeliverTimeout returns the per-event delivery timeout.
func (r RelayConfig) DeliverTimeout() time.Duration { return ms(r.DeliverTimeoutMS) }

// InitialBackoff returns the first retry delay.
func (r RelayConfig) InitialBackoff() time.Duration { return ms(r.InitialBackoffMS) }

// MaxBackoff returns the retry delay cap.
func (r RelayConfig) MaxBackoff() time.Duration { return ms(r.MaxBackoffMS) }

// StuckThreshold returns the age past which an event counts as stuck.
func (r RelayConfig) StuckThreshold() time.Duration { return ms(r.StuckThresholdMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Load reads a yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	return &cfg, nil
}
