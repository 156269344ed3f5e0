package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the gateway. Defaults match the published
// configuration table; a YAML file (optional) is applied first, then
// environment variables override individual fields so container deployments
// stay twelve-factor.
type Config struct {
	Addr          string `yaml:"addr"`
	JWTSigningKey string `yaml:"jwt_signing_key"`

	PostgresURL string      `yaml:"postgres_url"`
	Redis       RedisConfig `yaml:"redis"`
	Kafka       KafkaConfig `yaml:"kafka"`

	RegistryURL string `yaml:"registry_url"`

	AdapterDefaultTimeout     time.Duration `yaml:"adapter_default_timeout"`
	IdempotencyTTLSuccess     time.Duration `yaml:"idempotency_ttl_success"`
	IdempotencyTTLFailure     time.Duration `yaml:"idempotency_ttl_failure"`
	IdempotencySweepInterval  time.Duration `yaml:"idempotency_sweep_interval"`
	CapabilityCacheTTL        time.Duration `yaml:"capability_cache_ttl"`
	CapabilityCacheNegTTL     time.Duration `yaml:"capability_cache_negative_ttl"`
	ScorerWindow              time.Duration `yaml:"scorer_window"`
	ScorerMinVolume           int           `yaml:"scorer_min_volume"`
	ScorerInterval            time.Duration `yaml:"scorer_interval"`
	HideSuccessThreshold      float64       `yaml:"hide_success_threshold"`
	HideSustained             time.Duration `yaml:"hide_sustained"`
	ThrottleP95               time.Duration `yaml:"throttle_p95"`
	PreferredSuccessThreshold float64       `yaml:"preferred_success_threshold"`
	PreferredP95              time.Duration `yaml:"preferred_p95"`
	OutputSizeLimitBytes      int64         `yaml:"output_size_limit_bytes"`
}

// RedisConfig mirrors the connection knobs the platform redis client needs.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// KafkaConfig configures the outcome-event publisher. Empty brokers means
// the in-process publisher is used instead.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Addr: ":8080",
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka:                     KafkaConfig{Topic: "moat.outcome-events"},
		AdapterDefaultTimeout:     30 * time.Second,
		IdempotencyTTLSuccess:     24 * time.Hour,
		IdempotencyTTLFailure:     0,
		IdempotencySweepInterval:  60 * time.Second,
		CapabilityCacheTTL:        5 * time.Minute,
		CapabilityCacheNegTTL:     30 * time.Second,
		ScorerWindow:              7 * 24 * time.Hour,
		ScorerMinVolume:           10,
		ScorerInterval:            15 * time.Minute,
		HideSuccessThreshold:      0.80,
		HideSustained:             24 * time.Hour,
		ThrottleP95:               10 * time.Second,
		PreferredSuccessThreshold: 0.99,
		PreferredP95:              2 * time.Second,
		OutputSizeLimitBytes:      1 << 20,
	}
}

// Load reads a YAML config file when path is non-empty, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv builds a config from environment variables alone.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	setString(&c.Addr, "MOAT_ADDR")
	setString(&c.JWTSigningKey, "MOAT_JWT_SIGNING_KEY")
	setString(&c.PostgresURL, "MOAT_POSTGRES_URL")
	setString(&c.Redis.URL, "MOAT_REDIS_URL")
	setString(&c.RegistryURL, "MOAT_REGISTRY_URL")
	setString(&c.Kafka.Topic, "MOAT_KAFKA_TOPIC")
	if v := os.Getenv("MOAT_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	setDuration(&c.AdapterDefaultTimeout, "MOAT_ADAPTER_TIMEOUT")
	setDuration(&c.ScorerInterval, "MOAT_SCORER_INTERVAL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
