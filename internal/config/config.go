// Package config loads broker configuration from YAML with environment
// overrides for deployment-specific values (addresses, secrets).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auction  AuctionConfig  `yaml:"auction"`
	Payment  PaymentConfig  `yaml:"payment"`
	Push     PushConfig     `yaml:"push"`
	Registry RegistryConfig `yaml:"registry"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"` // development, production
}

type AuctionConfig struct {
	BiddingDurationDefaultMs int64 `yaml:"bidding_duration_default_ms"`
	ExecutionGraceMs         int64 `yaml:"execution_grace_ms"`
	FailoverDepth            int   `yaml:"failover_depth"`
	RetentionMinutes         int64 `yaml:"retention_minutes"`
}

type PaymentConfig struct {
	PlatformFeePermille  int64  `yaml:"platform_fee_permille"` // 0-1000
	EscrowTTLMs          int64  `yaml:"escrow_ttl_ms"`
	FacilitatorURL       string `yaml:"facilitator_url"`
	FacilitatorTimeoutMs int64  `yaml:"facilitator_timeout_ms"`
	PayToAddress         string `yaml:"pay_to_address"`
	DemoMode             bool   `yaml:"demo_mode"`
}

type PushConfig struct {
	BatchIntervalMs       int64 `yaml:"batch_interval_ms"`
	MaxBatchSize          int   `yaml:"max_batch_size"`
	BackpressureThreshold int   `yaml:"backpressure_threshold"`
}

type RegistryConfig struct {
	HeartbeatSweepIntervalMs  int64 `yaml:"heartbeat_sweep_interval_ms"`
	HeartbeatLivenessWindowMs int64 `yaml:"heartbeat_liveness_window_ms"`
}

type SnapshotConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	IntervalMs    int64  `yaml:"interval_ms"`
}

type ArchiveConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the built-in configuration, matching a demo deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8090, Env: "development"},
		Auction: AuctionConfig{
			BiddingDurationDefaultMs: 30_000,
			ExecutionGraceMs:         30_000,
			FailoverDepth:            3,
			RetentionMinutes:         60,
		},
		Payment: PaymentConfig{
			PlatformFeePermille:  50,
			EscrowTTLMs:          30 * 60 * 1000,
			FacilitatorTimeoutMs: 10_000,
			DemoMode:             true,
		},
		Push: PushConfig{
			BatchIntervalMs:       100,
			MaxBatchSize:          50,
			BackpressureThreshold: 100,
		},
		Registry: RegistryConfig{
			HeartbeatSweepIntervalMs:  15_000,
			HeartbeatLivenessWindowMs: 60_000,
		},
		Snapshot: SnapshotConfig{IntervalMs: 60_000},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file keeps the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-specific values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BROKER_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("BROKER_REDIS_ADDR"); v != "" {
		c.Snapshot.RedisAddr = v
	}
	if v := os.Getenv("BROKER_REDIS_PASSWORD"); v != "" {
		c.Snapshot.RedisPassword = v
	}
	if v := os.Getenv("BROKER_POSTGRES_DSN"); v != "" {
		c.Archive.PostgresDSN = v
	}
	if v := os.Getenv("BROKER_FACILITATOR_URL"); v != "" {
		c.Payment.FacilitatorURL = v
		c.Payment.DemoMode = false
	}
	if v := os.Getenv("BROKER_PAY_TO"); v != "" {
		c.Payment.PayToAddress = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auction.BiddingDurationDefaultMs < 1000 {
		return fmt.Errorf("auction.bidding_duration_default_ms must be at least 1000")
	}
	if c.Auction.FailoverDepth < 0 {
		return fmt.Errorf("auction.failover_depth must not be negative")
	}
	if c.Payment.PlatformFeePermille < 0 || c.Payment.PlatformFeePermille > 1000 {
		return fmt.Errorf("payment.platform_fee_permille %d out of range 0-1000", c.Payment.PlatformFeePermille)
	}
	if !c.Payment.DemoMode && c.Payment.FacilitatorURL == "" {
		return fmt.Errorf("payment.facilitator_url required when demo_mode is off")
	}
	if c.Push.BackpressureThreshold <= 0 {
		return fmt.Errorf("push.backpressure_threshold must be positive")
	}
	return nil
}

// Duration helpers: config carries milliseconds, callers want durations.

func (c *AuctionConfig) BiddingDurationDefault() time.Duration {
	return time.Duration(c.BiddingDurationDefaultMs) * time.Millisecond
}

func (c *AuctionConfig) ExecutionGrace() time.Duration {
	return time.Duration(c.ExecutionGraceMs) * time.Millisecond
}

func (c *AuctionConfig) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

func (c *PaymentConfig) EscrowTTL() time.Duration {
	return time.Duration(c.EscrowTTLMs) * time.Millisecond
}

func (c *PaymentConfig) FacilitatorTimeout() time.Duration {
	return time.Duration(c.FacilitatorTimeoutMs) * time.Millisecond
}

func (c *PushConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMs) * time.Millisecond
}

func (c *RegistryConfig) SweepInterval() time.Duration {
	return time.Duration(c.HeartbeatSweepIntervalMs) * time.Millisecond
}

func (c *RegistryConfig) LivenessWindow() time.Duration {
	return time.Duration(c.HeartbeatLivenessWindowMs) * time.Millisecond
}

func (c *SnapshotConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}
