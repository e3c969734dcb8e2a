// Package config holds the coordinator settings. Values come from built-in
// defaults, an optional TOML file and finally CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = "8080"

	// DefaultDatabaseURL is empty; must be provided via flag or environment.
	DefaultDatabaseURL = ""

	// DefaultSweepLockFile guards against concurrent sweepers on one host.
	DefaultSweepLockFile = "/tmp/crowdcheck-sweep.lock"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses values such as "90s" or "24h".
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText writes the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full coordinator configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Queue     QueueConfig     `toml:"queue"`
	Lock      LockConfig      `toml:"lock"`
	Fraud     FraudConfig     `toml:"fraud"`
	Consensus ConsensusConfig `toml:"consensus"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Sweep     SweepConfig     `toml:"sweep"`
}

// ServerConfig configures the ops HTTP API.
type ServerConfig struct {
	Port string `toml:"port"`
	// Token is the Bearer token of the ops API. Empty disables authentication.
	Token           string   `toml:"token"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int32  `toml:"max_conns"`
	MinConns int32  `toml:"min_conns"`
}

// QueueConfig configures the inbound message consumer.
type QueueConfig struct {
	Workers      int      `toml:"workers"`
	MaxAttempts  int      `toml:"max_attempts"`
	PollInterval Duration `toml:"poll_interval"`
	StaleAfter   Duration `toml:"stale_after"`
	BaseBackoff  Duration `toml:"base_backoff"`
	MaxBackoff   Duration `toml:"max_backoff"`
	// Listen enables LISTEN/NOTIFY wakeups on top of polling.
	Listen bool `toml:"listen"`
}

// Lock backends.
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// LockConfig selects the per-task lock.
type LockConfig struct {
	Backend       string   `toml:"backend"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	TTL           Duration `toml:"ttl"`
	Wait          Duration `toml:"wait"`
}

// FraudConfig selects a sensitivity preset. Non-zero fields override it.
type FraudConfig struct {
	Sensitivity           string   `toml:"sensitivity"`
	MinTime               Duration `toml:"min_time"`
	MaxTime               Duration `toml:"max_time"`
	SimilarityThreshold   float64  `toml:"similarity_threshold"`
	MaxConsecutiveSimilar int      `toml:"max_consecutive_similar"`
	AutomationCVCutoff    float64  `toml:"automation_cv_cutoff"`
	// MinCollusionPayloadLen overrides the preset whenever it is set, so an
	// explicit 0 turns the short-payload gate off.
	MinCollusionPayloadLen *int `toml:"min_collusion_payload_len,omitempty"`
	MaxBatchSize           int  `toml:"max_batch_size"`
	// HistoryLimit is how many past submissions per worker feed the analysis.
	HistoryLimit int `toml:"history_limit"`
}

// ConsensusConfig holds the reward policy.
type ConsensusConfig struct {
	Threshold          float64 `toml:"threshold"`
	MajorityReputation float64 `toml:"majority_reputation"`
	MinorityPenalty    float64 `toml:"minority_penalty"`
	FraudPenalty       float64 `toml:"fraud_penalty"`
	PartialReward      float64 `toml:"partial_reward"`
}

// LifecycleConfig holds the per-state timeouts and the archive retention.
type LifecycleConfig struct {
	PendingDistributionTimeout Duration `toml:"pending_distribution_timeout"`
	InProgressTimeout          Duration `toml:"in_progress_timeout"`
	PendingReviewTimeout       Duration `toml:"pending_review_timeout"`
	Retention                  Duration `toml:"retention"`
}

// TelemetryConfig toggles the OpenTelemetry stdout exporters.
type TelemetryConfig struct {
	Enabled        bool     `toml:"enabled"`
	MetricInterval Duration `toml:"metric_interval"`
}

// SweepConfig configures the expiration sweep.
type SweepConfig struct {
	Interval Duration `toml:"interval"`
	Batch    uint64   `toml:"batch"`
	LockFile string   `toml:"lock_file"`
}

// Load reads the TOML file at path over the defaults, then normalizes and
// validates the result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, fmt.Errorf("parse config: %s", strict.String())
			}
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalize normalizes and validates the config. Callers that override
// fields after Load run it again.
func (c *Config) Finalize() error {
	c.normalize()
	return c.Validate()
}

// Encode writes the config as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
