package config

import (
	"errors"
	"fmt"
	"strconv"
)

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("server.port: invalid port %q", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		return errors.New("server.shutdown_timeout: must be positive")
	}

	if c.Database.MaxConns < 1 {
		return errors.New("database.max_conns: must be at least 1")
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		return errors.New("database.min_conns: must be between 0 and max_conns")
	}

	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateLock(); err != nil {
		return err
	}

	if _, err := c.FraudThresholds(); err != nil {
		return fmt.Errorf("fraud: %w", err)
	}
	if c.Fraud.HistoryLimit < 0 {
		return errors.New("fraud.history_limit: must not be negative")
	}
	if err := c.ConsensusPolicy().Validate(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}

	lc := c.Lifecycle
	if lc.PendingDistributionTimeout.Duration < 0 || lc.InProgressTimeout.Duration < 0 || lc.PendingReviewTimeout.Duration < 0 {
		return errors.New("lifecycle: timeouts must not be negative")
	}
	if lc.Retention.Duration <= 0 {
		return errors.New("lifecycle.retention: must be positive")
	}

	if c.Telemetry.Enabled && c.Telemetry.MetricInterval.Duration <= 0 {
		return errors.New("telemetry.metric_interval: must be positive")
	}
	if c.Sweep.Interval.Duration <= 0 {
		return errors.New("sweep.interval: must be positive")
	}
	return nil
}

func (c *Config) validateQueue() error {
	q := c.Queue
	switch {
	case q.MaxAttempts < 1:
		return errors.New("queue.max_attempts: must be at least 1")
	case q.PollInterval.Duration <= 0:
		return errors.New("queue.poll_interval: must be positive")
	case q.StaleAfter.Duration <= 0:
		return errors.New("queue.stale_after: must be positive")
	case q.BaseBackoff.Duration <= 0:
		return errors.New("queue.base_backoff: must be positive")
	case q.MaxBackoff.Duration < q.BaseBackoff.Duration:
		return errors.New("queue.max_backoff: must not be less than base_backoff")
	}
	return nil
}

func (c *Config) validateLock() error {
	switch c.Lock.Backend {
	case LockMemory:
		return nil
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return errors.New("lock.redis_addr: required for the redis backend")
		}
		if c.Lock.TTL.Duration <= 0 {
			return errors.New("lock.ttl: must be positive")
		}
		return nil
	default:
		return fmt.Errorf("lock.backend: unknown backend %q (expected memory or redis)", c.Lock.Backend)
	}
}
