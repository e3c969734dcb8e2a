package config

import (
	"github.com/mtlprog/crowdcheck/internal/consensus"
	"github.com/mtlprog/crowdcheck/internal/fraud"
	"github.com/mtlprog/crowdcheck/internal/lifecycle"
	"github.com/mtlprog/crowdcheck/internal/lock"
	"github.com/mtlprog/crowdcheck/internal/queue"
	"github.com/mtlprog/crowdcheck/internal/telemetry"
)

// FraudThresholds resolves the sensitivity preset and applies overrides.
func (c *Config) FraudThresholds() (fraud.Thresholds, error) {
	t, err := fraud.PresetThresholds(c.Fraud.Sensitivity)
	if err != nil {
		return fraud.Thresholds{}, err
	}

	f := c.Fraud
	if f.MinTime.Duration > 0 {
		t.MinTime = f.MinTime.Duration
	}
	if f.MaxTime.Duration > 0 {
		t.MaxTime = f.MaxTime.Duration
	}
	if f.SimilarityThreshold != 0 {
		t.SimilarityThreshold = f.SimilarityThreshold
	}
	if f.MaxConsecutiveSimilar != 0 {
		t.MaxConsecutiveSimilar = f.MaxConsecutiveSimilar
	}
	if f.AutomationCVCutoff != 0 {
		t.AutomationCVCutoff = f.AutomationCVCutoff
	}
	if f.MinCollusionPayloadLen != nil {
		t.MinCollusionPayloadLen = *f.MinCollusionPayloadLen
	}
	if f.MaxBatchSize != 0 {
		t.MaxBatchSize = f.MaxBatchSize
	}

	if err := t.Validate(); err != nil {
		return fraud.Thresholds{}, err
	}
	return t, nil
}

// ConsensusPolicy returns the reward policy.
func (c *Config) ConsensusPolicy() consensus.Policy {
	return consensus.Policy{
		Threshold:          c.Consensus.Threshold,
		MajorityReputation: c.Consensus.MajorityReputation,
		MinorityPenalty:    c.Consensus.MinorityPenalty,
		FraudPenalty:       c.Consensus.FraudPenalty,
		PartialReward:      c.Consensus.PartialReward,
	}
}

// Timeouts returns the lifecycle timeout table.
func (c *Config) Timeouts() lifecycle.Timeouts {
	return lifecycle.Timeouts{
		PendingDistribution: c.Lifecycle.PendingDistributionTimeout.Duration,
		InProgress:          c.Lifecycle.InProgressTimeout.Duration,
		PendingReview:       c.Lifecycle.PendingReviewTimeout.Duration,
	}
}

// ConsumerConfig returns the inbound consumer settings.
func (c *Config) ConsumerConfig() queue.Config {
	return queue.Config{
		Workers:      c.Queue.Workers,
		MaxAttempts:  c.Queue.MaxAttempts,
		PollInterval: c.Queue.PollInterval.Duration,
		StaleAfter:   c.Queue.StaleAfter.Duration,
		BaseBackoff:  c.Queue.BaseBackoff.Duration,
		MaxBackoff:   c.Queue.MaxBackoff.Duration,
	}
}

// RedisLock returns the Redis lock settings.
func (c *Config) RedisLock() lock.RedisConfig {
	return lock.RedisConfig{
		Addr:     c.Lock.RedisAddr,
		Password: c.Lock.RedisPassword,
		DB:       c.Lock.RedisDB,
		TTL:      c.Lock.TTL.Duration,
		Wait:     c.Lock.Wait.Duration,
	}
}

// TelemetrySettings returns the OpenTelemetry settings.
func (c *Config) TelemetrySettings() telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		MetricInterval: c.Telemetry.MetricInterval.Duration,
	}
}
