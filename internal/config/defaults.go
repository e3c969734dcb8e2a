package config

import "time"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			URL:      DefaultDatabaseURL,
			MaxConns: 10,
			MinConns: 2,
		},
		Queue: QueueConfig{
			Workers:      4,
			MaxAttempts:  8,
			PollInterval: Duration{5 * time.Second},
			StaleAfter:   Duration{10 * time.Minute},
			BaseBackoff:  Duration{time.Second},
			MaxBackoff:   Duration{5 * time.Minute},
			Listen:       true,
		},
		Lock: LockConfig{
			Backend: LockMemory,
			TTL:     Duration{30 * time.Second},
			Wait:    Duration{10 * time.Second},
		},
		Fraud: FraudConfig{
			Sensitivity:  "medium",
			HistoryLimit: 50,
		},
		Consensus: ConsensusConfig{
			Threshold:          2.0 / 3.0,
			MajorityReputation: 1,
			MinorityPenalty:    1,
			FraudPenalty:       5,
			PartialReward:      0.5,
		},
		Lifecycle: LifecycleConfig{
			PendingDistributionTimeout: Duration{5 * time.Minute},
			InProgressTimeout:          Duration{24 * time.Hour},
			PendingReviewTimeout:       Duration{15 * time.Minute},
			Retention:                  Duration{7 * 24 * time.Hour},
		},
		Telemetry: TelemetryConfig{
			MetricInterval: Duration{time.Minute},
		},
		Sweep: SweepConfig{
			Interval: Duration{time.Minute},
			Batch:    1000,
			LockFile: DefaultSweepLockFile,
		},
	}
}
