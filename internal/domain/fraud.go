package domain

import "time"

// ActivityType classifies a fraud signal.
type ActivityType string

const (
	ActivitySpeedAnomaly        ActivityType = "SPEED_ANOMALY"
	ActivityPatternRepetition   ActivityType = "PATTERN_REPETITION"
	ActivityWorkerCollusion     ActivityType = "WORKER_COLLUSION"
	ActivityAutomatedSubmission ActivityType = "AUTOMATED_SUBMISSION"
)

// Severity grades a single suspicious activity.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Score maps the severity onto the 1..3 scale used for risk aggregation.
func (s Severity) Score() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// RiskLevel is the aggregate risk of an analysed batch.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// SpeedEvidence is attached to SPEED_ANOMALY activities.
type SpeedEvidence struct {
	TimeSpentMs int64  `json:"timeSpentMs"`
	LimitMs     int64  `json:"limitMs"`
	Direction   string `json:"direction"` // "too_fast" or "too_slow"
}

// RepetitionEvidence is attached to PATTERN_REPETITION activities.
type RepetitionEvidence struct {
	RunLength        int       `json:"runLength"`
	TotalSubmissions int       `json:"totalSubmissions"`
	Confidence       float64   `json:"confidence"`
	Similarities     []float64 `json:"similarities"`
}

// CollusionEvidence is attached to WORKER_COLLUSION activities.
type CollusionEvidence struct {
	WorkerA    string  `json:"workerA"`
	WorkerB    string  `json:"workerB"`
	Similarity float64 `json:"similarity"`
	Pairs      int     `json:"pairs"`
}

// AutomationEvidence is attached to AUTOMATED_SUBMISSION activities.
type AutomationEvidence struct {
	MeanMs                 float64 `json:"meanMs"`
	StdDevMs               float64 `json:"stdDevMs"`
	CoefficientOfVariation float64 `json:"coefficientOfVariation"`
	SampleSize             int     `json:"sampleSize"`
}

// SuspiciousActivity is one fraud signal produced by an analysis run.
type SuspiciousActivity struct {
	Type          ActivityType `json:"type"`
	Description   string       `json:"description"`
	Evidence      any          `json:"evidence"`
	Severity      Severity     `json:"severity"`
	WorkerIDs     []string     `json:"workerIds"`
	SubmissionIDs []string     `json:"submissionIds,omitempty"`
}

// Implicates reports whether the activity names the worker.
func (a SuspiciousActivity) Implicates(workerID string) bool {
	for _, id := range a.WorkerIDs {
		if id == workerID {
			return true
		}
	}
	return false
}

// WorkerBehavior is the per-worker part of a fraud analysis.
type WorkerBehavior struct {
	RiskScore float64        `json:"riskScore"`
	Patterns  []ActivityType `json:"patterns"`
}

// FraudDetectionResult is the outcome of analysing one submission batch.
type FraudDetectionResult struct {
	HasSuspiciousActivity bool                      `json:"hasSuspiciousActivity"`
	SuspiciousActivities  []SuspiciousActivity      `json:"suspiciousActivities"`
	RiskLevel             RiskLevel                 `json:"riskLevel"`
	WorkerBehavior        map[string]WorkerBehavior `json:"workerBehaviorAnalysis"`
	Timestamp             time.Time                 `json:"timestamp"`
}

// ExcludedWorkers returns the workers named by HIGH-severity activities.
func (r *FraudDetectionResult) ExcludedWorkers() map[string]bool {
	excluded := make(map[string]bool)
	if r == nil {
		return excluded
	}
	for _, activity := range r.SuspiciousActivities {
		if activity.Severity != SeverityHigh {
			continue
		}
		for _, id := range activity.WorkerIDs {
			excluded[id] = true
		}
	}
	return excluded
}
