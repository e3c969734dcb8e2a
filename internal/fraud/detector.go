// Package fraud scores a batch of worker submissions for speed anomalies,
// repeated answers, cross-worker collusion and automated timing.
//
// A Detector holds only its thresholds. Every grouping it builds lives for the
// duration of a single call, so one Detector is safe for concurrent use.
package fraud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// Detector runs the fraud checks.
type Detector struct {
	thresholds Thresholds
	now        func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock replaces the clock used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// NewDetector creates a Detector after validating the thresholds.
func NewDetector(thresholds Thresholds, opts ...Option) (*Detector, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fraud thresholds: %w", err)
	}
	d := &Detector{
		thresholds: thresholds,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Thresholds returns the detector configuration.
func (d *Detector) Thresholds() Thresholds {
	return d.thresholds
}

// sample is a validated submission with its serialized result.
type sample struct {
	sub     domain.WorkerSubmission
	payload string
	spent   time.Duration
}

// AnalyzeSubmissions scores one batch. Malformed submissions fail the whole
// call; the caller decides whether to drop them and run again.
func (d *Detector) AnalyzeSubmissions(submissions []domain.WorkerSubmission) (*domain.FraudDetectionResult, error) {
	samples, err := d.prepare(submissions)
	if err != nil {
		return nil, err
	}

	activities := d.analyzeBatch(samples)
	result := d.newResult(activities)
	for _, s := range samples {
		if _, ok := result.WorkerBehavior[s.sub.WorkerID]; ok {
			continue
		}
		result.WorkerBehavior[s.sub.WorkerID] = domain.WorkerBehavior{
			RiskScore: riskScore(activities, s.sub.WorkerID),
			Patterns:  []domain.ActivityType{},
		}
	}
	return result, nil
}

// AnalyzeWithHistory scores the batch and then scans each worker's earlier
// submissions together with the batch. History findings only show up in
// WorkerBehavior as patterns and added risk. They never become activities,
// so they cannot exclude a worker from consensus on their own.
func (d *Detector) AnalyzeWithHistory(
	submissions []domain.WorkerSubmission,
	history map[string][]domain.WorkerSubmission,
) (*domain.FraudDetectionResult, error) {
	samples, err := d.prepare(submissions)
	if err != nil {
		return nil, err
	}

	activities := d.analyzeBatch(samples)
	batchIDs := make(map[string]bool, len(samples))
	for _, s := range samples {
		batchIDs[s.sub.SubmissionID] = true
	}

	historyPatterns := make(map[string][]domain.ActivityType)
	for _, workerID := range workerOrder(samples) {
		past := history[workerID]
		if len(past) == 0 {
			continue
		}
		pastSamples, err := d.prepareHistory(past, batchIDs)
		if err != nil {
			return nil, err
		}
		if len(pastSamples) == 0 {
			continue
		}

		var combined []sample
		combined = append(combined, pastSamples...)
		for _, s := range samples {
			if s.sub.WorkerID == workerID {
				combined = append(combined, s)
			}
		}
		sortChronological(combined)

		for _, run := range d.repetitionRuns(combined) {
			// Runs confined to the batch were already reported above.
			if !run.touches(batchIDs) || run.within(batchIDs) {
				continue
			}
			// Runs of short verdicts are not a pattern.
			if run.longest < d.thresholds.MinCollusionPayloadLen {
				continue
			}
			historyPatterns[workerID] = appendPattern(historyPatterns[workerID], domain.ActivityPatternRepetition)
		}
		if d.tooFastShare(pastSamples) >= 0.5 {
			historyPatterns[workerID] = appendPattern(historyPatterns[workerID], domain.ActivitySpeedAnomaly)
		}
	}

	result := d.newResult(activities)
	for _, workerID := range workerOrder(samples) {
		patterns := historyPatterns[workerID]
		if patterns == nil {
			patterns = []domain.ActivityType{}
		}
		score := riskScore(activities, workerID)
		if len(patterns) > 0 {
			score = min(1, score+historyWeight*float64(len(patterns)))
		}
		result.WorkerBehavior[workerID] = domain.WorkerBehavior{RiskScore: score, Patterns: patterns}
	}
	return result, nil
}

// historyWeight is the risk added per behavioural pattern found in history.
const historyWeight = 0.25

func (d *Detector) analyzeBatch(samples []sample) []domain.SuspiciousActivity {
	var activities []domain.SuspiciousActivity
	activities = append(activities, d.checkSpeed(samples)...)
	activities = append(activities, d.checkRepetition(samples)...)
	activities = append(activities, d.checkCollusion(samples)...)
	if a, ok := d.checkAutomation(samples); ok {
		activities = append(activities, a)
	}
	return activities
}

func (d *Detector) newResult(activities []domain.SuspiciousActivity) *domain.FraudDetectionResult {
	if activities == nil {
		activities = []domain.SuspiciousActivity{}
	}
	return &domain.FraudDetectionResult{
		HasSuspiciousActivity: len(activities) > 0,
		SuspiciousActivities:  activities,
		RiskLevel:             AggregateRisk(activities),
		WorkerBehavior:        make(map[string]domain.WorkerBehavior),
		Timestamp:             d.now(),
	}
}

func (d *Detector) prepare(submissions []domain.WorkerSubmission) ([]sample, error) {
	if len(submissions) > d.thresholds.MaxBatchSize {
		return nil, &domain.ValidationError{
			Field:  "submissions",
			Reason: fmt.Sprintf("batch of %d exceeds limit %d", len(submissions), d.thresholds.MaxBatchSize),
		}
	}
	samples := make([]sample, 0, len(submissions))
	for _, sub := range submissions {
		s, err := toSample(sub)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// prepareHistory validates past submissions, dropping those already in the batch.
func (d *Detector) prepareHistory(past []domain.WorkerSubmission, skip map[string]bool) ([]sample, error) {
	if len(past) > d.thresholds.MaxBatchSize {
		past = past[len(past)-d.thresholds.MaxBatchSize:]
	}
	samples := make([]sample, 0, len(past))
	for _, sub := range past {
		if skip[sub.SubmissionID] {
			continue
		}
		s, err := toSample(sub)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func toSample(sub domain.WorkerSubmission) (sample, error) {
	raw := bytes.TrimSpace(sub.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return sample{}, &domain.ValidationError{
			Field:  "result",
			Reason: fmt.Sprintf("submission %s: %s", sub.SubmissionID, domain.ErrMissingResult),
			Err:    domain.ErrMissingResult,
		}
	}
	spent := sub.TimeSpent()
	if spent < 0 {
		return sample{}, &domain.ValidationError{
			Field:  "completedAt",
			Reason: fmt.Sprintf("submission %s: %s", sub.SubmissionID, domain.ErrNegativeTimeSpent),
			Err:    domain.ErrNegativeTimeSpent,
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return sample{}, &domain.FraudDetectionError{
			SubmissionID: sub.SubmissionID,
			Stage:        "decode",
			Err:          fmt.Errorf("%w: %v", domain.ErrMalformedResult, err),
		}
	}
	return sample{sub: sub, payload: buf.String(), spent: spent}, nil
}

// workerOrder returns the distinct workers in first-appearance order.
func workerOrder(samples []sample) []string {
	seen := make(map[string]bool)
	var order []string
	for _, s := range samples {
		if !seen[s.sub.WorkerID] {
			seen[s.sub.WorkerID] = true
			order = append(order, s.sub.WorkerID)
		}
	}
	return order
}

func sortChronological(samples []sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		a, b := samples[i].sub, samples[j].sub
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.Before(b.CompletedAt)
		}
		return a.SubmissionID < b.SubmissionID
	})
}

func appendPattern(patterns []domain.ActivityType, p domain.ActivityType) []domain.ActivityType {
	for _, existing := range patterns {
		if existing == p {
			return patterns
		}
	}
	return append(patterns, p)
}
