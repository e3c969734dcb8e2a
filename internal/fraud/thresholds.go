package fraud

import (
	"fmt"
	"strings"
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// Thresholds configures a Detector. Values are fixed once the detector is built.
type Thresholds struct {
	// MinTime and MaxTime bound a plausible time spent on one submission.
	MinTime time.Duration
	MaxTime time.Duration
	// SimilarityThreshold is the normalized similarity above which two
	// serialized results count as the same.
	SimilarityThreshold float64
	// MaxConsecutiveSimilar is the number of consecutive similar pairs from
	// one worker that triggers PATTERN_REPETITION.
	MaxConsecutiveSimilar int
	// AutomationCVCutoff flags a batch whose timing coefficient of variation is below it.
	AutomationCVCutoff float64
	// MinCollusionPayloadLen skips collusion scoring for result pairs that are
	// both shorter than this many bytes, e.g. {"verdict":"VALID"}. History
	// repetition runs made only of such results are ignored too. Zero
	// disables both gates.
	MinCollusionPayloadLen int
	// MaxBatchSize caps how many submissions one call may analyse.
	MaxBatchSize int
}

// Sensitivity presets.
const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

// DefaultThresholds returns the medium-sensitivity thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinTime:                10 * time.Second,
		MaxTime:                time.Hour,
		SimilarityThreshold:    0.90,
		MaxConsecutiveSimilar:  3,
		AutomationCVCutoff:     0.10,
		MinCollusionPayloadLen: 64,
		MaxBatchSize:           500,
	}
}

// PresetThresholds returns the thresholds for a named sensitivity.
// An empty name selects medium.
func PresetThresholds(sensitivity string) (Thresholds, error) {
	t := DefaultThresholds()
	switch strings.ToLower(strings.TrimSpace(sensitivity)) {
	case "", SensitivityMedium:
		return t, nil
	case SensitivityLow:
		t.MinTime = 5 * time.Second
		t.MaxTime = 2 * time.Hour
		t.SimilarityThreshold = 0.95
		t.MaxConsecutiveSimilar = 5
		t.AutomationCVCutoff = 0.05
		return t, nil
	case SensitivityHigh:
		t.MinTime = 20 * time.Second
		t.MaxTime = 30 * time.Minute
		t.SimilarityThreshold = 0.85
		t.MaxConsecutiveSimilar = 2
		t.AutomationCVCutoff = 0.15
		return t, nil
	default:
		return Thresholds{}, &domain.ValidationError{
			Field:  "sensitivity",
			Reason: fmt.Sprintf("unknown sensitivity %q (expected low, medium or high)", sensitivity),
		}
	}
}

// Validate checks that the thresholds are usable.
func (t Thresholds) Validate() error {
	switch {
	case t.MinTime < 0:
		return &domain.ValidationError{Field: "min_time", Reason: "must not be negative"}
	case t.MaxTime <= t.MinTime:
		return &domain.ValidationError{Field: "max_time", Reason: "must be greater than min_time"}
	case t.SimilarityThreshold <= 0 || t.SimilarityThreshold > 1:
		return &domain.ValidationError{Field: "similarity_threshold", Reason: "must be in (0, 1]"}
	case t.MaxConsecutiveSimilar < 1:
		return &domain.ValidationError{Field: "max_consecutive_similar", Reason: "must be at least 1"}
	case t.AutomationCVCutoff < 0:
		return &domain.ValidationError{Field: "automation_cv_cutoff", Reason: "must not be negative"}
	case t.MinCollusionPayloadLen < 0:
		return &domain.ValidationError{Field: "min_collusion_payload_len", Reason: "must not be negative"}
	case t.MaxBatchSize < 1:
		return &domain.ValidationError{Field: "max_batch_size", Reason: "must be at least 1"}
	}
	return nil
}
