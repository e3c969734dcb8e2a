package fraud

import (
	"fmt"
	"sort"
	"time"

	"github.com/mtlprog/crowdcheck/internal/domain"
	"github.com/mtlprog/crowdcheck/internal/similarity"
)

func (d *Detector) checkSpeed(samples []sample) []domain.SuspiciousActivity {
	var out []domain.SuspiciousActivity
	for _, s := range samples {
		switch {
		case s.spent < d.thresholds.MinTime:
			out = append(out, domain.SuspiciousActivity{
				Type:        domain.ActivitySpeedAnomaly,
				Description: fmt.Sprintf("submission completed in %s, below minimum %s", s.spent, d.thresholds.MinTime),
				Evidence: domain.SpeedEvidence{
					TimeSpentMs: s.spent.Milliseconds(),
					LimitMs:     d.thresholds.MinTime.Milliseconds(),
					Direction:   "too_fast",
				},
				Severity:      domain.SeverityMedium,
				WorkerIDs:     []string{s.sub.WorkerID},
				SubmissionIDs: []string{s.sub.SubmissionID},
			})
		case s.spent > d.thresholds.MaxTime:
			out = append(out, domain.SuspiciousActivity{
				Type:        domain.ActivitySpeedAnomaly,
				Description: fmt.Sprintf("submission took %s, above maximum %s", s.spent, d.thresholds.MaxTime),
				Evidence: domain.SpeedEvidence{
					TimeSpentMs: s.spent.Milliseconds(),
					LimitMs:     d.thresholds.MaxTime.Milliseconds(),
					Direction:   "too_slow",
				},
				Severity:      domain.SeverityLow,
				WorkerIDs:     []string{s.sub.WorkerID},
				SubmissionIDs: []string{s.sub.SubmissionID},
			})
		}
	}
	return out
}

// tooFastShare returns the fraction of samples below the minimum time.
func (d *Detector) tooFastShare(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var fast int
	for _, s := range samples {
		if s.spent < d.thresholds.MinTime {
			fast++
		}
	}
	return float64(fast) / float64(len(samples))
}

// repetitionRun is a maximal run of consecutive similar submissions.
type repetitionRun struct {
	submissions  []string
	similarities []float64
	total        int
	longest      int
}

func (r repetitionRun) touches(ids map[string]bool) bool {
	for _, id := range r.submissions {
		if ids[id] {
			return true
		}
	}
	return false
}

func (r repetitionRun) within(ids map[string]bool) bool {
	for _, id := range r.submissions {
		if !ids[id] {
			return false
		}
	}
	return true
}

func (r repetitionRun) activity(workerID, scope string) domain.SuspiciousActivity {
	confidence := float64(len(r.submissions)) / float64(r.total)
	return domain.SuspiciousActivity{
		Type: domain.ActivityPatternRepetition,
		Description: fmt.Sprintf("worker %s submitted %d near-identical results in a row %s",
			workerID, len(r.submissions), scope),
		Evidence: domain.RepetitionEvidence{
			RunLength:        len(r.submissions),
			TotalSubmissions: r.total,
			Confidence:       confidence,
			Similarities:     r.similarities,
		},
		Severity:      domain.SeverityHigh,
		WorkerIDs:     []string{workerID},
		SubmissionIDs: r.submissions,
	}
}

// repetitionRuns walks one worker's chronologically ordered samples and
// returns every run of at least MaxConsecutiveSimilar similar consecutive pairs.
func (d *Detector) repetitionRuns(ordered []sample) []repetitionRun {
	var (
		runs  []repetitionRun
		start int
		sims  []float64
	)
	flush := func(end int) {
		if len(sims) >= d.thresholds.MaxConsecutiveSimilar {
			ids := make([]string, 0, end-start+1)
			longest := 0
			for _, s := range ordered[start : end+1] {
				ids = append(ids, s.sub.SubmissionID)
				longest = max(longest, len(s.payload))
			}
			runs = append(runs, repetitionRun{
				submissions:  ids,
				similarities: append([]float64(nil), sims...),
				total:        len(ordered),
				longest:      longest,
			})
		}
	}

	for i := 1; i < len(ordered); i++ {
		sim := similarity.Ratio(ordered[i-1].payload, ordered[i].payload)
		if sim > d.thresholds.SimilarityThreshold {
			if len(sims) == 0 {
				start = i - 1
			}
			sims = append(sims, sim)
			continue
		}
		flush(i - 1)
		sims = sims[:0]
	}
	flush(len(ordered) - 1)
	return runs
}

func (d *Detector) checkRepetition(samples []sample) []domain.SuspiciousActivity {
	byWorker := make(map[string][]sample)
	for _, s := range samples {
		byWorker[s.sub.WorkerID] = append(byWorker[s.sub.WorkerID], s)
	}

	var out []domain.SuspiciousActivity
	for _, workerID := range workerOrder(samples) {
		ordered := byWorker[workerID]
		if len(ordered) < 2 {
			continue
		}
		sortChronological(ordered)
		for _, run := range d.repetitionRuns(ordered) {
			out = append(out, run.activity(workerID, "within the batch"))
		}
	}
	return out
}

func (d *Detector) checkCollusion(samples []sample) []domain.SuspiciousActivity {
	byWorker := make(map[string][]sample)
	for _, s := range samples {
		byWorker[s.sub.WorkerID] = append(byWorker[s.sub.WorkerID], s)
	}
	workers := make([]string, 0, len(byWorker))
	for id := range byWorker {
		workers = append(workers, id)
	}
	sort.Strings(workers)

	var out []domain.SuspiciousActivity
	for i := 0; i < len(workers); i++ {
		for j := i + 1; j < len(workers); j++ {
			a, b := workers[i], workers[j]
			mean, pairs := d.meanSimilarity(byWorker[a], byWorker[b])
			if pairs == 0 || mean <= d.thresholds.SimilarityThreshold {
				continue
			}
			var ids []string
			for _, s := range byWorker[a] {
				ids = append(ids, s.sub.SubmissionID)
			}
			for _, s := range byWorker[b] {
				ids = append(ids, s.sub.SubmissionID)
			}
			out = append(out, domain.SuspiciousActivity{
				Type:        domain.ActivityWorkerCollusion,
				Description: fmt.Sprintf("workers %s and %s submitted results with mean similarity %.3f", a, b, mean),
				Evidence: domain.CollusionEvidence{
					WorkerA:    a,
					WorkerB:    b,
					Similarity: mean,
					Pairs:      pairs,
				},
				Severity:      domain.SeverityHigh,
				WorkerIDs:     []string{a, b},
				SubmissionIDs: ids,
			})
		}
	}
	return out
}

// meanSimilarity averages similarity over the Cartesian product of two
// workers' results, skipping pairs where both payloads are short.
func (d *Detector) meanSimilarity(as, bs []sample) (float64, int) {
	var (
		sum   float64
		pairs int
	)
	for _, a := range as {
		for _, b := range bs {
			if len(a.payload) < d.thresholds.MinCollusionPayloadLen &&
				len(b.payload) < d.thresholds.MinCollusionPayloadLen {
				continue
			}
			sum += similarity.Ratio(a.payload, b.payload)
			pairs++
		}
	}
	if pairs == 0 {
		return 0, 0
	}
	return sum / float64(pairs), pairs
}

func (d *Detector) checkAutomation(samples []sample) (domain.SuspiciousActivity, bool) {
	spent := make([]float64, len(samples))
	for i, s := range samples {
		spent[i] = float64(s.spent.Milliseconds())
	}
	disp, ok := similarity.CoefficientOfVariation(spent)
	if !ok || disp.CoefficientOfVariation >= d.thresholds.AutomationCVCutoff {
		return domain.SuspiciousActivity{}, false
	}

	ids := make([]string, len(samples))
	for i, s := range samples {
		ids[i] = s.sub.SubmissionID
	}
	return domain.SuspiciousActivity{
		Type: domain.ActivityAutomatedSubmission,
		Description: fmt.Sprintf("submission timing is too uniform: mean %s, coefficient of variation %.3f",
			time.Duration(disp.Mean)*time.Millisecond, disp.CoefficientOfVariation),
		Evidence: domain.AutomationEvidence{
			MeanMs:                 disp.Mean,
			StdDevMs:               disp.StdDev,
			CoefficientOfVariation: disp.CoefficientOfVariation,
			SampleSize:             disp.N,
		},
		Severity:      domain.SeverityMedium,
		WorkerIDs:     workerOrder(samples),
		SubmissionIDs: ids,
	}, true
}

// AggregateRisk averages severity scores: >= 2.5 is HIGH, >= 1.5 is MEDIUM.
func AggregateRisk(activities []domain.SuspiciousActivity) domain.RiskLevel {
	if len(activities) == 0 {
		return domain.RiskLow
	}
	var total int
	for _, a := range activities {
		total += a.Severity.Score()
	}
	avg := float64(total) / float64(len(activities))
	switch {
	case avg >= 2.5:
		return domain.RiskHigh
	case avg >= 1.5:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// riskScore sums the severity of activities naming the worker, capped at 1.
// One HIGH activity alone is enough to reach 1.
func riskScore(activities []domain.SuspiciousActivity, workerID string) float64 {
	var score float64
	for _, a := range activities {
		if a.Implicates(workerID) {
			score += float64(a.Severity.Score()) / 3
		}
	}
	return min(1, score)
}
