package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mtlprog/crowdcheck/internal/domain"
)

// Tracer returns the tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Recorder holds the coordinator's instruments.
type Recorder struct {
	messages       metric.Int64Counter
	consensus      metric.Int64Counter
	agreement      metric.Float64Histogram
	fraud          metric.Int64Counter
	expirations    metric.Int64Counter
	dispatchMillis metric.Float64Histogram
}

// NewRecorder creates the instruments on the given provider. A nil provider
// means the global one.
func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	var (
		r   Recorder
		err error
	)
	if r.messages, err = meter.Int64Counter("crowdcheck.messages.processed",
		metric.WithDescription("Inbound messages handled, by type and outcome"),
		metric.WithUnit("{message}")); err != nil {
		return nil, fmt.Errorf("create messages counter: %w", err)
	}
	if r.consensus, err = meter.Int64Counter("crowdcheck.consensus.decisions",
		metric.WithDescription("Consensus decisions, by whether agreement was reached"),
		metric.WithUnit("{decision}")); err != nil {
		return nil, fmt.Errorf("create consensus counter: %w", err)
	}
	if r.agreement, err = meter.Float64Histogram("crowdcheck.consensus.agreement_ratio",
		metric.WithDescription("Agreement ratio of decided rounds"),
		metric.WithExplicitBucketBoundaries(0.25, 0.5, 0.6, 2.0/3.0, 0.75, 0.9, 1)); err != nil {
		return nil, fmt.Errorf("create agreement histogram: %w", err)
	}
	if r.fraud, err = meter.Int64Counter("crowdcheck.fraud.activities",
		metric.WithDescription("Suspicious activities found, by type and severity"),
		metric.WithUnit("{activity}")); err != nil {
		return nil, fmt.Errorf("create fraud counter: %w", err)
	}
	if r.expirations, err = meter.Int64Counter("crowdcheck.tasks.expired",
		metric.WithDescription("Tasks moved to EXPIRED, by reason"),
		metric.WithUnit("{task}")); err != nil {
		return nil, fmt.Errorf("create expirations counter: %w", err)
	}
	if r.dispatchMillis, err = meter.Float64Histogram("crowdcheck.messages.duration",
		metric.WithDescription("Time spent handling one inbound message"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &r, nil
}

// MessageProcessed counts one handled message.
func (r *Recorder) MessageProcessed(ctx context.Context, msgType domain.MessageType, outcome string, millis float64) {
	attrs := metric.WithAttributes(
		attribute.String("type", string(msgType)),
		attribute.String("outcome", outcome),
	)
	r.messages.Add(ctx, 1, attrs)
	r.dispatchMillis.Record(ctx, millis, attrs)
}

// ConsensusDecided counts one consensus decision.
func (r *Recorder) ConsensusDecided(ctx context.Context, result *domain.ConsensusResult) {
	r.consensus.Add(ctx, 1, metric.WithAttributes(attribute.Bool("reached", result.Reached)))
	r.agreement.Record(ctx, result.AgreementRatio)
}

// FraudDetected counts the activities of one analysis.
func (r *Recorder) FraudDetected(ctx context.Context, result *domain.FraudDetectionResult) {
	for _, a := range result.SuspiciousActivities {
		r.fraud.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(a.Type)),
			attribute.String("severity", string(a.Severity)),
		))
	}
}

// TaskExpired counts one expiration.
func (r *Recorder) TaskExpired(ctx context.Context, reason string) {
	r.expirations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
