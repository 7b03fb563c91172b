package dual

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Divergence reasons recorded on the mismatch counter.
const (
	ReasonMissingPrimary   = "missing_primary"
	ReasonMissingSecondary = "missing_secondary"
	ReasonContent          = "content"
	ReasonErrorPrimary     = "error_primary"
	ReasonErrorSecondary   = "error_secondary"
)

// Metrics counts verify-mode comparison outcomes and best-effort secondary
// write failures. Comparison instruments carry entity and operation
// attributes so divergence can be traced to a specific read path.
type Metrics struct {
	matches           metric.Int64Counter
	mismatches        metric.Int64Counter
	listCountMismatch metric.Int64Counter
	listCountDiff     metric.Int64Gauge
	secondaryFailures metric.Int64Counter
}

// NewMetrics registers the dual-storage instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	matches, err := meter.Int64Counter("storage.dual.verify.match",
		metric.WithDescription("Read comparisons where both backends agreed"))
	if err != nil {
		return nil, err
	}
	mismatches, err := meter.Int64Counter("storage.dual.verify.mismatch",
		metric.WithDescription("Read comparisons where the backends diverged"))
	if err != nil {
		return nil, err
	}
	listCount, err := meter.Int64Counter("storage.dual.verify.list_count_mismatch",
		metric.WithDescription("List reads returning different row counts"))
	if err != nil {
		return nil, err
	}
	listDiff, err := meter.Int64Gauge("storage.dual.verify.list_count_diff",
		metric.WithDescription("Absolute row-count difference on diverging list reads"))
	if err != nil {
		return nil, err
	}
	secondaryFailures, err := meter.Int64Counter("storage.dual.secondary.failure",
		metric.WithDescription("Best-effort secondary writes that failed"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		matches:           matches,
		mismatches:        mismatches,
		listCountMismatch: listCount,
		listCountDiff:     listDiff,
		secondaryFailures: secondaryFailures,
	}, nil
}

func compareAttrs(entity, op string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", op),
	)
}

func (m *Metrics) recordMatch(ctx context.Context, entity, op string) {
	if m == nil {
		return
	}
	m.matches.Add(ctx, 1, compareAttrs(entity, op))
}

func (m *Metrics) recordMismatch(ctx context.Context, entity, op, reason string) {
	if m == nil {
		return
	}
	m.mismatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", op),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) recordListCountMismatch(ctx context.Context, entity, op string, diff int64) {
	if m == nil {
		return
	}
	m.listCountMismatch.Add(ctx, 1, compareAttrs(entity, op))
	m.listCountDiff.Record(ctx, diff, compareAttrs(entity, op))
}

func (m *Metrics) recordSecondaryFailure(ctx context.Context, entity, op string) {
	if m == nil {
		return
	}
	m.secondaryFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("op", op),
	))
}
