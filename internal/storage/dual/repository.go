// Package dual implements the storage port over a primary and a secondary
// backend, supporting phased migrations: writes mirror to both backends,
// verify mode reads both and reports divergence, and cutover flips reads to
// the secondary. The primary is always authoritative for results.
package dual

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/storage"
)

// Repository routes operations between two backends according to the
// configured phase.
type Repository[T storage.Entity] struct {
	phase     string
	entity    string
	primary   storage.Repository[T]
	secondary storage.Repository[T]
	metrics   *Metrics
	log       *logger.Logger
}

var _ storage.Repository[storage.Entity] = (*Repository[storage.Entity])(nil)

// New creates a dual repository. secondary may be nil when the phase is
// primary_only.
func New[T storage.Entity](phase, entity string, primary, secondary storage.Repository[T], metrics *Metrics, log *logger.Logger) *Repository[T] {
	return &Repository[T]{
		phase:     phase,
		entity:    entity,
		primary:   primary,
		secondary: secondary,
		metrics:   metrics,
		log:       log,
	}
}

// WithPhase returns a view of the repository operating under a different
// phase; used for per-request backend overrides. Unknown phases fall back
// to the configured one.
func (r *Repository[T]) WithPhase(phase string) storage.Repository[T] {
	if !config.ValidStoragePhase(phase) {
		return r
	}
	view := *r
	view.phase = phase
	return &view
}

func (r *Repository[T]) writesToSecondary() bool {
	return r.secondary != nil &&
		(r.phase == config.PhaseDualWrite || r.phase == config.PhaseDualReadVerify)
}

// reader returns the backend answering reads in non-verify phases.
func (r *Repository[T]) reader() storage.Repository[T] {
	if r.phase == config.PhaseSecondaryOnly {
		return r.secondary
	}
	return r.primary
}

// writer returns the authoritative backend for writes.
func (r *Repository[T]) writer() storage.Repository[T] {
	if r.phase == config.PhaseSecondaryOnly {
		return r.secondary
	}
	return r.primary
}

func (r *Repository[T]) verifying() bool {
	return r.phase == config.PhaseDualReadVerify && r.secondary != nil
}

// cloneEntity deep-copies an entity through JSON so the secondary write
// cannot mutate the result handed back to the caller.
func cloneEntity[T storage.Entity](item T) (T, error) {
	var zero T
	data, err := json.Marshal(item)
	if err != nil {
		return zero, err
	}
	out := reflect.New(reflect.TypeOf(item).Elem()).Interface().(T)
	if err := json.Unmarshal(data, out); err != nil {
		return zero, err
	}
	return out, nil
}

// contentEqual compares two entities by their observable content, ignoring
// timestamps, which legitimately differ between backends.
func contentEqual[T storage.Entity](a, b T) bool {
	docA, errA := asComparable(a)
	docB, errB := asComparable(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(docA, docB)
}

func asComparable[T storage.Entity](item T) (map[string]any, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	delete(doc, "created_at")
	delete(doc, "updated_at")
	return doc, nil
}

func isNilEntity[T storage.Entity](item T) bool {
	v := reflect.ValueOf(item)
	return !v.IsValid() || v.IsNil()
}

// mirrorWrite runs a best-effort write against the secondary. Failures are
// logged and counted, never surfaced.
func (r *Repository[T]) mirrorWrite(ctx context.Context, op string, fn func() error) {
	if err := fn(); err != nil {
		r.metrics.recordSecondaryFailure(ctx, r.entity, op)
		r.log.Warn("secondary write failed",
			zap.String("entity", r.entity),
			zap.String("op", op),
			zap.Error(err),
		)
	}
}

// compareSingle records the comparison outcome for one entity read. A side
// failing with anything but NotFound contributes null to the comparison and
// its own mismatch reason.
func (r *Repository[T]) compareSingle(ctx context.Context, op string, primary T, primaryErr error, secondary T, secondaryErr error) {
	if r.recordFailedSides(ctx, op, primaryErr, secondaryErr) {
		return
	}
	primaryMissing := errors.Is(primaryErr, storage.ErrNotFound) || (primaryErr == nil && isNilEntity(primary))
	secondaryMissing := errors.Is(secondaryErr, storage.ErrNotFound) || (secondaryErr == nil && isNilEntity(secondary))

	switch {
	case primaryMissing && secondaryMissing:
		r.metrics.recordMatch(ctx, r.entity, op)
	case primaryMissing:
		r.metrics.recordMismatch(ctx, r.entity, op, ReasonMissingPrimary)
	case secondaryMissing:
		r.metrics.recordMismatch(ctx, r.entity, op, ReasonMissingSecondary)
	case contentEqual(primary, secondary):
		r.metrics.recordMatch(ctx, r.entity, op)
	default:
		r.metrics.recordMismatch(ctx, r.entity, op, ReasonContent)
	}
}

// compareLists records the comparison outcome for one list read. Lists are
// verified by count only; when counts diverge, the absolute difference is
// recorded as a gauge.
func (r *Repository[T]) compareLists(ctx context.Context, op string, primary []T, primaryErr error, secondary []T, secondaryErr error) {
	if r.recordFailedSides(ctx, op, primaryErr, secondaryErr) {
		return
	}
	if len(primary) != len(secondary) {
		diff := int64(len(primary) - len(secondary))
		if diff < 0 {
			diff = -diff
		}
		r.metrics.recordListCountMismatch(ctx, r.entity, op, diff)
		return
	}
	r.metrics.recordMatch(ctx, r.entity, op)
}

// recordFailedSides reports true when either side failed outright, after
// counting each failing side under its own reason. NotFound is an outcome,
// not a failure.
func (r *Repository[T]) recordFailedSides(ctx context.Context, op string, primaryErr, secondaryErr error) bool {
	primaryFailed := primaryErr != nil && !errors.Is(primaryErr, storage.ErrNotFound)
	secondaryFailed := secondaryErr != nil && !errors.Is(secondaryErr, storage.ErrNotFound)
	if primaryFailed {
		r.metrics.recordMismatch(ctx, r.entity, op, ReasonErrorPrimary)
	}
	if secondaryFailed {
		r.metrics.recordMismatch(ctx, r.entity, op, ReasonErrorSecondary)
	}
	return primaryFailed || secondaryFailed
}

// verifyRead runs the read on both backends in parallel, records the
// comparison, and returns the primary result.
func verifyRead[T storage.Entity, R any](
	ctx context.Context,
	read func(repo storage.Repository[T]) (R, error),
	primary, secondary storage.Repository[T],
	record func(primaryRes R, primaryErr error, secondaryRes R, secondaryErr error),
) (R, error) {
	var primaryRes, secondaryRes R
	var primaryErr, secondaryErr error

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		primaryRes, primaryErr = read(primary)
		return nil
	})
	g.Go(func() error {
		secondaryRes, secondaryErr = read(secondary)
		return nil
	})
	_ = g.Wait()

	record(primaryRes, primaryErr, secondaryRes, secondaryErr)
	return primaryRes, primaryErr
}

// Create writes to the authoritative backend and mirrors the row, with the
// primary-assigned id, to the secondary in dual phases.
func (r *Repository[T]) Create(ctx context.Context, item T) (T, error) {
	created, err := r.writer().Create(ctx, item)
	if err != nil {
		return created, err
	}
	if r.writesToSecondary() {
		mirror, cloneErr := cloneEntity(created)
		if cloneErr != nil {
			r.metrics.recordSecondaryFailure(ctx, r.entity, "create")
			return created, nil
		}
		r.mirrorWrite(ctx, "create", func() error {
			_, err := r.secondary.Create(ctx, mirror)
			return err
		})
	}
	return created, nil
}

// BatchCreate mirrors the whole batch after the authoritative write.
func (r *Repository[T]) BatchCreate(ctx context.Context, items []T) ([]T, error) {
	created, err := r.writer().BatchCreate(ctx, items)
	if err != nil {
		return nil, err
	}
	if r.writesToSecondary() {
		mirrors := make([]T, 0, len(created))
		for _, item := range created {
			mirror, cloneErr := cloneEntity(item)
			if cloneErr != nil {
				r.metrics.recordSecondaryFailure(ctx, r.entity, "batch create")
				return created, nil
			}
			mirrors = append(mirrors, mirror)
		}
		r.mirrorWrite(ctx, "batch create", func() error {
			_, err := r.secondary.BatchCreate(ctx, mirrors)
			return err
		})
	}
	return created, nil
}

// Get reads from the active backend; verify mode reads both and reports
// divergence.
func (r *Repository[T]) Get(ctx context.Context, sel storage.Selector) (T, error) {
	if !r.verifying() {
		return r.reader().Get(ctx, sel)
	}
	return verifyRead(ctx,
		func(repo storage.Repository[T]) (T, error) { return repo.Get(ctx, sel) },
		r.primary, r.secondary,
		func(p T, pErr error, s T, sErr error) { r.compareSingle(ctx, "get", p, pErr, s, sErr) },
	)
}

func (r *Repository[T]) GetByField(ctx context.Context, field string, value any) (T, error) {
	if !r.verifying() {
		return r.reader().GetByField(ctx, field, value)
	}
	return verifyRead(ctx,
		func(repo storage.Repository[T]) (T, error) { return repo.GetByField(ctx, field, value) },
		r.primary, r.secondary,
		func(p T, pErr error, s T, sErr error) { r.compareSingle(ctx, "get_by_field", p, pErr, s, sErr) },
	)
}

func (r *Repository[T]) FindByField(ctx context.Context, field string, value any, opts storage.FindOptions) ([]T, error) {
	if !r.verifying() {
		return r.reader().FindByField(ctx, field, value, opts)
	}
	return verifyRead(ctx,
		func(repo storage.Repository[T]) ([]T, error) { return repo.FindByField(ctx, field, value, opts) },
		r.primary, r.secondary,
		func(p []T, pErr error, s []T, sErr error) { r.compareLists(ctx, "find", p, pErr, s, sErr) },
	)
}

func (r *Repository[T]) FindByFieldWithCursor(ctx context.Context, field string, value any, opts storage.CursorOptions) ([]T, error) {
	if !r.verifying() {
		return r.reader().FindByFieldWithCursor(ctx, field, value, opts)
	}
	return verifyRead(ctx,
		func(repo storage.Repository[T]) ([]T, error) {
			return repo.FindByFieldWithCursor(ctx, field, value, opts)
		},
		r.primary, r.secondary,
		func(p []T, pErr error, s []T, sErr error) { r.compareLists(ctx, "find_with_cursor", p, pErr, s, sErr) },
	)
}

func (r *Repository[T]) List(ctx context.Context, opts storage.ListOptions) ([]T, error) {
	if !r.verifying() {
		return r.reader().List(ctx, opts)
	}
	return verifyRead(ctx,
		func(repo storage.Repository[T]) ([]T, error) { return repo.List(ctx, opts) },
		r.primary, r.secondary,
		func(p []T, pErr error, s []T, sErr error) { r.compareLists(ctx, "list", p, pErr, s, sErr) },
	)
}

// Update writes to the authoritative backend and mirrors in dual phases.
func (r *Repository[T]) Update(ctx context.Context, item T) (T, error) {
	updated, err := r.writer().Update(ctx, item)
	if err != nil {
		return updated, err
	}
	if r.writesToSecondary() {
		mirror, cloneErr := cloneEntity(updated)
		if cloneErr != nil {
			r.metrics.recordSecondaryFailure(ctx, r.entity, "update")
			return updated, nil
		}
		r.mirrorWrite(ctx, "update", func() error {
			_, err := r.secondary.Update(ctx, mirror)
			return err
		})
	}
	return updated, nil
}

func (r *Repository[T]) BatchUpdate(ctx context.Context, items []T) ([]T, error) {
	updated, err := r.writer().BatchUpdate(ctx, items)
	if err != nil {
		return nil, err
	}
	if r.writesToSecondary() {
		mirrors := make([]T, 0, len(updated))
		for _, item := range updated {
			mirror, cloneErr := cloneEntity(item)
			if cloneErr != nil {
				r.metrics.recordSecondaryFailure(ctx, r.entity, "batch update")
				return updated, nil
			}
			mirrors = append(mirrors, mirror)
		}
		r.mirrorWrite(ctx, "batch update", func() error {
			_, err := r.secondary.BatchUpdate(ctx, mirrors)
			return err
		})
	}
	return updated, nil
}

func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	if err := r.writer().Delete(ctx, id); err != nil {
		return err
	}
	if r.writesToSecondary() {
		r.mirrorWrite(ctx, "delete", func() error {
			return r.secondary.Delete(ctx, id)
		})
	}
	return nil
}

func (r *Repository[T]) BatchDelete(ctx context.Context, ids []string) error {
	if err := r.writer().BatchDelete(ctx, ids); err != nil {
		return err
	}
	if r.writesToSecondary() {
		r.mirrorWrite(ctx, "batch delete", func() error {
			return r.secondary.BatchDelete(ctx, ids)
		})
	}
	return nil
}

// DeleteByField returns the authoritative backend's count; the secondary
// count may differ and is discarded.
func (r *Repository[T]) DeleteByField(ctx context.Context, field string, value any) (int64, error) {
	count, err := r.writer().DeleteByField(ctx, field, value)
	if err != nil {
		return count, err
	}
	if r.writesToSecondary() {
		r.mirrorWrite(ctx, "delete by field", func() error {
			_, err := r.secondary.DeleteByField(ctx, field, value)
			return err
		})
	}
	return count, nil
}
