// Package memory provides an in-memory implementation of the storage port.
// It backs unit tests and single-process development runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/storage"
)

// Repository is a thread-safe in-memory storage.Repository. Items are
// stored as deep copies so callers can never alias repository state.
type Repository[T storage.Entity] struct {
	mu    sync.RWMutex
	items map[string]T
}

var _ storage.Repository[storage.Entity] = (*Repository[storage.Entity])(nil)

// New creates an empty in-memory repository.
func New[T storage.Entity]() *Repository[T] {
	return &Repository[T]{items: make(map[string]T)}
}

// clone deep-copies an entity through its JSON representation.
func clone[T storage.Entity](item T) (T, error) {
	var zero T
	data, err := json.Marshal(item)
	if err != nil {
		return zero, err
	}
	elem := reflect.TypeOf(item).Elem()
	out := reflect.New(elem).Interface().(T)
	if err := json.Unmarshal(data, out); err != nil {
		return zero, err
	}
	return out, nil
}

// asDocument renders an entity as a generic JSON document for field access.
func asDocument[T storage.Entity](item T) (map[string]any, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fieldValue(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func fieldMatches(doc map[string]any, path string, value any) bool {
	got, ok := fieldValue(doc, path)
	if !ok {
		return value == nil
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", value)
}

func matchesFilter[T storage.Entity](item T, f storage.Filter) (bool, error) {
	doc, err := asDocument(item)
	if err != nil {
		return false, err
	}
	for path, value := range storage.FlattenFilters(f.Fields) {
		if !fieldMatches(doc, path, value) {
			return false, nil
		}
	}
	return true, nil
}

// matchesFilterGroups applies the inclusion/exclusion algebra shared with
// the relational backend.
func matchesFilterGroups[T storage.Entity](item T, filters []storage.Filter) (bool, error) {
	var include, exclude []storage.Filter
	for _, f := range filters {
		if f.Exclude {
			exclude = append(exclude, f)
		} else {
			include = append(include, f)
		}
	}
	if len(include) > 0 {
		matched := false
		for _, f := range include {
			ok, err := matchesFilter(item, f)
			if err != nil {
				return false, err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	for _, f := range exclude {
		ok, err := matchesFilter(item, f)
		if err != nil {
			return false, err
		}
		if ok {
			return false, nil
		}
	}
	return true, nil
}

// Create stores a copy of item, populating id and timestamps.
func (r *Repository[T]) Create(ctx context.Context, item T) (T, error) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()

	if item.GetID() == "" {
		item.SetID(uuid.New().String())
	}
	if _, exists := r.items[item.GetID()]; exists {
		return zero, storage.Duplicatef("id %s already exists", item.GetID())
	}
	if named, ok := any(item).(storage.Named); ok && named.GetName() != "" {
		for _, existing := range r.items {
			if n, ok := any(existing).(storage.Named); ok && n.GetName() == named.GetName() {
				return zero, storage.Duplicatef("name %s already exists", named.GetName())
			}
		}
	}
	now := time.Now().UTC()
	item.SetCreatedAt(now)
	item.SetUpdatedAt(now)

	stored, err := clone(item)
	if err != nil {
		return zero, storage.ServiceWrap(err, "clone item")
	}
	r.items[item.GetID()] = stored
	return clone(stored)
}

// BatchCreate stores each item in order, failing on the first error.
func (r *Repository[T]) BatchCreate(ctx context.Context, items []T) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		created, err := r.Create(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

// Get returns the entity matching the selector.
func (r *Repository[T]) Get(ctx context.Context, sel storage.Selector) (T, error) {
	var zero T
	if err := storage.ValidateSelector(sel); err != nil {
		return zero, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if sel.ID != "" {
		item, ok := r.items[sel.ID]
		if !ok {
			return zero, storage.NotFoundf("id %s", sel.ID)
		}
		return clone(item)
	}
	for _, item := range r.items {
		if named, ok := any(item).(storage.Named); ok && named.GetName() == sel.Name {
			return clone(item)
		}
	}
	return zero, storage.NotFoundf("name %s", sel.Name)
}

// GetByField returns the first entity whose field equals value, or the zero
// value when nothing matches.
func (r *Repository[T]) GetByField(ctx context.Context, field string, value any) (T, error) {
	var zero T
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, item := range r.sortedLocked("", "asc") {
		doc, err := asDocument(item)
		if err != nil {
			return zero, storage.ServiceWrap(err, "encode item")
		}
		if fieldMatches(doc, field, value) {
			return clone(item)
		}
	}
	return zero, nil
}

// FindByField returns entities whose field equals value with offset
// pagination, ordered by (created_at ASC, id ASC) unless SortBy overrides.
func (r *Repository[T]) FindByField(ctx context.Context, field string, value any, opts storage.FindOptions) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched, err := r.matchFieldLocked(field, value, opts.Filters, opts.SortBy, "asc")
	if err != nil {
		return nil, err
	}
	return paginate(matched, opts.Limit, opts.PageNumber)
}

// FindByFieldWithCursor returns entities around a cursor row, sorted
// created_at DESC with id ASC tiebreaker.
func (r *Repository[T]) FindByFieldWithCursor(ctx context.Context, field string, value any, opts storage.CursorOptions) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched, err := r.matchFieldLocked(field, value, opts.Filters, "", "desc")
	if err != nil {
		return nil, err
	}

	if cursorID := firstNonEmpty(opts.AfterID, opts.BeforeID); cursorID != "" {
		if cursor, ok := r.items[cursorID]; ok {
			filtered := matched[:0]
			for _, item := range matched {
				if opts.AfterID != "" && isAfter(item, cursor) {
					filtered = append(filtered, item)
				}
				if opts.BeforeID != "" && isBefore(item, cursor) {
					filtered = append(filtered, item)
				}
			}
			matched = filtered
		}
	}

	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return cloneAll(matched)
}

// isAfter reports whether item is strictly newer than cursor under the
// (created_at DESC, id ASC) sort.
func isAfter[T storage.Entity](item, cursor T) bool {
	if item.GetCreatedAt().After(cursor.GetCreatedAt()) {
		return true
	}
	return item.GetCreatedAt().Equal(cursor.GetCreatedAt()) && item.GetID() < cursor.GetID()
}

func isBefore[T storage.Entity](item, cursor T) bool {
	if item.GetCreatedAt().Before(cursor.GetCreatedAt()) {
		return true
	}
	return item.GetCreatedAt().Equal(cursor.GetCreatedAt()) && item.GetID() > cursor.GetID()
}

// List returns entities matching the flattened filters with offset
// pagination.
func (r *Repository[T]) List(ctx context.Context, opts storage.ListOptions) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	direction := strings.ToLower(opts.OrderDirection)
	if direction == "" {
		direction = "asc"
	}
	var matched []T
	flattened := storage.FlattenFilters(opts.Filters)
	for _, item := range r.sortedLocked(opts.OrderBy, direction) {
		if len(flattened) > 0 {
			doc, err := asDocument(item)
			if err != nil {
				return nil, storage.ServiceWrap(err, "encode item")
			}
			ok := true
			for path, value := range flattened {
				if !fieldMatches(doc, path, value) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, item)
	}
	return paginate(matched, opts.Limit, opts.PageNumber)
}

// Update replaces the stored entity, preserving created_at and refreshing
// updated_at.
func (r *Repository[T]) Update(ctx context.Context, item T) (T, error) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.items[item.GetID()]
	if !ok {
		return zero, storage.NotFoundf("id %s", item.GetID())
	}
	item.SetCreatedAt(existing.GetCreatedAt())
	item.SetUpdatedAt(time.Now().UTC())

	stored, err := clone(item)
	if err != nil {
		return zero, storage.ServiceWrap(err, "clone item")
	}
	r.items[item.GetID()] = stored
	return clone(stored)
}

// BatchUpdate updates each item in order, failing on the first error.
func (r *Repository[T]) BatchUpdate(ctx context.Context, items []T) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		updated, err := r.Update(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// Delete removes the entity by id.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return storage.NotFoundf("id %s", id)
	}
	delete(r.items, id)
	return nil
}

// BatchDelete removes each id, failing on the first missing entity.
func (r *Repository[T]) BatchDelete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByField removes all entities whose field equals value and returns
// the count.
func (r *Repository[T]) DeleteByField(ctx context.Context, field string, value any) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for id, item := range r.items {
		doc, err := asDocument(item)
		if err != nil {
			return count, storage.ServiceWrap(err, "encode item")
		}
		if fieldMatches(doc, field, value) {
			delete(r.items, id)
			count++
		}
	}
	return count, nil
}

func (r *Repository[T]) matchFieldLocked(field string, value any, filters []storage.Filter, sortBy, direction string) ([]T, error) {
	var matched []T
	for _, item := range r.sortedLocked(sortBy, direction) {
		doc, err := asDocument(item)
		if err != nil {
			return nil, storage.ServiceWrap(err, "encode item")
		}
		if !fieldMatches(doc, field, value) {
			continue
		}
		ok, err := matchesFilterGroups(item, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, item)
		}
	}
	return matched, nil
}

// sortedLocked returns all items ordered by created_at with id as
// tiebreaker. Only timestamp ordering is supported; other sort fields fall
// back to created_at, which is what every caller in this codebase uses.
func (r *Repository[T]) sortedLocked(sortBy, direction string) []T {
	items := make([]T, 0, len(r.items))
	for _, item := range r.items {
		items = append(items, item)
	}
	desc := direction == "desc"
	key := func(item T) time.Time {
		if sortBy == "updated_at" {
			return item.GetUpdatedAt()
		}
		return item.GetCreatedAt()
	}
	sort.SliceStable(items, func(i, j int) bool {
		ki, kj := key(items[i]), key(items[j])
		if !ki.Equal(kj) {
			if desc {
				return ki.After(kj)
			}
			return ki.Before(kj)
		}
		return items[i].GetID() < items[j].GetID()
	})
	return items
}

func paginate[T storage.Entity](items []T, limit, pageNumber int) ([]T, error) {
	if limit > 0 {
		page := pageNumber
		if page < 1 {
			page = 1
		}
		start := (page - 1) * limit
		if start >= len(items) {
			return []T{}, nil
		}
		end := start + limit
		if end > len(items) {
			end = len(items)
		}
		items = items[start:end]
	}
	return cloneAll(items)
}

func cloneAll[T storage.Entity](items []T) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		copied, err := clone(item)
		if err != nil {
			return nil, storage.ServiceWrap(err, "clone item")
		}
		out = append(out, copied)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
