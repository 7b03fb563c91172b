// Package storage defines the polymorphic repository contract shared by the
// document, relational, dual, and in-memory backends.
package storage

import (
	"context"
	"time"
)

// Entity is implemented by every persisted model. Implementations are
// pointer types so that absent lookups can return a typed nil.
type Entity interface {
	GetID() string
	SetID(id string)
	GetCreatedAt() time.Time
	SetCreatedAt(t time.Time)
	GetUpdatedAt() time.Time
	SetUpdatedAt(t time.Time)
}

// Named is implemented by entities addressable by a unique name in
// addition to their id.
type Named interface {
	GetName() string
}

// Selector identifies an entity by exactly one of ID or Name.
type Selector struct {
	ID   string
	Name string
}

// Filter restricts a query to rows matching all of Fields. When Exclude is
// set the filter is negated. Within a query, inclusionary filters are OR'd
// together, exclusionary filters are OR'd and negated, and the two groups
// are AND'd.
type Filter struct {
	Fields  map[string]any
	Exclude bool
}

// FindOptions controls offset-paginated field queries.
type FindOptions struct {
	Limit      int
	PageNumber int // 1-based; 0 means first page
	SortBy     string
	Filters    []Filter
}

// CursorOptions controls cursor-paginated field queries. The sort is always
// created_at DESC with id ASC as tiebreaker. AfterID selects rows strictly
// newer than the cursor row, BeforeID strictly older. An unresolvable
// cursor id yields the unbounded page.
type CursorOptions struct {
	Limit    int
	SortBy   string
	BeforeID string
	AfterID  string
	Filters  []Filter
}

// ListOptions controls generic listing. Filter keys may address nested JSON
// fields with dotted paths (or nested maps, which are flattened).
type ListOptions struct {
	Filters        map[string]any
	Limit          int
	PageNumber     int    // 1-based; 0 means first page
	OrderBy        string // entity field; implementations append id as final tiebreaker
	OrderDirection string // "asc" (default) or "desc"
}

// Repository is the storage port consumed by the dispatcher and services.
//
// Create and Update set timestamps: both on create, updated_at only on
// update (created_at is immutable after insert). GetByField returns the
// zero value and no error when nothing matches.
type Repository[T Entity] interface {
	Create(ctx context.Context, item T) (T, error)
	BatchCreate(ctx context.Context, items []T) ([]T, error)

	Get(ctx context.Context, sel Selector) (T, error)
	GetByField(ctx context.Context, field string, value any) (T, error)
	FindByField(ctx context.Context, field string, value any, opts FindOptions) ([]T, error)
	FindByFieldWithCursor(ctx context.Context, field string, value any, opts CursorOptions) ([]T, error)
	List(ctx context.Context, opts ListOptions) ([]T, error)

	Update(ctx context.Context, item T) (T, error)
	BatchUpdate(ctx context.Context, items []T) ([]T, error)

	Delete(ctx context.Context, id string) error
	BatchDelete(ctx context.Context, ids []string) error
	DeleteByField(ctx context.Context, field string, value any) (int64, error)
}

// ValidateSelector enforces the exactly-one-of contract shared by all
// backends.
func ValidateSelector(sel Selector) error {
	if (sel.ID == "") == (sel.Name == "") {
		return Clientf("exactly one of id or name must be provided")
	}
	return nil
}

// FlattenFilters converts nested filter maps into dotted paths, e.g.
// {"params": {"model": "x"}} becomes {"params.model": "x"}.
func FlattenFilters(filters map[string]any) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[string]any, len(filters))
	flattenInto(out, "", filters)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for key, value := range m {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flattenInto(out, path, nested)
			continue
		}
		out[path] = value
	}
}
