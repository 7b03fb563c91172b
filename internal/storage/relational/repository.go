package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/db"
	"github.com/agentmesh/agentmesh/internal/db/dialect"
	"github.com/agentmesh/agentmesh/internal/storage"
)

// Repository implements storage.Repository on a relational database. Writes
// run in short per-operation transactions on the writer pool; reads go to
// the reader pool.
type Repository[T storage.Entity] struct {
	pool      *db.Pool
	mapping   Mapping[T]
	log       *logger.Logger
	slowAfter time.Duration
}

var _ storage.Repository[storage.Entity] = (*Repository[storage.Entity])(nil)

// New creates a repository for one entity type. slowAfter > 0 enables slow
// query logging.
func New[T storage.Entity](pool *db.Pool, mapping Mapping[T], log *logger.Logger, slowAfter time.Duration) *Repository[T] {
	return &Repository[T]{pool: pool, mapping: mapping, log: log, slowAfter: slowAfter}
}

func (r *Repository[T]) driver() string { return r.pool.DriverName() }

func (r *Repository[T]) observe(start time.Time, query string) {
	if r.slowAfter <= 0 {
		return
	}
	if elapsed := time.Since(start); elapsed > r.slowAfter {
		r.log.Warn("slow query",
			zap.String("table", r.mapping.Table()),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
			zap.String("query", strings.Join(strings.Fields(query), " ")),
		)
	}
}

// translateError maps driver errors onto the shared error kinds.
func (r *Repository[T]) translateError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return storage.Duplicatef("%s %s", r.mapping.Table(), op)
		case "23503":
			return storage.Clientf("%s %s violates referential integrity", r.mapping.Table(), op)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return storage.Duplicatef("%s %s", r.mapping.Table(), op)
	}
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return storage.Clientf("%s %s violates referential integrity", r.mapping.Table(), op)
	}
	return storage.ServiceWrap(err, r.mapping.Table()+" "+op)
}

func (r *Repository[T]) selectColumns() string {
	return strings.Join(r.mapping.Columns(), ", ")
}

func (r *Repository[T]) queryAll(ctx context.Context, ext sqlx.ExtContext, query string, args []any) ([]T, error) {
	defer r.observe(time.Now(), query)
	rows, err := ext.QueryxContext(ctx, ext.Rebind(query), args...)
	if err != nil {
		return nil, r.translateError(err, "query")
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := r.mapping.Scan(rows)
		if err != nil {
			return nil, storage.ServiceWrap(err, "scan "+r.mapping.Table())
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, r.translateError(err, "query")
	}
	return out, nil
}

func (r *Repository[T]) queryOne(ctx context.Context, ext sqlx.ExtContext, query string, args []any) (T, bool, error) {
	var zero T
	items, err := r.queryAll(ctx, ext, query, args)
	if err != nil {
		return zero, false, err
	}
	if len(items) == 0 {
		return zero, false, nil
	}
	return items[0], true, nil
}

// withTx runs fn in a writer transaction, committing on success.
func (r *Repository[T]) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return storage.ServiceWrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storage.ServiceWrap(err, "commit tx")
	}
	return nil
}

func (r *Repository[T]) insertTx(ctx context.Context, tx *sqlx.Tx, item T) error {
	if item.GetID() == "" {
		item.SetID(uuid.New().String())
	}
	now := time.Now().UTC()
	item.SetCreatedAt(now)
	item.SetUpdatedAt(now)

	args, err := r.mapping.Encode(item)
	if err != nil {
		return storage.ServiceWrap(err, "encode "+r.mapping.Table())
	}
	cols := r.mapping.Columns()
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		placeholders[i] = ":" + col
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		r.mapping.Table(), r.selectColumns(), strings.Join(placeholders, ", "),
	)
	defer r.observe(time.Now(), query)
	if _, err := tx.NamedExecContext(ctx, query, args); err != nil {
		return r.translateError(err, "insert")
	}
	return nil
}

// Create inserts item, assigning id and timestamps, and returns the stored
// row.
func (r *Repository[T]) Create(ctx context.Context, item T) (T, error) {
	var zero T
	var created T
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.insertTx(ctx, tx, item); err != nil {
			return err
		}
		query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", r.selectColumns(), r.mapping.Table())
		stored, found, err := r.queryOne(ctx, tx, query, []any{item.GetID()})
		if err != nil {
			return err
		}
		if !found {
			return storage.Servicef("inserted row %s missing", item.GetID())
		}
		created = stored
		return nil
	})
	if err != nil {
		return zero, err
	}
	return created, nil
}

// BatchCreate inserts all items in one transaction; any failure rolls the
// whole batch back.
func (r *Repository[T]) BatchCreate(ctx context.Context, items []T) ([]T, error) {
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, item := range items {
			if err := r.insertTx(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]T, len(items))
	copy(out, items)
	return out, nil
}

// Get returns the entity matching the selector (exactly one of id, name).
func (r *Repository[T]) Get(ctx context.Context, sel storage.Selector) (T, error) {
	var zero T
	if err := storage.ValidateSelector(sel); err != nil {
		return zero, err
	}
	column, value := "id", sel.ID
	if sel.Name != "" {
		if !r.mapping.HasName() {
			return zero, storage.Clientf("%s is not addressable by name", r.mapping.Table())
		}
		column, value = "name", sel.Name
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", r.selectColumns(), r.mapping.Table(), column)
	item, found, err := r.queryOne(ctx, r.pool.Reader(), query, []any{value})
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, storage.NotFoundf("%s %s %s", r.mapping.Table(), column, value)
	}
	return item, nil
}

// GetByField returns the first match ordered by (created_at, id), or the
// zero value without error when nothing matches.
func (r *Repository[T]) GetByField(ctx context.Context, field string, value any) (T, error) {
	var zero T
	pred, args, err := fieldPredicate(r.driver(), r.mapping, field, value)
	if err != nil {
		return zero, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY created_at ASC, id ASC LIMIT 1",
		r.selectColumns(), r.mapping.Table(), pred,
	)
	item, _, err := r.queryOne(ctx, r.pool.Reader(), query, args)
	if err != nil {
		return zero, err
	}
	return item, nil
}

// FindByField returns matches with offset pagination, ordered by the sort
// column ascending with id as tiebreaker.
func (r *Repository[T]) FindByField(ctx context.Context, field string, value any, opts storage.FindOptions) ([]T, error) {
	pred, args, err := fieldPredicate(r.driver(), r.mapping, field, value)
	if err != nil {
		return nil, err
	}
	where := pred
	if clause, filterArgs, err := filterClause(r.driver(), r.mapping, opts.Filters); err != nil {
		return nil, err
	} else if clause != "" {
		where += " AND " + clause
		args = append(args, filterArgs...)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY %s",
		r.selectColumns(), r.mapping.Table(), where, r.orderClause(opts.SortBy, "ASC"),
	)
	query, args = appendPagination(query, args, opts.Limit, opts.PageNumber)
	items, err := r.queryAll(ctx, r.pool.Reader(), query, args)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// FindByFieldWithCursor returns matches around a cursor row, newest first
// (created_at DESC, id ASC). AfterID selects rows strictly newer than the
// cursor, BeforeID strictly older; an unresolvable cursor id yields the
// unbounded page.
func (r *Repository[T]) FindByFieldWithCursor(ctx context.Context, field string, value any, opts storage.CursorOptions) ([]T, error) {
	pred, args, err := fieldPredicate(r.driver(), r.mapping, field, value)
	if err != nil {
		return nil, err
	}
	where := pred
	if clause, filterArgs, err := filterClause(r.driver(), r.mapping, opts.Filters); err != nil {
		return nil, err
	} else if clause != "" {
		where += " AND " + clause
		args = append(args, filterArgs...)
	}

	if opts.AfterID != "" && opts.BeforeID != "" {
		return nil, storage.Clientf("at most one of after_id and before_id may be set")
	}
	if cursorID := opts.AfterID + opts.BeforeID; cursorID != "" {
		createdAt, ok, err := r.cursorCreatedAt(ctx, cursorID)
		if err != nil {
			return nil, err
		}
		if ok {
			if opts.AfterID != "" {
				where += " AND (created_at > ? OR (created_at = ? AND id < ?))"
			} else {
				where += " AND (created_at < ? OR (created_at = ? AND id > ?))"
			}
			args = append(args, createdAt, createdAt, cursorID)
		}
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY created_at DESC, id ASC",
		r.selectColumns(), r.mapping.Table(), where,
	)
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	items, err := r.queryAll(ctx, r.pool.Reader(), query, args)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func (r *Repository[T]) cursorCreatedAt(ctx context.Context, id string) (time.Time, bool, error) {
	query := fmt.Sprintf("SELECT created_at FROM %s WHERE id = ?", r.mapping.Table())
	defer r.observe(time.Now(), query)
	var createdAt time.Time
	err := r.pool.Reader().GetContext(ctx, &createdAt, r.pool.Reader().Rebind(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, r.translateError(err, "resolve cursor")
	}
	return createdAt, true, nil
}

// List returns entities matching the flattened filter map with offset
// pagination.
func (r *Repository[T]) List(ctx context.Context, opts storage.ListOptions) ([]T, error) {
	where := "1 = 1"
	var args []any
	if len(opts.Filters) > 0 {
		clause, filterArgs, err := filterClause(r.driver(), r.mapping, []storage.Filter{{Fields: opts.Filters}})
		if err != nil {
			return nil, err
		}
		if clause != "" {
			where = clause
			args = filterArgs
		}
	}

	direction := "ASC"
	if strings.EqualFold(opts.OrderDirection, "desc") {
		direction = "DESC"
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY %s",
		r.selectColumns(), r.mapping.Table(), where, r.orderClause(opts.OrderBy, direction),
	)
	query, args = appendPagination(query, args, opts.Limit, opts.PageNumber)
	items, err := r.queryAll(ctx, r.pool.Reader(), query, args)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func (r *Repository[T]) updateTx(ctx context.Context, tx *sqlx.Tx, item T) (T, error) {
	var zero T
	item.SetUpdatedAt(time.Now().UTC())

	args, err := r.mapping.Encode(item)
	if err != nil {
		return zero, storage.ServiceWrap(err, "encode "+r.mapping.Table())
	}
	// created_at is immutable after insert.
	var sets []string
	for _, col := range r.mapping.Columns() {
		if col == "id" || col == "created_at" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = :%s", col, col))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = :id", r.mapping.Table(), strings.Join(sets, ", "))

	if dialect.IsPostgres(r.driver()) {
		query += " RETURNING " + r.selectColumns()
		defer r.observe(time.Now(), query)
		rows, err := sqlx.NamedQueryContext(ctx, tx, query, args)
		if err != nil {
			return zero, r.translateError(err, "update")
		}
		defer rows.Close()
		if !rows.Next() {
			return zero, storage.NotFoundf("%s id %s", r.mapping.Table(), item.GetID())
		}
		updated, err := r.mapping.Scan(rows)
		if err != nil {
			return zero, storage.ServiceWrap(err, "scan "+r.mapping.Table())
		}
		return updated, nil
	}

	defer r.observe(time.Now(), query)
	result, err := tx.NamedExecContext(ctx, query, args)
	if err != nil {
		return zero, r.translateError(err, "update")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return zero, storage.ServiceWrap(err, "rows affected")
	}
	if affected == 0 {
		return zero, storage.NotFoundf("%s id %s", r.mapping.Table(), item.GetID())
	}
	selectQuery := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", r.selectColumns(), r.mapping.Table())
	updated, found, err := r.queryOne(ctx, tx, selectQuery, []any{item.GetID()})
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, storage.NotFoundf("%s id %s", r.mapping.Table(), item.GetID())
	}
	return updated, nil
}

// Update replaces all mutable columns of the row and returns the stored
// entity. created_at is preserved; updated_at is refreshed.
func (r *Repository[T]) Update(ctx context.Context, item T) (T, error) {
	var zero T
	var updated T
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		updated, err = r.updateTx(ctx, tx, item)
		return err
	})
	if err != nil {
		return zero, err
	}
	return updated, nil
}

// BatchUpdate updates all items in one transaction.
func (r *Repository[T]) BatchUpdate(ctx context.Context, items []T) ([]T, error) {
	out := make([]T, 0, len(items))
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, item := range items {
			updated, err := r.updateTx(ctx, tx, item)
			if err != nil {
				return err
			}
			out = append(out, updated)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository[T]) deleteTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", r.mapping.Table())
	defer r.observe(time.Now(), query)
	result, err := tx.ExecContext(ctx, tx.Rebind(query), id)
	if err != nil {
		return r.translateError(err, "delete")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.ServiceWrap(err, "rows affected")
	}
	if affected == 0 {
		return storage.NotFoundf("%s id %s", r.mapping.Table(), id)
	}
	return nil
}

// Delete removes the row by id. Deletes referenced by other tables fail
// with a client error.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		return r.deleteTx(ctx, tx, id)
	})
}

// BatchDelete removes all ids in one transaction.
func (r *Repository[T]) BatchDelete(ctx context.Context, ids []string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range ids {
			if err := r.deleteTx(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteByField removes all rows whose field equals value and returns the
// count.
func (r *Repository[T]) DeleteByField(ctx context.Context, field string, value any) (int64, error) {
	pred, args, err := fieldPredicate(r.driver(), r.mapping, field, value)
	if err != nil {
		return 0, err
	}
	var count int64
	err = r.withTx(ctx, func(tx *sqlx.Tx) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s", r.mapping.Table(), pred)
		defer r.observe(time.Now(), query)
		result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return r.translateError(err, "delete")
		}
		count, err = result.RowsAffected()
		if err != nil {
			return storage.ServiceWrap(err, "rows affected")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// sortColumn validates a caller-supplied sort field against the mapping,
// falling back to created_at.
func (r *Repository[T]) sortColumn(requested string) string {
	if requested != "" {
		for _, col := range r.mapping.Columns() {
			if col == requested {
				return col
			}
		}
	}
	return "created_at"
}

// orderClause builds the deterministic sort: the requested column first,
// then updated_at and created_at in the same direction, id ASC as the final
// tiebreaker. Timestamp columns already leading the clause are not
// repeated.
func (r *Repository[T]) orderClause(requested, direction string) string {
	col := r.sortColumn(requested)
	parts := []string{col + " " + direction}
	for _, tail := range []string{"updated_at", "created_at"} {
		if tail != col {
			parts = append(parts, tail+" "+direction)
		}
	}
	parts = append(parts, "id ASC")
	return strings.Join(parts, ", ")
}

func appendPagination(query string, args []any, limit, pageNumber int) (string, []any) {
	if limit <= 0 {
		return query, args
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if pageNumber > 1 {
		query += " OFFSET ?"
		args = append(args, (pageNumber-1)*limit)
	}
	return query, args
}
