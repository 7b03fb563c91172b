// Package relational implements the storage port on SQLite and PostgreSQL
// through sqlx, with per-entity column mappings and short per-operation
// transactions.
package relational

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/agentmesh/agentmesh/internal/db/dialect"
	"github.com/agentmesh/agentmesh/internal/storage"
)

// Mapping binds an entity type to its table. Encode produces named args for
// INSERT/UPDATE; Scan decodes one result row. JSONColumns lists columns
// stored as serialized JSON documents, addressable in filters with dotted
// paths ("params.model").
type Mapping[T storage.Entity] interface {
	Table() string
	Columns() []string
	HasName() bool
	JSONColumns() map[string]struct{}
	Encode(item T) (map[string]any, error)
	Scan(rows *sqlx.Rows) (T, error)
}

// fieldExpr resolves a (possibly dotted) field reference to a SQL
// expression. Top-level columns map directly; a dotted path whose head is a
// JSON column becomes a JSON extraction. Unknown fields are a client error.
func fieldExpr[T storage.Entity](driver string, m Mapping[T], field string) (string, error) {
	for _, col := range m.Columns() {
		if col == field {
			return col, nil
		}
	}
	if head, rest, ok := strings.Cut(field, "."); ok {
		if _, isJSON := m.JSONColumns()[head]; isJSON {
			return dialect.JSONExtract(driver, head, rest), nil
		}
	}
	return "", storage.Clientf("unknown field %q for %s", field, m.Table())
}

// fieldPredicate builds "expr op ?" for one field comparison. NULL values
// become IS NULL; string values containing a % wildcard use the dialect's
// case-insensitive LIKE.
func fieldPredicate[T storage.Entity](driver string, m Mapping[T], field string, value any) (string, []any, error) {
	expr, err := fieldExpr(driver, m, field)
	if err != nil {
		return "", nil, err
	}
	if value == nil {
		return expr + " IS NULL", nil, nil
	}
	if strings.Contains(field, ".") {
		// JSON extraction yields text on both drivers.
		value = fmt.Sprintf("%v", value)
	}
	if s, ok := value.(string); ok && strings.Contains(s, "%") {
		return fmt.Sprintf("%s %s ?", expr, dialect.Like(driver)), []any{s}, nil
	}
	return expr + " = ?", []any{value}, nil
}

// filterClause renders the filter algebra: inclusionary filters OR'd,
// exclusionary filters OR'd and negated, the two groups AND'd. Fields
// within one filter are AND'd. Returns an empty clause when no filters
// apply.
func filterClause[T storage.Entity](driver string, m Mapping[T], filters []storage.Filter) (string, []any, error) {
	var include, exclude []string
	var args []any

	renderOne := func(f storage.Filter) (string, error) {
		var preds []string
		for field, value := range storage.FlattenFilters(f.Fields) {
			pred, predArgs, err := fieldPredicate(driver, m, field, value)
			if err != nil {
				return "", err
			}
			preds = append(preds, pred)
			args = append(args, predArgs...)
		}
		if len(preds) == 0 {
			return "", nil
		}
		return "(" + strings.Join(preds, " AND ") + ")", nil
	}

	for _, f := range filters {
		clause, err := renderOne(f)
		if err != nil {
			return "", nil, err
		}
		if clause == "" {
			continue
		}
		if f.Exclude {
			exclude = append(exclude, clause)
		} else {
			include = append(include, clause)
		}
	}

	var groups []string
	if len(include) > 0 {
		groups = append(groups, "("+strings.Join(include, " OR ")+")")
	}
	if len(exclude) > 0 {
		groups = append(groups, "NOT ("+strings.Join(exclude, " OR ")+")")
	}
	return strings.Join(groups, " AND "), args, nil
}

// EncodeJSON serializes a document column value; nil maps become SQL NULL.
func EncodeJSON(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

// DecodeJSON deserializes a document column scanned as string or []byte.
// NULL leaves target untouched.
func DecodeJSON(raw any, target any) error {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), target)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, target)
	default:
		return fmt.Errorf("unexpected json column type %T", raw)
	}
}
