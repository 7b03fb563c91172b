// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL
// portability.
package dialect

import "fmt"

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// JSONExtract returns the SQL fragment extracting a JSON value as text.
// Dotted paths address nested fields.
//
//	SQLite:   json_extract(col, '$.a.b')
//	Postgres: col::jsonb#>>'{a,b}'
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb#>>'{%s}'", col, pgPath(path))
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}

// Like returns the case-insensitive LIKE operator for the driver.
//
//	SQLite:  LIKE (case-insensitive for ASCII by default)
//	Postgres: ILIKE
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

func pgPath(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, ',')
			continue
		}
		out = append(out, path[i])
	}
	return string(out)
}
