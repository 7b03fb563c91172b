// Package db opens the relational database behind the storage layer and
// exposes a writer/reader connection pool.
package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode this enables concurrent reads while serializing
// writes through a single connection, avoiding SQLITE_BUSY under write
// contention. For PostgreSQL both sides share one *sqlx.DB since pgx pools
// internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open connects to the database identified by url. URLs with a postgres://
// or postgresql:// scheme open a pgx pool; anything else is treated as a
// SQLite file path (":memory:" included).
func Open(url string, maxConns, minConns int) (*Pool, error) {
	if IsPostgresURL(url) {
		pg, err := openPostgres(url, maxConns, minConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(pg, "pgx")
		return &Pool{writer: shared, reader: shared}, nil
	}

	writer, err := openSQLiteWriter(url)
	if err != nil {
		return nil, err
	}
	reader, err := openSQLiteReader(url)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{
		writer: sqlx.NewDb(writer, "sqlite3"),
		reader: sqlx.NewDb(reader, "sqlite3"),
	}, nil
}

// NewPool wraps existing writer and reader connections; used by tests that
// open their own in-memory databases.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// IsPostgresURL reports whether url addresses a PostgreSQL server.
func IsPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName returns the sqlx driver name of the underlying connections.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// The two sides share one *sqlx.DB on Postgres; avoid double-close.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	if wErr != nil {
		return fmt.Errorf("close writer: %w", wErr)
	}
	return nil
}
