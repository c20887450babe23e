package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps a *sql.DB and provides transaction support.
// It serves as the main entry point for relational thread storage.
type DB struct {
	conn    *sql.DB
	dialect Dialect
}

type Config struct {
	// URL is a postgres URL (postgres://, postgresql://) or a sqlite target
	// (sqlite://path, file:path, :memory:).
	URL string

	MaxConns int
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens the database, verifies connectivity and applies the schema.
func New(ctx context.Context, cfg Config) (*DB, error) {
	dialect, driver, dsn, err := ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	switch dialect {
	case DialectSQLite:
		// A second connection to :memory: would see an empty database.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	default:
		if cfg.MaxConns > 0 {
			conn.SetMaxOpenConns(cfg.MaxConns)
		} else {
			conn.SetMaxOpenConns(10)
		}
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{conn: conn, dialect: dialect}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, nil
}

// ParseURL maps a connection URL to its dialect, database/sql driver name and DSN.
func ParseURL(raw string) (Dialect, string, string, error) {
	url := strings.TrimSpace(raw)
	switch {
	case url == "":
		return "", "", "", fmt.Errorf("database url is required")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, "pgx", url, nil
	case url == ":memory:", url == "sqlite://:memory:":
		return DialectSQLite, "sqlite3", ":memory:", nil
	case strings.HasPrefix(url, "sqlite://"):
		return DialectSQLite, "sqlite3", "file:" + strings.TrimPrefix(url, "sqlite://"), nil
	case strings.HasPrefix(url, "file:"):
		return DialectSQLite, "sqlite3", url, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database url %q", url)
	}
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Queries returns a Querier for non-transactional operations.
func (db *DB) Queries() Querier {
	return db.conn
}

// Ping checks the connection is still usable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Rebind rewrites '?' placeholders into the dialect's bind syntax.
func (db *DB) Rebind(query string) string {
	return Rebind(db.dialect, query)
}

// WithTx executes the given function within a database transaction.
// If the function returns an error, the transaction is rolled back.
// If the function succeeds, the transaction is committed.
//
// Usage:
//
//	err := db.WithTx(ctx, func(q db.Querier) error {
//	    if _, err := q.ExecContext(ctx, db.Rebind("DELETE FROM messages WHERE thread_id = ?"), id); err != nil {
//	        return err
//	    }
//	    _, err := q.ExecContext(ctx, db.Rebind("DELETE FROM threads WHERE id = ?"), id)
//	    return err
//	})
func (db *DB) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	// Always attempt rollback on defer - it's a no-op if already committed
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Rebind rewrites '?' placeholders to $1..$n for postgres. Placeholders inside
// single-quoted literals are left alone.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
