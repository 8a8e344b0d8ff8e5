// Package database opens the signer's SQL backends: embedded SQLite by default,
// PostgreSQL when a postgres:// URL is configured.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects placeholder style and error classification.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB is a *sql.DB tagged with its dialect. Queries are written with $N
// placeholders and rebound for SQLite.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to url. "postgres://" and "postgresql://" use lib/pq;
// anything else is a SQLite path or "sqlite://" / "file:" URL.
func Open(ctx context.Context, url string) (*DB, error) {
	var (
		driver  = "sqlite"
		dsn     = url
		dialect = SQLite
	)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		driver, dialect = "postgres", Postgres
	case strings.HasPrefix(url, "sqlite://"):
		dsn = strings.TrimPrefix(url, "sqlite://")
	}
	if dsn == "" {
		return nil, errors.New("database: empty url")
	}
	if dialect == SQLite && !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// One writer keeps SQLite from returning SQLITE_BUSY under load.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping %s: %w", dialect, err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// Wrap tags an existing handle, e.g. a sqlmock connection.
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

var placeholder = regexp.MustCompile(`\$\d+`)

// Rebind converts $N placeholders to the dialect's form.
func (d *DB) Rebind(query string) string {
	if d.Dialect == Postgres {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

// IsUniqueViolation reports whether err is a unique or primary key conflict.
func IsUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
