package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and migration driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// connectRetries mirrors the session file store's retry budget.
const connectRetries = 3

// Database is a sqlx handle that knows which SQL dialect it speaks.
type Database struct {
	*sqlx.DB
	dialect Dialect
	url     string
}

// parseDatabaseURL maps DATABASE_URL to a driver name, a DSN and a dialect.
// sqlite://path and sqlite::memory: select modernc sqlite; everything else is handed to pgx.
func parseDatabaseURL(raw string) (driver, dsn string, dialect Dialect, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", "", errors.New("database url is empty")
	}
	switch {
	case strings.HasPrefix(raw, "sqlite://"):
		return "sqlite", strings.TrimPrefix(raw, "sqlite://"), DialectSQLite, nil
	case strings.HasPrefix(raw, "sqlite:"):
		return "sqlite", strings.TrimPrefix(raw, "sqlite:"), DialectSQLite, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "pgx", raw, DialectPostgres, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database url scheme in %q", redactDSN(raw))
	}
}

// OpenDatabase opens and pings the database, retrying the ping with exponential backoff.
func OpenDatabase(ctx context.Context, databaseURL string, log *zap.Logger) (*Database, error) {
	driver, dsn, dialect, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// a single connection keeps :memory: databases coherent and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			log.Warn("database ping failed", zap.String("database", redactDSN(databaseURL)), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(connectRetries))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Database{DB: db, dialect: dialect, url: databaseURL}, nil
}

// Dialect reports the SQL dialect of the connection.
func (d *Database) Dialect() Dialect {
	return d.dialect
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d *Database) rebind(query string) string {
	if d.dialect == DialectPostgres {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

func (d *Database) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.ExecContext(ctx, d.rebind(query), args...)
}

func (d *Database) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *Database) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.QueryContext(ctx, d.rebind(query), args...)
}

// redactDSN hides the password of a connection URL.
func redactDSN(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
