// Package sqlstore implements the repository interfaces on top of sqlx.
//
// Two drivers are supported, selected by the DATABASE_URL scheme:
//
//	sqlite://data/catalog.db    embedded SQLite (modernc.org/sqlite, pure Go)
//	sqlite://:memory:           throwaway in-memory database (tests)
//	postgres://user:pw@host/db  PostgreSQL through pgx's database/sql driver
//
// A bare path without a scheme is treated as a SQLite file.
//
// Queries are written once with "?" placeholders and passed through
// sqlx.Rebind, which rewrites them to $1, $2... for Postgres. The schema is
// versioned with goose; migrations are embedded into the binary.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// DB owns the connection pool and hands out the per-table stores.
type DB struct {
	conn    *sqlx.DB
	dialect string
}

// Open connects to databaseURL, applies connection settings for the chosen
// driver and runs all pending migrations. Migration progress is logged to
// logger; a nil logger silences it.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*DB, error) {
	dialect, driver, dsn, err := parseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// One connection: SQLite serialises writers anyway, and an in-memory
		// database exists only inside the connection that created it.
		conn.SetMaxOpenConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlstore: pinging database: %w", err)
	}

	if dialect == DialectSQLite {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("sqlstore: %s: %w", pragma, err)
			}
		}
	}

	db := &DB{conn: conn, dialect: dialect}
	if err := db.migrate(ctx, logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlstore: running migrations: %w", err)
	}

	return db, nil
}

// parseURL maps a DATABASE_URL onto (dialect, database/sql driver, DSN).
func parseURL(databaseURL string) (dialect, driver, dsn string, err error) {
	switch {
	case databaseURL == "":
		return "", "", "", fmt.Errorf("sqlstore: database URL is empty")
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DialectPostgres, "pgx", databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path == "" {
			return "", "", "", fmt.Errorf("sqlstore: sqlite URL has no path")
		}
		return DialectSQLite, "sqlite", path, nil
	case strings.Contains(databaseURL, "://"):
		scheme, _, _ := strings.Cut(databaseURL, "://")
		return "", "", "", fmt.Errorf("sqlstore: unsupported database scheme %q", scheme)
	default:
		return DialectSQLite, "sqlite", databaseURL, nil
	}
}

// SQLiteFile returns the on-disk path behind a SQLite URL. ok is false for
// Postgres, in-memory and malformed URLs.
func SQLiteFile(databaseURL string) (path string, ok bool) {
	dialect, _, dsn, err := parseURL(databaseURL)
	if err != nil || dialect != DialectSQLite {
		return "", false
	}
	path, _, _ = strings.Cut(dsn, "?")
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		return "", false
	}
	return path, true
}

// gooseLogger routes goose's printf-style output into slog.
type gooseLogger struct {
	logger *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "goose"))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "goose"))
	os.Exit(1)
}

func (db *DB) migrate(ctx context.Context, logger *slog.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if logger != nil {
		goose.SetLogger(gooseLogger{logger: logger})
	} else {
		goose.SetLogger(goose.NopLogger())
	}

	gooseDialect := "sqlite3"
	if db.dialect == DialectPostgres {
		gooseDialect = "postgres"
	}

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("selecting goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db.conn.DB, "migrations")
}

// Dialect reports which backend this DB talks to.
func (db *DB) Dialect() string {
	return db.dialect
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Users returns the account store.
func (db *DB) Users() *UserStore {
	return &UserStore{db: db}
}

// Bots returns the catalog store.
func (db *DB) Bots() *BotStore {
	return &BotStore{db: db}
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back on error or panic. Panics are re-raised after rollback.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}

// now is the store clock. Timestamps are stored in UTC.
func now() time.Time {
	return time.Now().UTC()
}

// nullString converts "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
