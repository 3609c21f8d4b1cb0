// Package store is the relational persistence layer of smart-tier.
//
// Two engines are supported behind database/sql:
//
//	sqlite   - modernc.org/sqlite, embedded, single connection
//	postgres - github.com/jackc/pgx/v5/stdlib
//
// All SQL in this package is written with `?` placeholders and rebound to
// `$n` for Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Driver names accepted in Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStateConflict is returned when a conditional state update matched no row.
	ErrStateConflict = errors.New("store: state conflict")
)

// StatementError carries the statement that failed.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("store: statement failed: %v [%s]", e.Err, e.Statement)
}

func (e *StatementError) Unwrap() error { return e.Err }

// Config selects the engine and its data source.
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Store wraps a database handle with the queries used by the control plane.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured engine and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}

	var driverName string
	switch cfg.Driver {
	case DriverSQLite, "":
		cfg.Driver = DriverSQLite
		driverName = "sqlite"
	case DriverPostgres:
		driverName = "pgx"
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: empty dsn for driver %s", cfg.Driver)
	}

	db, err := sql.Open(driverName, sqliteDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// sqlite 只允許單一寫入者，全部操作序列化在同一條連線上
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", cfg.Driver, err)
	}

	logger.Info("store opened", "driver", cfg.Driver)
	return &Store{db: db, driver: cfg.Driver, logger: logger}, nil
}

func sqliteDSN(cfg Config) string {
	if cfg.Driver != DriverSQLite || strings.Contains(cfg.DSN, "_pragma") {
		return cfg.DSN
	}
	sep := "?"
	if strings.Contains(cfg.DSN, "?") {
		sep = "&"
	}
	return cfg.DSN + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the configured engine name.
func (s *Store) Driver() string { return s.driver }

// DB exposes the raw handle for tests and tooling.
func (s *Store) DB() *sql.DB { return s.db }

// rebind rewrites `?` placeholders to `$n` for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// inTx runs fn inside a transaction, retrying transient Postgres conflicts.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return WithRetry(ctx, 3, defaultRetryDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Execute runs a raw statement produced by a rule cycle.
func (s *Store) Execute(ctx context.Context, stmt string) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return &StatementError{Statement: stmt, Err: err}
	}
	return nil
}

// QueryFilePaths runs a raw query whose first column is a file path.
func (s *Store) QueryFilePaths(ctx context.Context, stmt string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, &StatementError{Statement: stmt, Err: err}
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, &StatementError{Statement: stmt, Err: err}
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, &StatementError{Statement: stmt, Err: err}
	}
	return paths, nil
}
