// Package db wraps the relational backend: connection setup, SQL dialects,
// a runtime schema builder, and the optimistic transaction retry loop shared
// by every catalogue mutation.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	lenserrors "github.com/arkilian/lens/internal/errors"
)

// DefaultTablePrefix prefixes every table Lens creates.
const DefaultTablePrefix = "lens"

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Options configures a DB.
type Options struct {
	// TablePrefix is prepended to all table names (default "lens")
	TablePrefix string

	// Retry controls the optimistic transaction loop
	Retry RetryPolicy

	// MaxOpenConns overrides the dialect's connection limit when > 0
	MaxOpenConns int
}

// DB is a backend handle bound to one dialect.
type DB struct {
	sql     *sql.DB
	dialect Dialect
	prefix  string
	retry   RetryPolicy
	builder sq.StatementBuilderType
}

// Open connects to the backend identified by driver and dsn.
func Open(driver, dsn string, opts Options) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(dialect.DriverName(), dialect.PrepareDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("db: failed to open %s database: %w", driver, err)
	}

	maxConns := dialect.MaxOpenConns()
	if opts.MaxOpenConns > 0 {
		maxConns = opts.MaxOpenConns
	}
	if maxConns > 0 {
		conn.SetMaxOpenConns(maxConns)
		conn.SetMaxIdleConns(maxConns)
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: failed to connect to %s database: %w", driver, err)
	}

	return New(conn, dialect, opts), nil
}

// New wraps an already-open connection pool.
func New(conn *sql.DB, dialect Dialect, opts Options) *DB {
	prefix := opts.TablePrefix
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	return &DB{
		sql:     conn,
		dialect: dialect,
		prefix:  prefix,
		retry:   opts.Retry.withDefaults(),
		builder: sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder()),
	}
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SQL returns the underlying connection pool.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Dialect returns the dialect in use.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Builder returns a squirrel statement builder using the dialect's placeholders.
func (d *DB) Builder() sq.StatementBuilderType {
	return d.builder
}

// Quote quotes an identifier for the dialect.
func (d *DB) Quote(ident string) string {
	return d.dialect.Quote(ident)
}

// Quoted quotes each identifier in names.
func (d *DB) Quoted(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = d.dialect.Quote(n)
	}
	return out
}

// CatalogTable returns the name of a catalogue table, e.g. "lens__objects".
func (d *DB) CatalogTable(name string) string {
	return d.ident(d.prefix + "__" + name)
}

// EventTable returns the physical event table of a sink, e.g. "lens_clicks".
func (d *DB) EventTable(sink string) string {
	return d.ident(d.prefix + "_" + sink)
}

// GroupTable returns the physical rollup table of a group, e.g. "lens_clicks__hourly".
func (d *DB) GroupTable(sink, group string) string {
	return d.ident(d.prefix + "_" + sink + "__" + group)
}

func (d *DB) ident(name string) string {
	return ShortenIdent(name, d.dialect.MaxIdentLength())
}

// Exec runs a squirrel statement on q.
func (d *DB) Exec(ctx context.Context, q Queryer, stmt sq.Sqlizer) (sql.Result, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("db: failed to build statement: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, d.classify(err, "exec failed")
	}
	return res, nil
}

// Query runs a squirrel query on q. The caller closes the rows.
func (d *DB) Query(ctx context.Context, q Queryer, stmt sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("db: failed to build query: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, d.classify(err, "query failed")
	}
	return rows, nil
}

// QueryRow runs a squirrel query on q and scans the single result row into dest.
// It returns sql.ErrNoRows unwrapped so callers can test for absence.
func (d *DB) QueryRow(ctx context.Context, q Queryer, stmt sq.Sqlizer, dest ...interface{}) error {
	query, args, err := stmt.ToSql()
	if err != nil {
		return fmt.Errorf("db: failed to build query: %w", err)
	}
	if err := q.QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return d.classify(err, "query failed")
	}
	return nil
}

// classify wraps a driver error as a BACKEND error, flagging transient
// lock contention as retryable.
func (d *DB) classify(err error, message string) error {
	if lenserrors.GetCategory(err) != "" {
		return err
	}
	if d.dialect.IsBusy(err) {
		return lenserrors.NewBackendError(lenserrors.CodeBusy, message, err)
	}
	return lenserrors.NewBackendError(lenserrors.CodeQueryFailed, message, err)
}

// Dirty flag values.
const (
	FlagYes = "Y"
	FlagNo  = "N"
)
