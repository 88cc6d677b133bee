package db

import (
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// postgresDialect serves both lib/pq ("postgres") and pgx ("pgx").
type postgresDialect struct {
	driver string
}

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func (postgresDialect) Name() string                 { return "postgres" }
func (d postgresDialect) DriverName() string         { return d.driver }
func (postgresDialect) PrepareDSN(dsn string) string { return dsn }
func (postgresDialect) MaxOpenConns() int            { return 0 }
func (postgresDialect) MaxIdentLength() int          { return 63 }

func (postgresDialect) Placeholder() sq.PlaceholderFormat { return sq.Dollar }

func (postgresDialect) Quote(ident string) string { return quoteWith(ident, `"`) }

func (postgresDialect) ColumnType(c Column) string {
	switch c.Type {
	case TypeUUID:
		return "VARCHAR(36)"
	case TypeDateTime:
		return "TIMESTAMP"
	case TypeInt:
		return "INTEGER"
	case TypeBigInt:
		return "BIGINT"
	case TypeFlag:
		return "CHAR(1)"
	case TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	default:
		return "TEXT"
	}
}

func (d postgresDialect) CreateTable(t *Table) []string {
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		d.Quote(t.Name), strings.Join(tableBody(d, t), ",\n\t"))}
	for _, c := range t.Columns {
		if c.Indexed {
			stmts = append(stmts, d.createIndex(t.Name, c.Name))
		}
	}
	return stmts
}

func (d postgresDialect) AddColumns(table string, cols []Column) []string {
	var stmts []string
	for _, c := range cols {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", d.Quote(table), columnDefinition(d, c)))
		if c.Indexed {
			stmts = append(stmts, d.createIndex(table, c.Name))
		}
	}
	return stmts
}

func (d postgresDialect) createIndex(table, column string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		d.Quote(indexName(table, column, d.MaxIdentLength())), d.Quote(table), d.Quote(column))
}

func (postgresDialect) TableExistsQuery(table string) (string, []interface{}) {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1",
		[]interface{}{table}
}

func (postgresDialect) ColumnsQuery(table string) (string, []interface{}) {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1",
		[]interface{}{table}
}

func (postgresDialect) IsBusy(err error) bool {
	switch pgCode(err) {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

// pgCode extracts the SQLSTATE from either driver's error type.
func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
