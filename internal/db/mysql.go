package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
)

type mysqlDialect struct{}

const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

func (mysqlDialect) Name() string       { return "mysql" }
func (mysqlDialect) DriverName() string { return "mysql" }

// PrepareDSN forces UTC so DATETIME values round-trip unchanged, and makes
// UPDATE report matched rather than changed rows like the other backends.
func (mysqlDialect) PrepareDSN(dsn string) string {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return dsn
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.ClientFoundRows = true
	return cfg.FormatDSN()
}

func (mysqlDialect) MaxOpenConns() int   { return 0 }
func (mysqlDialect) MaxIdentLength() int { return 64 }

func (mysqlDialect) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (mysqlDialect) Quote(ident string) string { return quoteWith(ident, "`") }

func (mysqlDialect) ColumnType(c Column) string {
	switch c.Type {
	case TypeUUID:
		return "VARCHAR(36)"
	case TypeDateTime:
		return "DATETIME"
	case TypeInt:
		return "INT"
	case TypeBigInt:
		return "BIGINT"
	case TypeFlag:
		return "CHAR(1)"
	case TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	default:
		return "LONGTEXT"
	}
}

// CreateTable declares indexes inline; MySQL has no CREATE INDEX IF NOT EXISTS.
func (d mysqlDialect) CreateTable(t *Table) []string {
	parts := tableBody(d, t)
	for _, c := range t.Columns {
		if c.Indexed {
			parts = append(parts, fmt.Sprintf("INDEX %s (%s)",
				d.Quote(indexName(t.Name, c.Name, d.MaxIdentLength())), d.Quote(c.Name)))
		}
	}
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		d.Quote(t.Name), strings.Join(parts, ",\n\t"))}
}

func (d mysqlDialect) AddColumns(table string, cols []Column) []string {
	var stmts []string
	for _, c := range cols {
		clause := "ADD COLUMN " + columnDefinition(d, c)
		if c.Indexed {
			clause += fmt.Sprintf(", ADD INDEX %s (%s)",
				d.Quote(indexName(table, c.Name, d.MaxIdentLength())), d.Quote(c.Name))
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s %s", d.Quote(table), clause))
	}
	return stmts
}

func (mysqlDialect) TableExistsQuery(table string) (string, []interface{}) {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		[]interface{}{table}
}

func (mysqlDialect) ColumnsQuery(table string) (string, []interface{}) {
	return "SELECT column_name FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?",
		[]interface{}{table}
}

func (mysqlDialect) IsBusy(err error) bool {
	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		return merr.Number == mysqlDeadlock || merr.Number == mysqlLockWaitTimeout
	}
	return false
}

func (mysqlDialect) IsUniqueViolation(err error) bool {
	var merr *mysql.MySQLError
	return errors.As(err, &merr) && merr.Number == mysqlDuplicateEntry
}
