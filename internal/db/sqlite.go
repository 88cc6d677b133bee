package db

import (
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/mattn/go-sqlite3"
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return "sqlite3" }

// PrepareDSN enables WAL, a busy timeout, and immediate write locks so
// concurrent writers serialize at BEGIN instead of failing at COMMIT.
func (sqliteDialect) PrepareDSN(dsn string) string {
	if dsn == "" {
		dsn = "lens.db"
	}
	params := []string{"_journal_mode=WAL", "_busy_timeout=5000", "_txlock=immediate"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var missing []string
	for _, p := range params {
		key := p[:strings.Index(p, "=")+1]
		if !strings.Contains(dsn, key) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return dsn
	}
	return dsn + sep + strings.Join(missing, "&")
}

// MaxOpenConns is 1: SQLite allows a single writer.
func (sqliteDialect) MaxOpenConns() int   { return 1 }
func (sqliteDialect) MaxIdentLength() int { return 0 }

func (sqliteDialect) Placeholder() sq.PlaceholderFormat { return sq.Question }

func (sqliteDialect) Quote(ident string) string { return quoteWith(ident, `"`) }

func (sqliteDialect) ColumnType(c Column) string {
	switch c.Type {
	case TypeUUID:
		return "VARCHAR(36)"
	case TypeDateTime:
		return "DATETIME"
	case TypeInt, TypeBigInt:
		return "INTEGER"
	case TypeFlag:
		return "CHAR(1)"
	case TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length)
	default:
		return "TEXT"
	}
}

func (d sqliteDialect) CreateTable(t *Table) []string {
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		d.Quote(t.Name), strings.Join(tableBody(d, t), ",\n\t"))}
	for _, c := range t.Columns {
		if c.Indexed {
			stmts = append(stmts, d.createIndex(t.Name, c.Name))
		}
	}
	return stmts
}

func (d sqliteDialect) AddColumns(table string, cols []Column) []string {
	var stmts []string
	for _, c := range cols {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), columnDefinition(d, c)))
		if c.Indexed {
			stmts = append(stmts, d.createIndex(table, c.Name))
		}
	}
	return stmts
}

func (d sqliteDialect) createIndex(table, column string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		d.Quote(indexName(table, column, 0)), d.Quote(table), d.Quote(column))
}

func (sqliteDialect) TableExistsQuery(table string) (string, []interface{}) {
	return "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", []interface{}{table}
}

func (sqliteDialect) ColumnsQuery(table string) (string, []interface{}) {
	return "SELECT name FROM pragma_table_info(?)", []interface{}{table}
}

func (sqliteDialect) IsBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
