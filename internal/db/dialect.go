package db

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/spaolacci/murmur3"
)

// Dialect hides the differences between supported SQL backends.
type Dialect interface {
	// Name is the configured driver name ("sqlite", "postgres", "mysql").
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// PrepareDSN adds dialect-specific connection parameters.
	PrepareDSN(dsn string) string

	// MaxOpenConns returns the connection limit, 0 for unlimited.
	MaxOpenConns() int

	// MaxIdentLength is the longest identifier the backend accepts.
	MaxIdentLength() int

	Placeholder() sq.PlaceholderFormat
	Quote(ident string) string
	ColumnType(c Column) string

	// CreateTable returns the statements creating t and its indexes if absent.
	CreateTable(t *Table) []string

	// AddColumns returns the statements adding cols (and their indexes) to table.
	AddColumns(table string, cols []Column) []string

	// TableExistsQuery selects one row iff the table exists.
	TableExistsQuery(table string) (string, []interface{})

	// ColumnsQuery selects one column name per row.
	ColumnsQuery(table string) (string, []interface{})

	// IsBusy reports lock contention or serialization failures.
	IsBusy(err error) bool

	// IsUniqueViolation reports a unique or primary key violation.
	IsUniqueViolation(err error) bool
}

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql", "pq":
		return postgresDialect{driver: "postgres"}, nil
	case "pgx":
		return postgresDialect{driver: "pgx"}, nil
	case "mysql":
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
}

// ShortenIdent keeps identifiers within max bytes. Overlong names are
// truncated and suffixed with a hash of the full name so distinct names
// stay distinct.
func ShortenIdent(name string, max int) string {
	if max <= 0 || len(name) <= max {
		return name
	}
	suffix := fmt.Sprintf("_%08x", murmur3.Sum32([]byte(name)))
	return name[:max-len(suffix)] + suffix
}

// indexName derives the secondary index name for a column.
func indexName(table, column string, max int) string {
	return ShortenIdent("idx_"+table+"_"+column, max)
}

// columnDefinition renders "<name> <type> [NOT NULL] [DEFAULT x]".
func columnDefinition(d Dialect, c Column) string {
	var b strings.Builder
	b.WriteString(d.Quote(c.Name))
	b.WriteString(" ")
	b.WriteString(d.ColumnType(c))
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

// tableBody renders the column and constraint list of a CREATE TABLE.
func tableBody(d Dialect, t *Table) []string {
	parts := make([]string, 0, len(t.Columns)+len(t.Uniques)+1)
	for _, c := range t.Columns {
		parts = append(parts, columnDefinition(d, c))
	}
	if len(t.PrimaryKey) > 0 {
		parts = append(parts, "PRIMARY KEY ("+quoteList(d, t.PrimaryKey)+")")
	}
	for _, u := range t.Uniques {
		parts = append(parts, "UNIQUE ("+quoteList(d, u)+")")
	}
	return parts
}

func quoteList(d Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = d.Quote(n)
	}
	return strings.Join(quoted, ", ")
}

// quoteWith doubles embedded quote characters.
func quoteWith(ident, q string) string {
	return q + strings.ReplaceAll(ident, q, q+q) + q
}
