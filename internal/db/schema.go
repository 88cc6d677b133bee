package db

import (
	"context"
	"fmt"
	"strings"

	lenserrors "github.com/arkilian/lens/internal/errors"
)

// ColumnType is a portable column type.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeVarchar
	TypeUUID
	TypeDateTime
	TypeInt
	TypeBigInt
	TypeFlag
)

// Column describes one column of a runtime table.
type Column struct {
	Name     string
	Type     ColumnType
	Length   int
	Nullable bool

	// Default is a raw SQL literal, e.g. "'N'" or "0".
	Default string

	// Indexed adds a secondary index on the column
	Indexed bool
}

// TableMode selects how Apply treats an existing or missing table.
type TableMode int

const (
	// CreateIfAbsent creates the table when missing and adds any absent columns.
	CreateIfAbsent TableMode = iota

	// MustExist fails when the table is missing and adds any absent columns.
	MustExist
)

// Table describes a table to be created or altered.
type Table struct {
	Name       string
	Mode       TableMode
	Columns    []Column
	PrimaryKey []string
	Uniques    [][]string
}

// NewTable starts a table description.
func NewTable(name string, mode TableMode) *Table {
	return &Table{Name: name, Mode: mode}
}

// Add appends columns.
func (t *Table) Add(cols ...Column) *Table {
	t.Columns = append(t.Columns, cols...)
	return t
}

// Key sets the primary key.
func (t *Table) Key(cols ...string) *Table {
	t.PrimaryKey = cols
	return t
}

// Unique adds a unique constraint over cols.
func (t *Table) Unique(cols ...string) *Table {
	t.Uniques = append(t.Uniques, cols)
	return t
}

// Statements returns the DDL that brings the table in line with t, given the
// columns already present (nil when the table does not exist).
func (t *Table) Statements(d Dialect, existing map[string]bool) ([]string, error) {
	if existing == nil {
		if t.Mode == MustExist {
			return nil, lenserrors.NewSchemaError(fmt.Sprintf("table %s does not exist", t.Name), nil)
		}
		return d.CreateTable(t), nil
	}

	var missing []Column
	for _, c := range t.Columns {
		if !existing[strings.ToLower(c.Name)] {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return d.AddColumns(t.Name, missing), nil
}

// Apply creates or alters the table outside any transaction.
func (d *DB) Apply(ctx context.Context, t *Table) error {
	existing, err := d.Columns(ctx, t.Name)
	if err != nil {
		return err
	}
	stmts, err := t.Statements(d.dialect, existing)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return lenserrors.NewSchemaError(fmt.Sprintf("failed to apply ddl to %s", t.Name), err).
				WithDetails(map[string]interface{}{"statement": stmt})
		}
	}
	return nil
}

// TableExists reports whether a table exists.
func (d *DB) TableExists(ctx context.Context, q Queryer, table string) (bool, error) {
	query, args := d.dialect.TableExistsQuery(table)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return false, d.classify(err, "table lookup failed")
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

// Columns returns the lower-cased column names of a table, or nil when the
// table does not exist.
func (d *DB) Columns(ctx context.Context, table string) (map[string]bool, error) {
	exists, err := d.TableExists(ctx, d.sql, table)
	if err != nil || !exists {
		return nil, err
	}

	query, args := d.dialect.ColumnsQuery(table)
	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, d.classify(err, "column lookup failed")
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, d.classify(err, "column scan failed")
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// DropTable removes a table if it exists.
func (d *DB) DropTable(ctx context.Context, table string) error {
	if _, err := d.sql.ExecContext(ctx, "DROP TABLE IF EXISTS "+d.Quote(table)); err != nil {
		return lenserrors.NewSchemaError(fmt.Sprintf("failed to drop %s", table), err)
	}
	return nil
}
