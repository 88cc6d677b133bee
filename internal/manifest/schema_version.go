package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/arkilian/lens/internal/calendar"
	"github.com/arkilian/lens/internal/db"
)

// LatestVersion is the catalogue version this build maintains.
const LatestVersion = 4

// Migration brings the catalogue from Version-1 to Version.
type Migration struct {
	Version     int
	Description string
	Apply       func(ctx context.Context, d *db.DB) error
}

// Migrations returns the catalogue migrations in order.
func Migrations() []Migration {
	return []Migration{
		{1, "create objects", func(ctx context.Context, d *db.DB) error {
			return d.Apply(ctx, objectsTable(d))
		}},
		{2, "create groups", func(ctx context.Context, d *db.DB) error {
			return d.Apply(ctx, groupsTable(d))
		}},
		{3, "create indices", func(ctx context.Context, d *db.DB) error {
			return d.Apply(ctx, indicesTable(d))
		}},
		{4, "add minute and second to event tables", addMinuteSecond},
	}
}

// addMinuteSecond brings every existing event table up to the current
// column set. Tables created after this version already have them.
func addMinuteSecond(ctx context.Context, d *db.DB) error {
	sinks, err := NewCatalog(d).ListSinks(ctx, d.SQL())
	if err != nil {
		return fmt.Errorf("manifest: failed to list sinks: %w", err)
	}
	for _, s := range sinks {
		if err := d.Apply(ctx, EventTable(d, s.Name, db.MustExist)); err != nil {
			return fmt.Errorf("manifest: failed to migrate sink %s: %w", s.Name, err)
		}
	}
	return nil
}

// SchemaVersionManager tracks which catalogue migrations have been applied.
type SchemaVersionManager struct {
	db    *db.DB
	table string
}

// NewSchemaVersionManager creates a version manager for the backend.
func NewSchemaVersionManager(d *db.DB) *SchemaVersionManager {
	return &SchemaVersionManager{db: d, table: d.CatalogTable(SchemaVersionsTable)}
}

// CurrentVersion returns the highest applied version, 0 for a fresh backend.
func (m *SchemaVersionManager) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.db.Apply(ctx, schemaVersionsTable(m.db)); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	err := m.db.QueryRow(ctx, m.db.SQL(), m.db.Builder().Select("MAX(version)").From(m.table), &version)
	if err != nil {
		return 0, fmt.Errorf("schema_version: failed to get current version: %w", err)
	}
	return int(version.Int64), nil
}

// Migrate applies every missing migration in order and returns how many ran.
// It is safe to call on every start.
func (m *SchemaVersionManager) Migrate(ctx context.Context) (int, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range Migrations() {
		if mig.Version <= current {
			continue
		}
		if err := mig.Apply(ctx, m.db); err != nil {
			return applied, fmt.Errorf("schema_version: migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}
		if err := m.record(ctx, mig.Version); err != nil {
			return applied, err
		}
		log.Printf("manifest: applied catalogue version %d (%s)", mig.Version, mig.Description)
		applied++
	}
	return applied, nil
}

func (m *SchemaVersionManager) record(ctx context.Context, version int) error {
	_, err := m.db.Exec(ctx, m.db.SQL(), m.db.Builder().
		Insert(m.table).
		Columns("version", "applied_at").
		Values(version, calendar.FormatTimestamp(time.Now())))
	if err != nil && m.db.Dialect().IsUniqueViolation(err) {
		// another process recorded it first
		return nil
	}
	if err != nil {
		return fmt.Errorf("schema_version: failed to record version %d: %w", version, err)
	}
	return nil
}

// AppliedVersions lists the recorded versions in order.
func (m *SchemaVersionManager) AppliedVersions(ctx context.Context) ([]int, error) {
	rows, err := m.db.Query(ctx, m.db.SQL(), m.db.Builder().
		Select("version").From(m.table).OrderBy("version"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("schema_version: failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
