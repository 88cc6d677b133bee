// Package manifest owns the Lens catalogue: the tables recording sinks,
// indexes and groups, the shape of the per-sink event and rollup tables,
// and the versioned bootstrap that brings a backend up to date.
package manifest

import (
	"github.com/arkilian/lens/internal/calendar"
	"github.com/arkilian/lens/internal/db"
	"github.com/arkilian/lens/pkg/types"
)

// Catalogue table names, without prefix.
const (
	ObjectsTable        = "objects"
	IndicesTable        = "indices"
	GroupsTable         = "groups"
	SchemaVersionsTable = "schema_versions"
)

// Reserved event table columns.
const (
	ColUUID      = "_uuid"
	ColTimestamp = "_timestamp"
	ColDirty     = "_dirty"
	ColKind      = "_kind"
	ColData      = "_data"

	// Rollup table columns
	ColCount = "_count"
	ColKey   = "_key"
)

// MaxKindLength bounds the stored event kind.
const MaxKindLength = 32

// objectsTable records one row per sink.
func objectsTable(d *db.DB) *db.Table {
	return db.NewTable(d.CatalogTable(ObjectsTable), db.CreateIfAbsent).
		Add(
			db.Column{Name: "object_uuid", Type: db.TypeUUID},
			db.Column{Name: "object_name", Type: db.TypeVarchar, Length: types.MaxSinkNameLength},
		).
		Key("object_uuid").
		Unique("object_name")
}

// groupsTable records group definitions; group_fields is a comma-separated
// list of calendar field names.
func groupsTable(d *db.DB) *db.Table {
	return db.NewTable(d.CatalogTable(GroupsTable), db.CreateIfAbsent).
		Add(
			db.Column{Name: "group_uuid", Type: db.TypeUUID},
			db.Column{Name: "object_uuid", Type: db.TypeUUID, Indexed: true},
			db.Column{Name: "group_name", Type: db.TypeVarchar, Length: types.MaxGroupNameLength},
			db.Column{Name: "group_parent", Type: db.TypeUUID, Nullable: true, Indexed: true},
			db.Column{Name: "group_fields", Type: db.TypeText},
		).
		Key("group_uuid").
		Unique("object_uuid", "group_name")
}

// indicesTable records index definitions. group_uuid and index_function
// describe aggregate indexes and are not yet populated.
func indicesTable(d *db.DB) *db.Table {
	return db.NewTable(d.CatalogTable(IndicesTable), db.CreateIfAbsent).
		Add(
			db.Column{Name: "index_uuid", Type: db.TypeUUID},
			db.Column{Name: "object_uuid", Type: db.TypeUUID, Indexed: true},
			db.Column{Name: "group_uuid", Type: db.TypeUUID, Nullable: true, Indexed: true},
			db.Column{Name: "index_name", Type: db.TypeVarchar, Length: types.MaxIndexNameLength},
			db.Column{Name: "index_type", Type: db.TypeVarchar, Length: 16},
			db.Column{Name: "index_length", Type: db.TypeInt, Nullable: true},
			db.Column{Name: "index_function", Type: db.TypeVarchar, Length: 8, Nullable: true},
		).
		Key("index_uuid").
		Unique("object_uuid", "index_name")
}

func schemaVersionsTable(d *db.DB) *db.Table {
	return db.NewTable(d.CatalogTable(SchemaVersionsTable), db.CreateIfAbsent).
		Add(
			db.Column{Name: "version", Type: db.TypeInt},
			db.Column{Name: "applied_at", Type: db.TypeDateTime},
		).
		Key("version")
}

// EventTable describes the physical event table of a sink, without any
// index columns.
func EventTable(d *db.DB, sink string, mode db.TableMode) *db.Table {
	t := db.NewTable(d.EventTable(sink), mode).
		Add(
			db.Column{Name: ColUUID, Type: db.TypeUUID},
			db.Column{Name: ColTimestamp, Type: db.TypeDateTime},
		)
	for _, col := range calendar.Columns() {
		t.Add(db.Column{Name: col, Type: db.TypeInt, Default: "0", Indexed: true})
	}
	return t.
		Add(
			db.Column{Name: ColDirty, Type: db.TypeFlag, Default: "'" + db.FlagYes + "'", Indexed: true},
			db.Column{Name: ColKind, Type: db.TypeVarchar, Length: MaxKindLength, Nullable: true, Indexed: true},
			db.Column{Name: ColData, Type: db.TypeText},
		).
		Key(ColUUID)
}

// IndexColumn is the nullable, indexed event table column backing idx.
func IndexColumn(idx *types.Index) db.Column {
	col := db.Column{Name: idx.Name, Nullable: true, Indexed: true}
	switch idx.Type {
	case types.IndexInt:
		col.Type = db.TypeBigInt
	default:
		col.Type = db.TypeVarchar
		col.Length = idx.Length
	}
	return col
}

// IndexColumnsTable describes the index columns to add to an existing event table.
func IndexColumnsTable(d *db.DB, sink string, indexes ...*types.Index) *db.Table {
	t := db.NewTable(d.EventTable(sink), db.MustExist)
	for _, idx := range indexes {
		t.Add(IndexColumn(idx))
	}
	return t
}

// MaxGroupKeyLength bounds the canonical tuple key of a rollup row.
const MaxGroupKeyLength = 128

// GroupTable describes the rollup table of a group. Rows are matched by
// their field values; _key repeats the tuple in canonical form so two
// writers cannot insert the same tuple twice.
func GroupTable(d *db.DB, sink string, g *types.Group) *db.Table {
	t := db.NewTable(d.GroupTable(sink, g.Name), db.CreateIfAbsent).
		Add(
			db.Column{Name: ColKey, Type: db.TypeVarchar, Length: MaxGroupKeyLength},
			db.Column{Name: ColCount, Type: db.TypeBigInt, Default: "0"},
			db.Column{Name: ColDirty, Type: db.TypeFlag, Default: "'" + db.FlagYes + "'", Indexed: true},
		)
	for _, field := range g.Fields {
		col, _ := calendar.Column(field)
		t.Add(db.Column{Name: col, Type: db.TypeInt, Nullable: true, Indexed: true})
	}
	return t.Key(ColKey)
}
