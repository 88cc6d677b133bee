package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/arkilian/lens/internal/db"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/pkg/types"
)

// Catalog reads and writes catalogue records. Every method takes the
// Queryer to run on so callers can compose them inside db.RetryTx.
type Catalog struct {
	db      *db.DB
	objects string
	indices string
	groups  string
}

// NewCatalog binds a catalogue to a backend.
func NewCatalog(d *db.DB) *Catalog {
	return &Catalog{
		db:      d,
		objects: d.CatalogTable(ObjectsTable),
		indices: d.CatalogTable(IndicesTable),
		groups:  d.CatalogTable(GroupsTable),
	}
}

// DB returns the backend the catalogue is bound to.
func (c *Catalog) DB() *db.DB {
	return c.db
}

// --- sinks ---

func (c *Catalog) selectSinks() sq.SelectBuilder {
	return c.db.Builder().Select("object_uuid", "object_name").From(c.objects)
}

// FindSink returns the sink with the given normalised name.
func (c *Catalog) FindSink(ctx context.Context, q db.Queryer, name string) (*types.Sink, error) {
	return c.findSink(ctx, q, sq.Eq{"object_name": name}, name)
}

// FindSinkByUUID returns the sink with the given identifier.
func (c *Catalog) FindSinkByUUID(ctx context.Context, q db.Queryer, uuid string) (*types.Sink, error) {
	return c.findSink(ctx, q, sq.Eq{"object_uuid": uuid}, uuid)
}

func (c *Catalog) findSink(ctx context.Context, q db.Queryer, pred sq.Eq, key string) (*types.Sink, error) {
	var s types.Sink
	err := c.db.QueryRow(ctx, q, c.selectSinks().Where(pred), &s.UUID, &s.Name)
	if err == sql.ErrNoRows {
		return nil, lenserrors.NewNotFoundError(lenserrors.CodeSinkNotFound, fmt.Sprintf("sink %q not found", key))
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSinks returns all sinks ordered by name.
func (c *Catalog) ListSinks(ctx context.Context, q db.Queryer) ([]*types.Sink, error) {
	rows, err := c.db.Query(ctx, q, c.selectSinks().OrderBy("object_name"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sinks := make([]*types.Sink, 0)
	for rows.Next() {
		var s types.Sink
		if err := rows.Scan(&s.UUID, &s.Name); err != nil {
			return nil, fmt.Errorf("manifest: failed to scan sink: %w", err)
		}
		sinks = append(sinks, &s)
	}
	return sinks, rows.Err()
}

// InsertSink records a new sink.
func (c *Catalog) InsertSink(ctx context.Context, q db.Queryer, s *types.Sink) error {
	_, err := c.db.Exec(ctx, q, c.db.Builder().
		Insert(c.objects).
		Columns("object_uuid", "object_name").
		Values(s.UUID, s.Name))
	return err
}

// DeleteSink removes a sink record.
func (c *Catalog) DeleteSink(ctx context.Context, q db.Queryer, uuid string) error {
	_, err := c.db.Exec(ctx, q, c.db.Builder().Delete(c.objects).Where(sq.Eq{"object_uuid": uuid}))
	return err
}

// --- indexes ---

func (c *Catalog) selectIndexes() sq.SelectBuilder {
	return c.db.Builder().
		Select("index_uuid", "object_uuid", "index_name", "index_type", "index_length").
		From(c.indices)
}

func scanIndex(scan func(...interface{}) error) (*types.Index, error) {
	var (
		idx    types.Index
		typ    string
		length sql.NullInt64
	)
	if err := scan(&idx.UUID, &idx.SinkUUID, &idx.Name, &typ, &length); err != nil {
		return nil, err
	}
	idx.Type = types.IndexType(typ)
	if length.Valid {
		idx.Length = int(length.Int64)
	}
	return &idx, nil
}

// ListIndexes returns the indexes of a sink ordered by name.
func (c *Catalog) ListIndexes(ctx context.Context, q db.Queryer, sinkUUID string) ([]*types.Index, error) {
	rows, err := c.db.Query(ctx, q, c.selectIndexes().
		Where(sq.Eq{"object_uuid": sinkUUID, "group_uuid": nil}).
		OrderBy("index_name"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	indexes := make([]*types.Index, 0)
	for rows.Next() {
		idx, err := scanIndex(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan index: %w", err)
		}
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

// FindIndex returns the named index of a sink.
func (c *Catalog) FindIndex(ctx context.Context, q db.Queryer, sinkUUID, name string) (*types.Index, error) {
	query, args, err := c.selectIndexes().
		Where(sq.Eq{"object_uuid": sinkUUID, "index_name": name}).
		ToSql()
	if err != nil {
		return nil, err
	}
	idx, err := scanIndex(q.QueryRowContext(ctx, query, args...).Scan)
	if err == sql.ErrNoRows {
		return nil, lenserrors.NewNotFoundError(lenserrors.CodeIndexNotFound, fmt.Sprintf("index %q not found", name))
	}
	if err != nil {
		return nil, lenserrors.NewBackendError(lenserrors.CodeQueryFailed, "index lookup failed", err)
	}
	return idx, nil
}

// InsertIndex records a new index.
func (c *Catalog) InsertIndex(ctx context.Context, q db.Queryer, idx *types.Index) error {
	var length interface{}
	if idx.Type == types.IndexText {
		length = idx.Length
	}
	_, err := c.db.Exec(ctx, q, c.db.Builder().
		Insert(c.indices).
		Columns("index_uuid", "object_uuid", "index_name", "index_type", "index_length").
		Values(idx.UUID, idx.SinkUUID, idx.Name, string(idx.Type), length))
	return err
}

// DeleteIndex removes an index record.
func (c *Catalog) DeleteIndex(ctx context.Context, q db.Queryer, uuid string) error {
	_, err := c.db.Exec(ctx, q, c.db.Builder().Delete(c.indices).Where(sq.Eq{"index_uuid": uuid}))
	return err
}

// --- groups ---

func (c *Catalog) selectGroups() sq.SelectBuilder {
	return c.db.Builder().
		Select("group_uuid", "object_uuid", "group_name", "group_parent", "group_fields").
		From(c.groups)
}

func scanGroup(scan func(...interface{}) error) (*types.Group, error) {
	var (
		g      types.Group
		parent sql.NullString
		fields string
	)
	if err := scan(&g.UUID, &g.SinkUUID, &g.Name, &parent, &fields); err != nil {
		return nil, err
	}
	g.ParentUUID = parent.String
	g.Fields = SplitFields(fields)
	return &g, nil
}

func (c *Catalog) queryGroups(ctx context.Context, q db.Queryer, pred sq.Sqlizer) ([]*types.Group, error) {
	rows, err := c.db.Query(ctx, q, c.selectGroups().Where(pred).OrderBy("group_name"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make([]*types.Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("manifest: failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ListGroups returns every group of a sink.
func (c *Catalog) ListGroups(ctx context.Context, q db.Queryer, sinkUUID string) ([]*types.Group, error) {
	return c.queryGroups(ctx, q, sq.Eq{"object_uuid": sinkUUID})
}

// ChildGroups returns the groups of a sink whose parent is parentUUID;
// an empty parentUUID selects the root groups.
func (c *Catalog) ChildGroups(ctx context.Context, q db.Queryer, sinkUUID, parentUUID string) ([]*types.Group, error) {
	var parent interface{}
	if parentUUID != "" {
		parent = parentUUID
	}
	return c.queryGroups(ctx, q, sq.Eq{"object_uuid": sinkUUID, "group_parent": parent})
}

// FindGroup returns the named group of a sink.
func (c *Catalog) FindGroup(ctx context.Context, q db.Queryer, sinkUUID, name string) (*types.Group, error) {
	groups, err := c.queryGroups(ctx, q, sq.Eq{"object_uuid": sinkUUID, "group_name": name})
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, lenserrors.NewNotFoundError(lenserrors.CodeGroupNotFound, fmt.Sprintf("group %q not found", name))
	}
	return groups[0], nil
}

// InsertGroup records a new group.
func (c *Catalog) InsertGroup(ctx context.Context, q db.Queryer, g *types.Group) error {
	var parent interface{}
	if g.ParentUUID != "" {
		parent = g.ParentUUID
	}
	_, err := c.db.Exec(ctx, q, c.db.Builder().
		Insert(c.groups).
		Columns("group_uuid", "object_uuid", "group_name", "group_parent", "group_fields").
		Values(g.UUID, g.SinkUUID, g.Name, parent, JoinFields(g.Fields)))
	return err
}

// DeleteGroup removes a group record.
func (c *Catalog) DeleteGroup(ctx context.Context, q db.Queryer, uuid string) error {
	_, err := c.db.Exec(ctx, q, c.db.Builder().Delete(c.groups).Where(sq.Eq{"group_uuid": uuid}))
	return err
}

// JoinFields encodes group fields for the catalogue.
func JoinFields(fields []string) string {
	return strings.Join(fields, ",")
}

// SplitFields decodes catalogue group fields.
func SplitFields(s string) []string {
	fields := make([]string, 0)
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}
