// Package aggregate maintains hierarchical rollups of a sink's events.
// A group counts events per distinct tuple of calendar fields; a nested
// group rolls its parent's rows up further.
package aggregate

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/arkilian/lens/internal/cache"
	"github.com/arkilian/lens/internal/calendar"
	"github.com/arkilian/lens/internal/db"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/internal/registry"
	"github.com/arkilian/lens/pkg/types"
)

// Engine defines groups and keeps their rollup tables current.
type Engine struct {
	db       *db.DB
	catalog  *manifest.Catalog
	registry *registry.Registry
	cache    *cache.Catalog
	ids      ident.Source
}

// NewEngine creates an aggregate engine.
func NewEngine(catalog *manifest.Catalog, reg *registry.Registry, c *cache.Catalog, ids ident.Source) *Engine {
	if ids == nil {
		ids = ident.System{}
	}
	return &Engine{
		db:       catalog.DB(),
		catalog:  catalog,
		registry: reg,
		cache:    c,
		ids:      ids,
	}
}

// ValidateName normalises a group name.
func ValidateName(raw string) (string, error) {
	name, err := types.NormalizeName(raw, types.MaxGroupNameLength)
	if err != nil {
		return "", lenserrors.NewValidationError(lenserrors.CodeInvalidName,
			fmt.Sprintf("invalid group name %q: %v", raw, err))
	}
	return name, nil
}

// Define creates a group over fields, nested under parentName when it is
// not empty, and returns its uuid. Unknown fields, and for nested groups
// fields the parent does not carry, are dropped with a warning.
func (e *Engine) Define(ctx context.Context, sinkName, groupName string, rawFields []string, parentName string) (string, error) {
	sink, err := e.registry.Lookup(ctx, sinkName)
	if err != nil {
		return "", err
	}
	name, err := ValidateName(groupName)
	if err != nil {
		return "", err
	}

	fields, unknown := NormalizeFields(rawFields)
	for _, f := range unknown {
		log.Printf("aggregate: [WARN] ignoring unknown field %q in group %s.%s", f, sink.Name, name)
	}

	var parent *types.Group
	if strings.TrimSpace(parentName) != "" {
		pname, err := ValidateName(parentName)
		if err != nil {
			return "", err
		}
		if parent, err = e.catalog.FindGroup(ctx, e.db.SQL(), sink.UUID, pname); err != nil {
			return "", err
		}
		fields = e.restrictToParent(sink, name, parent, fields)
	}

	if len(fields) == 0 {
		return "", lenserrors.NewValidationError(lenserrors.CodeNoGroupFields,
			fmt.Sprintf("group %q has no valid fields", name))
	}

	g := &types.Group{SinkUUID: sink.UUID, Name: name, Fields: fields}
	if parent != nil {
		g.ParentUUID = parent.UUID
	}

	err = e.db.RetryTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := e.catalog.FindGroup(ctx, tx, sink.UUID, name); err == nil {
			return lenserrors.NewConflictError(lenserrors.CodeGroupExists,
				fmt.Sprintf("group %q already exists on sink %q", name, sink.Name))
		} else if !lenserrors.IsNotFound(err) {
			return err
		}
		g.UUID = e.ids.NewID()
		return e.catalog.InsertGroup(ctx, tx, g)
	})
	if err != nil {
		return "", err
	}

	if err := e.db.Apply(ctx, manifest.GroupTable(e.db, sink.Name, g)); err != nil {
		log.Printf("aggregate: [WARN] rollup table for %s.%s could not be created, removing catalogue entry: %v", sink.Name, name, err)
		if derr := e.catalog.DeleteGroup(context.WithoutCancel(ctx), e.db.SQL(), g.UUID); derr != nil {
			log.Printf("aggregate: [WARN] compensating delete of group %s.%s failed: %v", sink.Name, name, derr)
		}
		e.cache.InvalidateGroups(sink.UUID)
		return "", lenserrors.NewSchemaError(fmt.Sprintf("failed to create rollup table for group %q", name), err)
	}

	e.cache.InvalidateGroups(sink.UUID)

	source := e.db.EventTable(sink.Name)
	if parent != nil {
		source = e.db.GroupTable(sink.Name, parent.Name)
	}
	if err := e.markDirty(ctx, source); err != nil {
		return "", err
	}

	log.Printf("aggregate: created group %s.%s (%s) over %s", sink.Name, name, g.UUID, manifest.JoinFields(fields))
	return g.UUID, nil
}

func (e *Engine) restrictToParent(sink *types.Sink, name string, parent *types.Group, fields []string) []string {
	inParent := make(map[string]bool, len(parent.Fields))
	for _, f := range parent.Fields {
		inParent[f] = true
	}
	kept := fields[:0]
	for _, f := range fields {
		if !inParent[f] {
			log.Printf("aggregate: [WARN] dropping field %q from group %s.%s: parent %s does not group on it",
				f, sink.Name, name, parent.Name)
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

func (e *Engine) markDirty(ctx context.Context, table string) error {
	_, err := e.db.Exec(ctx, e.db.SQL(), e.db.Builder().
		Update(e.db.Quote(table)).
		Set(e.db.Quote(manifest.ColDirty), db.FlagYes).
		Where(sq.NotEq{e.db.Quote(manifest.ColDirty): db.FlagYes}))
	return err
}

// Children returns the groups nested directly under parentUUID, or the
// root groups when parentUUID is empty.
func (e *Engine) Children(ctx context.Context, sinkUUID, parentUUID string) ([]*types.Group, error) {
	if list, ok := e.cache.Children(sinkUUID, parentUUID); ok {
		return list, nil
	}
	list, err := e.catalog.ChildGroups(ctx, e.db.SQL(), sinkUUID, parentUUID)
	if err != nil {
		return nil, err
	}
	e.cache.PutChildren(sinkUUID, parentUUID, list)
	return list, nil
}

// Refresh drops the cached group lists of a sink so the next lookup reads
// the catalogue.
func (e *Engine) Refresh(sinkUUID string) {
	e.cache.InvalidateGroups(sinkUUID)
}

// VerifyChildren checks, through q, that list is still the full set of
// groups nested under parentUUID ("" for roots). If another process defined
// one since list was read, the cached group lists are dropped and a
// DEFINITIONS_CHANGED conflict returned.
func (e *Engine) VerifyChildren(ctx context.Context, q db.Queryer, sinkUUID, parentUUID string, list []*types.Group) error {
	current, err := e.catalog.ChildGroups(ctx, q, sinkUUID, parentUUID)
	if err != nil {
		return err
	}
	if sameGroups(current, list) {
		return nil
	}
	e.cache.InvalidateGroups(sinkUUID)
	return lenserrors.NewConflictError(lenserrors.CodeDefinitionsChanged,
		fmt.Sprintf("groups of sink %s changed", sinkUUID))
}

func sameGroups(a, b []*types.Group) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, g := range a {
		seen[g.UUID] = true
	}
	for _, g := range b {
		if !seen[g.UUID] {
			return false
		}
	}
	return true
}

// Find returns a group of a sink by name.
func (e *Engine) Find(ctx context.Context, sinkName, groupName string) (*types.Sink, *types.Group, error) {
	sink, err := e.registry.Lookup(ctx, sinkName)
	if err != nil {
		return nil, nil, err
	}
	name, err := ValidateName(groupName)
	if err != nil {
		return nil, nil, err
	}
	g, err := e.catalog.FindGroup(ctx, e.db.SQL(), sink.UUID, name)
	if err != nil {
		return nil, nil, err
	}
	return sink, g, nil
}

// UpsertGroups refreshes, in every child group of parentUUID, the row
// matching fields. Each row's count is recomputed from its source. With
// cascade set and lazy unset each row is settled: pushed down into nested
// groups and marked clean. Otherwise it is left dirty for the rollup pass.
func (e *Engine) UpsertGroups(ctx context.Context, sink *types.Sink, parentUUID string, fields Tuple, cascade, lazy bool) error {
	var parent *types.Group
	if parentUUID != "" {
		var err error
		if parent, err = e.groupByUUID(ctx, sink, parentUUID); err != nil {
			return err
		}
	}
	children, err := e.Children(ctx, sink.UUID, parentUUID)
	if err != nil {
		return err
	}
	return e.upsertEach(ctx, sink, parent, children, fields, cascade && !lazy)
}

// UpsertRoots settles the row matching fields in each of roots, which the
// caller has read from Children and later confirms with VerifyChildren.
func (e *Engine) UpsertRoots(ctx context.Context, sink *types.Sink, roots []*types.Group, fields Tuple) error {
	return e.upsertEach(ctx, sink, nil, roots, fields, true)
}

func (e *Engine) upsertEach(ctx context.Context, sink *types.Sink, parent *types.Group, groups []*types.Group, fields Tuple, settle bool) error {
	for _, g := range groups {
		tuple := fields.Project(g.Fields)
		var err error
		if settle {
			err = e.settle(ctx, sink, parent, g, tuple)
		} else {
			_, err = e.upsert(ctx, sink, parent, g, tuple, false)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// settle recounts one row of g, cascades it into g's child groups and marks
// it clean. A leaf row is written clean in the recount transaction. Otherwise
// the flag is cleared afterwards, and only while the row still holds the
// count that was cascaded: a row another writer re-counted meanwhile stays
// dirty.
func (e *Engine) settle(ctx context.Context, sink *types.Sink, parent, g *types.Group, tuple Tuple) error {
	children, err := e.Children(ctx, sink.UUID, g.UUID)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		_, err := e.upsert(ctx, sink, parent, g, tuple, true)
		return err
	}

	count, err := e.upsert(ctx, sink, parent, g, tuple, false)
	if err != nil {
		return err
	}
	if err := e.upsertEach(ctx, sink, g, children, tuple, true); err != nil {
		return err
	}
	return e.clearRow(ctx, sink, g, tuple, count, children)
}

// clearRow marks a row of g clean if it still holds count and g's child
// groups are still children.
func (e *Engine) clearRow(ctx context.Context, sink *types.Sink, g *types.Group, tuple Tuple, count int64, children []*types.Group) error {
	pred := e.tuplePredicate(g, tuple)
	pred[e.db.Quote(manifest.ColCount)] = count
	return e.db.RetryTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := e.db.Exec(ctx, tx, e.db.Builder().
			Update(e.db.Quote(e.db.GroupTable(sink.Name, g.Name))).
			Set(e.db.Quote(manifest.ColDirty), db.FlagNo).
			Where(pred)); err != nil {
			return err
		}
		return e.VerifyChildren(ctx, tx, sink.UUID, g.UUID, children)
	})
}

// upsert recounts and writes one rollup row inside the retry loop and
// returns the count written. The row is left dirty unless clean is set, in
// which case g must still have no child groups when the write commits.
func (e *Engine) upsert(ctx context.Context, sink *types.Sink, parent, g *types.Group, tuple Tuple, clean bool) (int64, error) {
	table := e.db.GroupTable(sink.Name, g.Name)
	pred := e.tuplePredicate(g, tuple)
	flag := db.FlagYes
	if clean {
		flag = db.FlagNo
	}

	var count int64
	err := e.db.RetryTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if count, err = e.recount(ctx, tx, sink, parent, g, tuple); err != nil {
			return err
		}

		var existing int
		err = e.db.QueryRow(ctx, tx, e.db.Builder().
			Select("1").
			From(e.db.Quote(table)).
			Where(pred).
			Limit(1), &existing)
		switch {
		case err == nil:
			_, err = e.db.Exec(ctx, tx, e.db.Builder().
				Update(e.db.Quote(table)).
				Set(e.db.Quote(manifest.ColCount), count).
				Set(e.db.Quote(manifest.ColDirty), flag).
				Where(pred))
		case err == sql.ErrNoRows:
			cols := []string{e.db.Quote(manifest.ColKey), e.db.Quote(manifest.ColCount), e.db.Quote(manifest.ColDirty)}
			vals := []interface{}{tuple.Key(g.Fields), count, flag}
			for _, f := range g.Fields {
				col, _ := calendar.Column(f)
				cols = append(cols, e.db.Quote(col))
				vals = append(vals, tuple[f])
			}
			_, err = e.db.Exec(ctx, tx, e.db.Builder().Insert(e.db.Quote(table)).Columns(cols...).Values(vals...))
		}
		if err != nil || !clean {
			return err
		}
		return e.VerifyChildren(ctx, tx, sink.UUID, g.UUID, nil)
	})
	return count, err
}

// recount computes a row's exact count from its source: events for a root
// group, the parent's rows for a nested one.
func (e *Engine) recount(ctx context.Context, q db.Queryer, sink *types.Sink, parent, g *types.Group, tuple Tuple) (int64, error) {
	var stmt sq.SelectBuilder
	if parent == nil {
		stmt = e.db.Builder().Select("COUNT(*)").From(e.db.Quote(e.db.EventTable(sink.Name)))
	} else {
		stmt = e.db.Builder().
			Select("COALESCE(SUM(" + e.db.Quote(manifest.ColCount) + "), 0)").
			From(e.db.Quote(e.db.GroupTable(sink.Name, parent.Name)))
	}

	var raw interface{}
	if err := e.db.QueryRow(ctx, q, stmt.Where(e.tuplePredicate(g, tuple)), &raw); err != nil {
		return 0, err
	}
	n, _, err := db.AsInt64(raw)
	return n, err
}

// tuplePredicate matches the rows whose group fields equal tuple, using
// IS NULL for absent values. It applies to the group's own table and to its
// source table, which carries the same columns.
func (e *Engine) tuplePredicate(g *types.Group, tuple Tuple) sq.Eq {
	pred := sq.Eq{}
	for _, f := range g.Fields {
		col, _ := calendar.Column(f)
		pred[e.db.Quote(col)] = tuple[f]
	}
	return pred
}

func (e *Engine) groupByUUID(ctx context.Context, sink *types.Sink, uuid string) (*types.Group, error) {
	groups, err := e.catalog.ListGroups(ctx, e.db.SQL(), sink.UUID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.UUID == uuid {
			return g, nil
		}
	}
	return nil, lenserrors.NewNotFoundError(lenserrors.CodeGroupNotFound,
		fmt.Sprintf("group %s not found on sink %q", uuid, sink.Name))
}
