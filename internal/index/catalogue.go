// Package index manages secondary indexes: typed, nullable columns added to
// a sink's event table at runtime and populated from payload keys of the
// same name.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	sq "github.com/Masterminds/squirrel"

	"github.com/arkilian/lens/internal/cache"
	"github.com/arkilian/lens/internal/db"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/internal/registry"
	"github.com/arkilian/lens/pkg/types"
)

// Catalogue defines and lists the indexes of sinks.
type Catalogue struct {
	db       *db.DB
	catalog  *manifest.Catalog
	registry *registry.Registry
	cache    *cache.Catalog
	ids      ident.Source
}

// NewCatalogue creates an index catalogue.
func NewCatalogue(catalog *manifest.Catalog, reg *registry.Registry, c *cache.Catalog, ids ident.Source) *Catalogue {
	if ids == nil {
		ids = ident.System{}
	}
	return &Catalogue{
		db:       catalog.DB(),
		catalog:  catalog,
		registry: reg,
		cache:    c,
		ids:      ids,
	}
}

// ParseType parses a case-insensitive index type name.
func ParseType(s string) (types.IndexType, error) {
	t, err := types.ParseIndexType(s)
	if err != nil {
		return "", lenserrors.NewValidationError(lenserrors.CodeInvalidIndexType, err.Error())
	}
	return t, nil
}

// ValidateName normalises an index name.
func ValidateName(raw string) (string, error) {
	name, err := types.NormalizeName(raw, types.MaxIndexNameLength)
	if err != nil {
		return "", lenserrors.NewValidationError(lenserrors.CodeInvalidName,
			fmt.Sprintf("invalid index name %q: %v", raw, err))
	}
	return name, nil
}

// ListForSink returns the indexes of a sink, from cache when fresh.
func (c *Catalogue) ListForSink(ctx context.Context, sinkUUID string) ([]*types.Index, error) {
	if list, ok := c.cache.Indexes(sinkUUID); ok {
		return list, nil
	}
	list, err := c.catalog.ListIndexes(ctx, c.db.SQL(), sinkUUID)
	if err != nil {
		return nil, err
	}
	c.cache.PutIndexes(sinkUUID, list)
	return list, nil
}

// Refresh drops the cached index list of a sink so the next lookup reads
// the catalogue.
func (c *Catalogue) Refresh(sinkUUID string) {
	c.cache.InvalidateIndexes(sinkUUID)
}

// Verify checks, through q, that list is still the full set of indexes of
// the sink. Another process may have defined one since list was read; the
// cached list is then dropped and a DEFINITIONS_CHANGED conflict returned.
func (c *Catalogue) Verify(ctx context.Context, q db.Queryer, sinkUUID string, list []*types.Index) error {
	current, err := c.catalog.ListIndexes(ctx, q, sinkUUID)
	if err != nil {
		return err
	}
	if sameIndexes(current, list) {
		return nil
	}
	c.cache.InvalidateIndexes(sinkUUID)
	return lenserrors.NewConflictError(lenserrors.CodeDefinitionsChanged,
		fmt.Sprintf("indexes of sink %s changed", sinkUUID))
}

func sameIndexes(a, b []*types.Index) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, idx := range a {
		seen[idx.UUID] = true
	}
	for _, idx := range b {
		if !seen[idx.UUID] {
			return false
		}
	}
	return true
}

// FindByName returns one index of a sink.
func (c *Catalogue) FindByName(ctx context.Context, sinkUUID, raw string) (*types.Index, error) {
	name, err := ValidateName(raw)
	if err != nil {
		return nil, err
	}
	list, err := c.ListForSink(ctx, sinkUUID)
	if err != nil {
		return nil, err
	}
	for _, idx := range list {
		if idx.Name == name {
			return idx, nil
		}
	}
	return c.catalog.FindIndex(ctx, c.db.SQL(), sinkUUID, name)
}

// Create defines a new index on a sink, adds its column to the event table
// and marks every event dirty so the next indexing pass backfills it.
// length is required for TEXT (1..255) and ignored for INT.
func (c *Catalogue) Create(ctx context.Context, sinkName, indexName string, typ types.IndexType, length int) (string, error) {
	sink, err := c.registry.Lookup(ctx, sinkName)
	if err != nil {
		return "", err
	}
	name, err := ValidateName(indexName)
	if err != nil {
		return "", err
	}

	idx := &types.Index{SinkUUID: sink.UUID, Name: name, Type: typ}
	switch typ {
	case types.IndexText:
		if length < 1 || length > types.MaxTextIndexLength {
			return "", lenserrors.NewValidationError(lenserrors.CodeInvalidLength,
				fmt.Sprintf("TEXT index length must be between 1 and %d, got %d", types.MaxTextIndexLength, length))
		}
		idx.Length = length
	case types.IndexInt:
	default:
		return "", lenserrors.NewValidationError(lenserrors.CodeInvalidIndexType,
			fmt.Sprintf("unsupported index type %q", typ))
	}

	err = c.db.RetryTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := c.catalog.FindIndex(ctx, tx, sink.UUID, name); err == nil {
			return lenserrors.NewConflictError(lenserrors.CodeIndexExists,
				fmt.Sprintf("index %q already exists on sink %q", name, sink.Name))
		} else if !lenserrors.IsNotFound(err) {
			return err
		}
		idx.UUID = c.ids.NewID()
		return c.catalog.InsertIndex(ctx, tx, idx)
	})
	if err != nil {
		return "", err
	}

	if err := c.db.Apply(ctx, manifest.IndexColumnsTable(c.db, sink.Name, idx)); err != nil {
		log.Printf("index: [WARN] column for %s.%s could not be added, removing catalogue entry: %v", sink.Name, name, err)
		if derr := c.catalog.DeleteIndex(context.WithoutCancel(ctx), c.db.SQL(), idx.UUID); derr != nil {
			log.Printf("index: [WARN] compensating delete of index %s.%s failed: %v", sink.Name, name, derr)
		}
		c.cache.InvalidateIndexes(sink.UUID)
		return "", lenserrors.NewSchemaError(fmt.Sprintf("failed to add index column %q to sink %q", name, sink.Name), err)
	}

	c.cache.InvalidateIndexes(sink.UUID)

	res, err := c.db.Exec(ctx, c.db.SQL(), c.db.Builder().
		Update(c.db.Quote(c.db.EventTable(sink.Name))).
		Set(c.db.Quote(manifest.ColDirty), db.FlagYes).
		Where(sq.NotEq{c.db.Quote(manifest.ColDirty): db.FlagYes}))
	if err != nil {
		return "", err
	}
	marked, _ := res.RowsAffected()

	log.Printf("index: created %s index %s.%s (%s), %d events queued for backfill", typ, sink.Name, name, idx.UUID, marked)
	return idx.UUID, nil
}
