// Package registry maintains the set of sinks: validating names, creating
// a sink's catalogue row and physical event table, and resolving names to
// identities.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/arkilian/lens/internal/cache"
	"github.com/arkilian/lens/internal/db"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/pkg/types"
)

// Registry resolves and creates sinks.
type Registry struct {
	db      *db.DB
	catalog *manifest.Catalog
	cache   *cache.Catalog
	ids     ident.Source
}

// New creates a registry over the catalogue.
func New(catalog *manifest.Catalog, c *cache.Catalog, ids ident.Source) *Registry {
	if ids == nil {
		ids = ident.System{}
	}
	return &Registry{
		db:      catalog.DB(),
		catalog: catalog,
		cache:   c,
		ids:     ids,
	}
}

// ValidateName normalises a sink name.
func ValidateName(raw string) (string, error) {
	name, err := types.NormalizeName(raw, types.MaxSinkNameLength)
	if err != nil {
		return "", lenserrors.NewValidationError(lenserrors.CodeInvalidName,
			fmt.Sprintf("invalid sink name %q: %v", raw, err))
	}
	return name, nil
}

// Lookup resolves a sink by name.
func (r *Registry) Lookup(ctx context.Context, raw string) (*types.Sink, error) {
	name, err := ValidateName(raw)
	if err != nil {
		return nil, err
	}
	if s, ok := r.cache.Sink(name); ok {
		return s, nil
	}
	s, err := r.catalog.FindSink(ctx, r.db.SQL(), name)
	if err != nil {
		return nil, err
	}
	r.cache.PutSink(s)
	return s, nil
}

// LookupByID resolves a sink by uuid.
func (r *Registry) LookupByID(ctx context.Context, uuid string) (*types.Sink, error) {
	if s, ok := r.cache.SinkByID(uuid); ok {
		return s, nil
	}
	s, err := r.catalog.FindSinkByUUID(ctx, r.db.SQL(), uuid)
	if err != nil {
		return nil, err
	}
	r.cache.PutSink(s)
	return s, nil
}

// Create registers a new sink and creates its event table, returning the
// sink's uuid. Concurrent creates of the same name produce exactly one
// winner; the others fail with a CONFLICT error.
func (r *Registry) Create(ctx context.Context, raw string) (string, error) {
	name, err := ValidateName(raw)
	if err != nil {
		return "", err
	}

	sink := &types.Sink{Name: name}
	err = r.db.RetryTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := r.catalog.FindSink(ctx, tx, name); err == nil {
			return lenserrors.NewConflictError(lenserrors.CodeSinkExists,
				fmt.Sprintf("sink %q already exists", name))
		} else if !lenserrors.IsNotFound(err) {
			return err
		}
		sink.UUID = r.ids.NewID()
		return r.catalog.InsertSink(ctx, tx, sink)
	})
	if err != nil {
		return "", err
	}

	if err := r.db.Apply(ctx, manifest.EventTable(r.db, name, db.CreateIfAbsent)); err != nil {
		log.Printf("registry: [WARN] event table for sink %s could not be created, removing catalogue entry: %v", name, err)
		if derr := r.catalog.DeleteSink(context.WithoutCancel(ctx), r.db.SQL(), sink.UUID); derr != nil {
			log.Printf("registry: [WARN] compensating delete of sink %s failed: %v", name, derr)
		}
		return "", lenserrors.NewSchemaError(fmt.Sprintf("failed to create event table for sink %q", name), err)
	}

	r.cache.PutSink(sink)
	log.Printf("registry: created sink %s (%s)", name, sink.UUID)
	return sink.UUID, nil
}

// Sinks returns every sink ordered by name.
func (r *Registry) Sinks(ctx context.Context) ([]*types.Sink, error) {
	sinks, err := r.catalog.ListSinks(ctx, r.db.SQL())
	if err != nil {
		return nil, err
	}
	for _, s := range sinks {
		r.cache.PutSink(s)
	}
	return sinks, nil
}

// List returns every sink name; the slice is empty, not nil, when there are none.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	sinks, err := r.Sinks(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name
	}
	return names, nil
}
