// Package ingest appends events to a sink's event table.
package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/arkilian/lens/internal/calendar"
	"github.com/arkilian/lens/internal/db"
	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/index"
	"github.com/arkilian/lens/internal/indexer"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/internal/registry"
)

// Ingestor stores events and, unless asked to be lazy, indexes them before returning.
type Ingestor struct {
	db       *db.DB
	registry *registry.Registry
	indexes  *index.Catalogue
	indexer  *indexer.Indexer
	ids      ident.Source
}

// New creates an ingestor.
func New(d *db.DB, reg *registry.Registry, indexes *index.Catalogue, ix *indexer.Indexer, ids ident.Source) *Ingestor {
	return &Ingestor{
		db:       d,
		registry: reg,
		indexes:  indexes,
		indexer:  ix,
		ids:      ids,
	}
}

// AddEvent appends one event to a sink and returns its identifier. The row is
// written dirty in a single statement. When lazy is false the event is indexed
// synchronously; if that fails the identifier is still returned alongside the
// error, since the event is stored and the daemon will pick it up.
func (in *Ingestor) AddEvent(ctx context.Context, sinkName string, payload interface{}, lazy bool) (string, error) {
	sink, err := in.registry.Lookup(ctx, sinkName)
	if err != nil {
		return "", err
	}

	doc, fields, err := NormalizePayload(payload)
	if err != nil {
		return "", err
	}

	id := in.ids.NewID()
	now := in.ids.Now()
	cal := calendar.Decompose(now)

	cols := []string{manifest.ColUUID, manifest.ColTimestamp, manifest.ColDirty, manifest.ColKind, manifest.ColData}
	vals := []interface{}{id, calendar.FormatTimestamp(now), db.FlagYes, Kind(fields), doc}
	calValues := calendar.Values(cal)
	for _, col := range calendar.Columns() {
		cols = append(cols, col)
		vals = append(vals, calValues[col])
	}

	_, err = in.db.Exec(ctx, in.db.SQL(), in.db.Builder().
		Insert(in.db.Quote(in.db.EventTable(sink.Name))).
		Columns(in.db.Quoted(cols...)...).
		Values(vals...))
	if err != nil {
		return "", err
	}

	if lazy {
		return id, nil
	}
	if err := in.indexer.IndexOne(ctx, sink, id, now, doc); err != nil {
		log.Printf("ingest: [WARN] event %s stored in %s but left dirty: %v", id, sink.Name, err)
		return id, err
	}
	return id, nil
}

// AddEvents appends several events in order and returns their identifiers.
// It stops at the first failure.
func (in *Ingestor) AddEvents(ctx context.Context, sinkName string, payloads []interface{}, lazy bool) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for i, p := range payloads {
		id, err := in.AddEvent(ctx, sinkName, p, lazy)
		if id != "" {
			ids = append(ids, id)
		}
		if err != nil {
			return ids, fmt.Errorf("ingest: event %d of %d: %w", i+1, len(payloads), err)
		}
	}
	return ids, nil
}
