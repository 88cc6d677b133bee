// Package indexer brings dirty events up to date: it fills their secondary
// index columns from the stored payload, refreshes their calendar columns,
// feeds them into the root groups, and clears their dirty flag. The daemon
// in this package runs that work continuously.
package indexer

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/arkilian/lens/internal/aggregate"
	"github.com/arkilian/lens/internal/calendar"
	"github.com/arkilian/lens/internal/db"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/index"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/internal/registry"
	"github.com/arkilian/lens/pkg/types"
)

// Indexer indexes dirty events.
type Indexer struct {
	db       *db.DB
	registry *registry.Registry
	indexes  *index.Catalogue
	engine   *aggregate.Engine
}

// New creates an indexer.
func New(d *db.DB, reg *registry.Registry, indexes *index.Catalogue, engine *aggregate.Engine) *Indexer {
	return &Indexer{
		db:       d,
		registry: reg,
		indexes:  indexes,
		engine:   engine,
	}
}

// DecodePayload parses a stored payload. Numbers are kept as json.Number so
// large integers survive; anything but a JSON object decodes to an empty map.
func DecodePayload(payload string) map[string]interface{} {
	out := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil || out == nil {
		return make(map[string]interface{})
	}
	return out
}

// maxDefinitionRetries bounds how often one event is redone because indexes
// or groups were defined while it was being indexed.
const maxDefinitionRetries = 3

// IndexOne writes the index and calendar columns of one event, pushes it
// into the sink's root groups and only then clears its dirty flag. The flag
// is cleared in a transaction that re-reads the index and root group
// definitions; if another process defined one meanwhile the event is
// indexed again against the new definitions.
func (ix *Indexer) IndexOne(ctx context.Context, sink *types.Sink, eventUUID string, timestamp time.Time, payload string) error {
	var err error
	for attempt := 0; attempt < maxDefinitionRetries; attempt++ {
		err = ix.indexOne(ctx, sink, eventUUID, timestamp, payload)
		if lenserrors.GetCode(err) != lenserrors.CodeDefinitionsChanged {
			return err
		}
		log.Printf("indexer: definitions of %s changed while indexing event %s, retrying", sink.Name, eventUUID)
	}
	return err
}

func (ix *Indexer) indexOne(ctx context.Context, sink *types.Sink, eventUUID string, timestamp time.Time, payload string) error {
	indexes, err := ix.indexes.ListForSink(ctx, sink.UUID)
	if err != nil {
		return err
	}
	roots, err := ix.engine.Children(ctx, sink.UUID, "")
	if err != nil {
		return err
	}

	cal := calendar.Decompose(timestamp)
	sets := index.Values(indexes, DecodePayload(payload))
	for col, v := range calendar.Values(cal) {
		sets[col] = v
	}

	table := ix.db.Quote(ix.db.EventTable(sink.Name))
	update := ix.db.Builder().Update(table)
	cols := make([]string, 0, len(sets))
	for col := range sets {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		update = update.Set(ix.db.Quote(col), sets[col])
	}

	res, err := ix.db.Exec(ctx, ix.db.SQL(), update.Where(sq.Eq{
		ix.db.Quote("_year"):          cal.Year,
		ix.db.Quote("_yearday"):       cal.YearDay,
		ix.db.Quote("_hour"):          cal.Hour,
		ix.db.Quote(manifest.ColUUID): eventUUID,
	}))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// stored calendar columns disagree with the timestamp; locate by uuid alone
		log.Printf("indexer: [WARN] event %s in %s not found by calendar predicate, retrying by uuid", eventUUID, sink.Name)
		if _, err := ix.db.Exec(ctx, ix.db.SQL(), update.Where(sq.Eq{ix.db.Quote(manifest.ColUUID): eventUUID})); err != nil {
			return err
		}
	}

	tuple := make(aggregate.Tuple)
	for f, v := range calendar.FieldValues(cal) {
		tuple[f] = v
	}
	if err := ix.engine.UpsertRoots(ctx, sink, roots, tuple); err != nil {
		if lenserrors.GetCode(err) == lenserrors.CodeDefinitionsChanged {
			return err
		}
		return fmt.Errorf("indexer: failed to aggregate event %s: %w", eventUUID, err)
	}

	return ix.db.RetryTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := ix.db.Exec(ctx, tx, ix.db.Builder().
			Update(table).
			Set(ix.db.Quote(manifest.ColDirty), db.FlagNo).
			Where(sq.Eq{ix.db.Quote(manifest.ColUUID): eventUUID})); err != nil {
			return err
		}
		if err := ix.indexes.Verify(ctx, tx, sink.UUID, indexes); err != nil {
			return err
		}
		return ix.engine.VerifyChildren(ctx, tx, sink.UUID, "", roots)
	})
}

type dirtyEvent struct {
	uuid      string
	timestamp time.Time
	payload   string
}

func (ix *Indexer) nextDirty(ctx context.Context, sink *types.Sink) (*dirtyEvent, error) {
	rows, err := ix.db.Query(ctx, ix.db.SQL(), ix.db.Builder().
		Select(ix.db.Quoted(manifest.ColUUID, manifest.ColTimestamp, manifest.ColData)...).
		From(ix.db.Quote(ix.db.EventTable(sink.Name))).
		Where(sq.Eq{ix.db.Quote(manifest.ColDirty): db.FlagYes}).
		Limit(1))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		ev dirtyEvent
		ts interface{}
	)
	if err := rows.Scan(&ev.uuid, &ts, &ev.payload); err != nil {
		return nil, fmt.Errorf("indexer: failed to scan event: %w", err)
	}
	if ev.timestamp, err = db.AsTime(ts); err != nil {
		return nil, err
	}
	return &ev, nil
}

// IndexBatch indexes dirty events of a sink one at a time until none remain
// or limit have been processed (0 for no limit). No ordering is guaranteed.
// Index and group definitions are re-read from the catalogue first.
func (ix *Indexer) IndexBatch(ctx context.Context, sinkName string, limit int) (int, error) {
	sink, err := ix.registry.Lookup(ctx, sinkName)
	if err != nil {
		return 0, err
	}
	ix.indexes.Refresh(sink.UUID)
	ix.engine.Refresh(sink.UUID)

	done := 0
	for limit <= 0 || done < limit {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		ev, err := ix.nextDirty(ctx, sink)
		if err != nil {
			return done, err
		}
		if ev == nil {
			break
		}
		if err := ix.IndexOne(ctx, sink, ev.uuid, ev.timestamp, ev.payload); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// RollupBatch settles up to limit dirty rollup rows of a sink (0 for all).
func (ix *Indexer) RollupBatch(ctx context.Context, sinkName string, limit int) (int, error) {
	sink, err := ix.registry.Lookup(ctx, sinkName)
	if err != nil {
		return 0, err
	}
	return ix.engine.RollupDirty(ctx, sink, limit)
}

// Reindex indexes every dirty event of a sink, then settles every dirty
// rollup row. It returns the number of events indexed.
func (ix *Indexer) Reindex(ctx context.Context, sinkName string) (int, error) {
	n, err := ix.IndexBatch(ctx, sinkName, 0)
	if err != nil {
		return n, err
	}
	rolled, err := ix.RollupBatch(ctx, sinkName, 0)
	if err != nil {
		return n, err
	}
	if n > 0 || rolled > 0 {
		log.Printf("indexer: reindexed %s: %d events, %d rollup rows", sinkName, n, rolled)
	}
	return n, nil
}
