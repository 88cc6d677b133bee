package ingest

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/arkilian/lens/internal/calendar"
	"github.com/arkilian/lens/internal/db"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/pkg/types"
)

// Get reads one event of a sink, including its index column values.
func (in *Ingestor) Get(ctx context.Context, sinkName, eventUUID string) (*types.Event, error) {
	var found *types.Event
	err := in.scan(ctx, sinkName, sq.Eq{in.db.Quote(manifest.ColUUID): eventUUID}, func(ev *types.Event) error {
		found = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, lenserrors.NewNotFoundError(lenserrors.CodeObjectNotFound,
			fmt.Sprintf("event %s not found in sink %q", eventUUID, sinkName))
	}
	return found, nil
}

// Scan calls fn for every event of a sink in timestamp order. fn must not
// use the backend: the result set stays open while it runs.
func (in *Ingestor) Scan(ctx context.Context, sinkName string, fn func(*types.Event) error) error {
	return in.scan(ctx, sinkName, nil, fn)
}

// CountDirty returns the number of events of a sink still waiting for the indexer.
func (in *Ingestor) CountDirty(ctx context.Context, sinkName string) (int64, error) {
	sink, err := in.registry.Lookup(ctx, sinkName)
	if err != nil {
		return 0, err
	}
	var n int64
	err = in.db.QueryRow(ctx, in.db.SQL(), in.db.Builder().
		Select("COUNT(*)").
		From(in.db.Quote(in.db.EventTable(sink.Name))).
		Where(sq.Eq{in.db.Quote(manifest.ColDirty): db.FlagYes}), &n)
	return n, err
}

func (in *Ingestor) scan(ctx context.Context, sinkName string, pred sq.Sqlizer, fn func(*types.Event) error) error {
	sink, err := in.registry.Lookup(ctx, sinkName)
	if err != nil {
		return err
	}
	indexes, err := in.indexes.ListForSink(ctx, sink.UUID)
	if err != nil {
		return err
	}

	base := []string{manifest.ColUUID, manifest.ColTimestamp, manifest.ColDirty, manifest.ColKind, manifest.ColData}
	cols := append(append([]string{}, base...), calendar.Columns()...)
	for _, idx := range indexes {
		cols = append(cols, idx.Name)
	}

	stmt := in.db.Builder().
		Select(in.db.Quoted(cols...)...).
		From(in.db.Quote(in.db.EventTable(sink.Name))).
		OrderBy(in.db.Quote(manifest.ColTimestamp), in.db.Quote(manifest.ColUUID))
	if pred != nil {
		stmt = stmt.Where(pred)
	}

	rows, err := in.db.Query(ctx, in.db.SQL(), stmt)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		vals := make([]interface{}, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("ingest: failed to scan event: %w", err)
		}
		ev, err := decodeEvent(vals, len(base), indexes)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func decodeEvent(vals []interface{}, nbase int, indexes []*types.Index) (*types.Event, error) {
	var (
		ev  types.Event
		err error
	)
	ev.UUID, _ = db.AsString(vals[0])
	if ev.Timestamp, err = db.AsTime(vals[1]); err != nil {
		return nil, err
	}
	dirty, _ := db.AsString(vals[2])
	ev.Dirty = dirty == db.FlagYes
	if kind, ok := db.AsString(vals[3]); ok {
		ev.Kind = &kind
	}
	ev.Payload, _ = db.AsString(vals[4])

	calValues := make([]int, len(calendar.Fields))
	for i := range calValues {
		n, _, err := db.AsInt64(vals[nbase+i])
		if err != nil {
			return nil, err
		}
		calValues[i] = int(n)
	}
	ev.Calendar = types.CalendarFields{
		Year:    calValues[0],
		Month:   calValues[1],
		Day:     calValues[2],
		Weekday: calValues[3],
		ISOWeek: calValues[4],
		YearDay: calValues[5],
		Hour:    calValues[6],
		Minute:  calValues[7],
		Second:  calValues[8],
	}

	if len(indexes) > 0 {
		ev.Indexed = make(map[string]interface{}, len(indexes))
	}
	off := nbase + len(calValues)
	for i, idx := range indexes {
		v := vals[off+i]
		switch {
		case v == nil:
			ev.Indexed[idx.Name] = nil
		case idx.Type == types.IndexInt:
			n, _, err := db.AsInt64(v)
			if err != nil {
				return nil, err
			}
			ev.Indexed[idx.Name] = n
		default:
			s, _ := db.AsString(v)
			ev.Indexed[idx.Name] = s
		}
	}
	return &ev, nil
}
