package aggregate

import (
	"context"
	"log"

	sq "github.com/Masterminds/squirrel"

	"github.com/arkilian/lens/internal/calendar"
	"github.com/arkilian/lens/internal/db"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/pkg/types"
)

// Row is one rollup row.
type Row struct {
	Key    string `json:"key"`
	Fields Tuple  `json:"fields"`
	Count  int64  `json:"count"`
	Dirty  bool   `json:"dirty"`
}

// Hierarchy returns every group of a sink ordered parents before children,
// each paired with its parent (nil for roots).
func (e *Engine) Hierarchy(ctx context.Context, sinkUUID string) ([]*types.Group, map[string]*types.Group, error) {
	var (
		order   []*types.Group
		parents = make(map[string]*types.Group)
		queue   = []*types.Group{nil}
	)
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		parentUUID := ""
		if parent != nil {
			parentUUID = parent.UUID
		}
		children, err := e.Children(ctx, sinkUUID, parentUUID)
		if err != nil {
			return nil, nil, err
		}
		for _, g := range children {
			parents[g.UUID] = parent
			order = append(order, g)
			queue = append(queue, g)
		}
	}
	return order, parents, nil
}

// RollupDirty settles up to limit dirty rollup rows of a sink (0 for all),
// parents before children: each row is recounted from its source, pushed
// into its child groups and marked clean. Group definitions are re-read from
// the catalogue first. It returns the rows settled.
func (e *Engine) RollupDirty(ctx context.Context, sink *types.Sink, limit int) (int, error) {
	e.Refresh(sink.UUID)
	groups, parents, err := e.Hierarchy(ctx, sink.UUID)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, g := range groups {
		for limit <= 0 || done < limit {
			if err := ctx.Err(); err != nil {
				return done, err
			}
			row, err := e.nextDirty(ctx, sink, g)
			if err != nil {
				return done, err
			}
			if row == nil {
				break
			}
			err = e.settle(ctx, sink, parents[g.UUID], g, row.Fields)
			if lenserrors.GetCode(err) == lenserrors.CodeDefinitionsChanged {
				// the row stays dirty and is settled again against fresh definitions
				log.Printf("aggregate: groups of %s changed while settling %s row %s, retrying", sink.Name, g.Name, row.Key)
				continue
			}
			if err != nil {
				return done, err
			}
			done++
		}
	}
	return done, nil
}

func (e *Engine) nextDirty(ctx context.Context, sink *types.Sink, g *types.Group) (*Row, error) {
	rows, err := e.rows(ctx, sink, g, sq.Eq{e.db.Quote(manifest.ColDirty): db.FlagYes}, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Rows returns every row of a group's rollup table ordered by key.
func (e *Engine) Rows(ctx context.Context, sinkName, groupName string) ([]*Row, error) {
	sink, g, err := e.Find(ctx, sinkName, groupName)
	if err != nil {
		return nil, err
	}
	return e.rows(ctx, sink, g, nil, 0)
}

func (e *Engine) rows(ctx context.Context, sink *types.Sink, g *types.Group, pred sq.Sqlizer, limit uint64) ([]*Row, error) {
	cols := []string{e.db.Quote(manifest.ColKey), e.db.Quote(manifest.ColCount), e.db.Quote(manifest.ColDirty)}
	for _, f := range g.Fields {
		col, _ := calendar.Column(f)
		cols = append(cols, e.db.Quote(col))
	}

	stmt := e.db.Builder().
		Select(cols...).
		From(e.db.Quote(e.db.GroupTable(sink.Name, g.Name))).
		OrderBy(e.db.Quote(manifest.ColKey))
	if pred != nil {
		stmt = stmt.Where(pred)
	}
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	rs, err := e.db.Query(ctx, e.db.SQL(), stmt)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	out := make([]*Row, 0)
	for rs.Next() {
		var (
			row   Row
			dirty string
			vals  = make([]interface{}, len(g.Fields))
		)
		dest := []interface{}{&row.Key, &row.Count, &dirty}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rs.Scan(dest...); err != nil {
			return nil, err
		}
		row.Dirty = dirty == db.FlagYes
		row.Fields = make(Tuple, len(g.Fields))
		for i, f := range g.Fields {
			n, ok, err := db.AsInt64(vals[i])
			if err != nil {
				return nil, err
			}
			if ok {
				row.Fields[f] = n
			} else {
				row.Fields[f] = nil
			}
		}
		out = append(out, &row)
	}
	return out, rs.Err()
}
