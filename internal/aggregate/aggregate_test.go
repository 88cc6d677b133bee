package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/arkilian/lens/internal/cache"
	"github.com/arkilian/lens/internal/calendar"
	"github.com/arkilian/lens/internal/db"
	"github.com/arkilian/lens/internal/db/dbtest"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/manifest"
	"github.com/arkilian/lens/internal/registry"
	"github.com/arkilian/lens/pkg/types"
)

type harness struct {
	db       *db.DB
	registry *registry.Registry
	engine   *Engine
	ids      ident.Source
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d := dbtest.Open(t)
	if _, err := manifest.NewSchemaVersionManager(d).Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	catalog := manifest.NewCatalog(d)
	c := cache.NewCatalog(time.Minute)
	reg := registry.New(catalog, c, ident.System{})
	return &harness{
		db:       d,
		registry: reg,
		engine:   NewEngine(catalog, reg, c, ident.System{}),
		ids:      ident.System{},
	}
}

func (h *harness) sink(t *testing.T, name string) *types.Sink {
	t.Helper()
	if _, err := h.registry.Create(context.Background(), name); err != nil {
		t.Fatalf("create sink: %v", err)
	}
	s, err := h.registry.Lookup(context.Background(), name)
	if err != nil {
		t.Fatalf("lookup sink: %v", err)
	}
	return s
}

// logEvent inserts an already-indexed event and returns its calendar tuple.
func (h *harness) logEvent(t *testing.T, sink *types.Sink, at time.Time) Tuple {
	t.Helper()
	cal := calendar.Decompose(at)
	cols := []string{"_uuid", "_timestamp", "_dirty", "_data"}
	vals := []interface{}{h.ids.NewID(), calendar.FormatTimestamp(at), db.FlagNo, "{}"}
	for col, v := range calendar.Values(cal) {
		cols = append(cols, col)
		vals = append(vals, v)
	}
	_, err := h.db.Exec(context.Background(), h.db.SQL(), h.db.Builder().
		Insert(h.db.EventTable(sink.Name)).Columns(cols...).Values(vals...))
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	tuple := make(Tuple)
	for f, v := range calendar.FieldValues(cal) {
		tuple[f] = v
	}
	return tuple
}

func (h *harness) rows(t *testing.T, sink, group string) []*Row {
	t.Helper()
	rows, err := h.engine.Rows(context.Background(), sink, group)
	if err != nil {
		t.Fatalf("rows %s.%s: %v", sink, group, err)
	}
	return rows
}

func TestNormalizeFields(t *testing.T) {
	fields, unknown := NormalizeFields([]string{"Year", "yearday", " hour ", "year", "colour", ""})
	want := []string{"year", "year_day", "hour"}
	if len(fields) != len(want) {
		t.Fatalf("fields: got %v, want %v", fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("fields[%d]: got %s, want %s", i, fields[i], want[i])
		}
	}
	if len(unknown) != 1 || unknown[0] != "colour" {
		t.Errorf("unknown: %v", unknown)
	}
}

func TestTupleKey(t *testing.T) {
	tuple := Tuple{"year": 2024, "hour": int64(13)}
	if got := tuple.Key([]string{"year", "month", "hour"}); got != "2024,~,13" {
		t.Errorf("key: %s", got)
	}
	p := tuple.Project([]string{"year", "day"})
	if len(p) != 2 || p["year"] != int64(2024) || p["day"] != nil {
		t.Errorf("project: %#v", p)
	}
}

func TestDefine_UnknownFieldDropped(t *testing.T) {
	h := newHarness(t)
	h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"year", "colour", "hour"}, ""); err != nil {
		t.Fatalf("define: %v", err)
	}
	_, g, err := h.engine.Find(ctx, "clicks", "hourly")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(g.Fields) != 2 || g.Fields[0] != "year" || g.Fields[1] != "hour" {
		t.Errorf("fields: %v", g.Fields)
	}

	cols, err := h.db.Columns(ctx, "lens_clicks__hourly")
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	for _, c := range []string{"_key", "_count", "_dirty", "_year", "_hour"} {
		if !cols[c] {
			t.Errorf("missing column %s", c)
		}
	}
	if cols["colour"] {
		t.Error("unknown field became a column")
	}
}

func TestDefine_Errors(t *testing.T) {
	h := newHarness(t)
	h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"year", "hour"}, ""); err != nil {
		t.Fatalf("define: %v", err)
	}

	tests := []struct {
		name     string
		sink     string
		group    string
		fields   []string
		parent   string
		category lenserrors.ErrorCategory
	}{
		{"no valid fields", "clicks", "empty", []string{"colour"}, "", lenserrors.ErrCategoryValidation},
		{"no fields at all", "clicks", "empty", nil, "", lenserrors.ErrCategoryValidation},
		{"duplicate", "clicks", "hourly", []string{"year"}, "", lenserrors.ErrCategoryConflict},
		{"missing sink", "ghost", "hourly", []string{"year"}, "", lenserrors.ErrCategoryNotFound},
		{"missing parent", "clicks", "daily", []string{"year"}, "nope", lenserrors.ErrCategoryNotFound},
		{"fields absent from parent", "clicks", "monthly", []string{"month"}, "hourly", lenserrors.ErrCategoryValidation},
		{"bad name", "clicks", "by-hour", []string{"year"}, "", lenserrors.ErrCategoryValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Define(ctx, tt.sink, tt.group, tt.fields, tt.parent)
			if got := lenserrors.GetCategory(err); got != tt.category {
				t.Errorf("category: got %q (%v), want %q", got, err, tt.category)
			}
		})
	}
}

func TestDefine_NestedDropsFieldsAbsentFromParent(t *testing.T) {
	h := newHarness(t)
	h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"year", "year_day", "hour"}, ""); err != nil {
		t.Fatalf("define parent: %v", err)
	}
	if _, err := h.engine.Define(ctx, "clicks", "daily", []string{"year", "year_day", "month"}, "hourly"); err != nil {
		t.Fatalf("define child: %v", err)
	}
	_, g, err := h.engine.Find(ctx, "clicks", "daily")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(g.Fields) != 2 || g.IsRoot() {
		t.Errorf("child: %+v", g)
	}
}

func TestUpsertGroups_ExactCount(t *testing.T) {
	h := newHarness(t)
	sink := h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"year", "year_day", "hour"}, ""); err != nil {
		t.Fatalf("define: %v", err)
	}

	at := time.Date(2024, 2, 29, 13, 5, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		tuple := h.logEvent(t, sink, at.Add(time.Duration(i)*time.Minute))
		if err := h.engine.UpsertGroups(ctx, sink, "", tuple, true, false); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	rows := h.rows(t, "clicks", "hourly")
	if len(rows) != 1 {
		t.Fatalf("rows: %d", len(rows))
	}
	if rows[0].Count != 2 || rows[0].Dirty {
		t.Errorf("row: %+v", rows[0])
	}
	if rows[0].Fields["year"] != int64(2024) || rows[0].Fields["year_day"] != int64(60) || rows[0].Fields["hour"] != int64(13) {
		t.Errorf("tuple: %v", rows[0].Fields)
	}

	// Re-applying the same event must not double count.
	if err := h.engine.UpsertGroups(ctx, sink, "", Tuple{"year": 2024, "year_day": 60, "hour": 13}, true, false); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if rows := h.rows(t, "clicks", "hourly"); rows[0].Count != 2 {
		t.Errorf("count after re-upsert: %d", rows[0].Count)
	}
}

func TestUpsertGroups_CascadeIntoNested(t *testing.T) {
	h := newHarness(t)
	sink := h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"year", "year_day", "hour"}, ""); err != nil {
		t.Fatalf("define hourly: %v", err)
	}
	if _, err := h.engine.Define(ctx, "clicks", "daily", []string{"year", "year_day"}, "hourly"); err != nil {
		t.Fatalf("define daily: %v", err)
	}

	for _, at := range []time.Time{
		time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 17, 30, 0, 0, time.UTC),
	} {
		tuple := h.logEvent(t, sink, at)
		if err := h.engine.UpsertGroups(ctx, sink, "", tuple, true, false); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	if rows := h.rows(t, "clicks", "hourly"); len(rows) != 2 {
		t.Errorf("hourly rows: %d", len(rows))
	}
	daily := h.rows(t, "clicks", "daily")
	if len(daily) != 1 || daily[0].Count != 3 || daily[0].Dirty {
		t.Fatalf("daily: %+v", daily)
	}
}

func TestUpsertGroups_LazyDefersToRollup(t *testing.T) {
	h := newHarness(t)
	sink := h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"year", "year_day", "hour"}, ""); err != nil {
		t.Fatalf("define hourly: %v", err)
	}
	if _, err := h.engine.Define(ctx, "clicks", "daily", []string{"year", "year_day"}, "hourly"); err != nil {
		t.Fatalf("define daily: %v", err)
	}

	tuple := h.logEvent(t, sink, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	if err := h.engine.UpsertGroups(ctx, sink, "", tuple, true, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hourly := h.rows(t, "clicks", "hourly")
	if len(hourly) != 1 || !hourly[0].Dirty {
		t.Fatalf("hourly should hold one dirty row: %+v", hourly)
	}
	if daily := h.rows(t, "clicks", "daily"); len(daily) != 0 {
		t.Fatalf("lazy upsert cascaded: %+v", daily)
	}

	n, err := h.engine.RollupDirty(ctx, sink, 0)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if n != 1 {
		t.Errorf("settled: got %d, want 1", n)
	}
	daily := h.rows(t, "clicks", "daily")
	if len(daily) != 1 || daily[0].Count != 1 || daily[0].Dirty {
		t.Errorf("daily after rollup: %+v", daily)
	}
	if hourly := h.rows(t, "clicks", "hourly"); hourly[0].Dirty {
		t.Error("hourly row still dirty after rollup")
	}
}

func TestDefine_NestedAfterDataBackfillsViaRollup(t *testing.T) {
	h := newHarness(t)
	sink := h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"year", "year_day", "hour"}, ""); err != nil {
		t.Fatalf("define hourly: %v", err)
	}
	for _, hour := range []int{1, 2} {
		tuple := h.logEvent(t, sink, time.Date(2024, 5, 5, hour, 0, 0, 0, time.UTC))
		if err := h.engine.UpsertGroups(ctx, sink, "", tuple, true, false); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	if _, err := h.engine.Define(ctx, "clicks", "daily", []string{"year", "year_day"}, "hourly"); err != nil {
		t.Fatalf("define daily: %v", err)
	}
	for _, r := range h.rows(t, "clicks", "hourly") {
		if !r.Dirty {
			t.Errorf("parent row not marked dirty: %+v", r)
		}
	}

	if _, err := h.engine.RollupDirty(ctx, sink, 0); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	daily := h.rows(t, "clicks", "daily")
	if len(daily) != 1 || daily[0].Count != 2 {
		t.Errorf("daily: %+v", daily)
	}
}

func TestRollupDirty_RespectsLimit(t *testing.T) {
	h := newHarness(t)
	sink := h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"hour"}, ""); err != nil {
		t.Fatalf("define: %v", err)
	}
	for hour := 0; hour < 3; hour++ {
		tuple := h.logEvent(t, sink, time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC))
		if err := h.engine.UpsertGroups(ctx, sink, "", tuple, false, false); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	n, err := h.engine.RollupDirty(ctx, sink, 2)
	if err != nil || n != 2 {
		t.Fatalf("first pass: %d %v", n, err)
	}
	n, err = h.engine.RollupDirty(ctx, sink, 0)
	if err != nil || n != 1 {
		t.Fatalf("second pass: %d %v", n, err)
	}
	n, err = h.engine.RollupDirty(ctx, sink, 0)
	if err != nil || n != 0 {
		t.Fatalf("third pass: %d %v", n, err)
	}
}

// peer returns an engine on the same backend with its own cache, as a second
// process would have.
func (h *harness) peer() *Engine {
	catalog := manifest.NewCatalog(h.db)
	c := cache.NewCatalog(time.Minute)
	return NewEngine(catalog, registry.New(catalog, c, ident.System{}), c, ident.System{})
}

func TestUpsertGroups_DetectsGroupNestedElsewhere(t *testing.T) {
	h := newHarness(t)
	sink := h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"year", "year_day", "hour"}, ""); err != nil {
		t.Fatalf("define hourly: %v", err)
	}
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	tuple := h.logEvent(t, sink, at)
	if err := h.engine.UpsertGroups(ctx, sink, "", tuple, true, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := h.peer().Define(ctx, "clicks", "daily", []string{"year", "year_day"}, "hourly"); err != nil {
		t.Fatalf("define daily: %v", err)
	}

	// the engine still caches hourly as a leaf
	tuple = h.logEvent(t, sink, at.Add(time.Minute))
	err := h.engine.UpsertGroups(ctx, sink, "", tuple, true, false)
	if code := lenserrors.GetCode(err); code != lenserrors.CodeDefinitionsChanged {
		t.Fatalf("upsert: got %v, want %s", err, lenserrors.CodeDefinitionsChanged)
	}
	if hourly := h.rows(t, "clicks", "hourly"); len(hourly) != 1 || !hourly[0].Dirty {
		t.Fatalf("hourly row should stay dirty: %+v", hourly)
	}

	if _, err := h.engine.RollupDirty(ctx, sink, 0); err != nil {
		t.Fatalf("rollup: %v", err)
	}
	for _, name := range []string{"hourly", "daily"} {
		rows := h.rows(t, "clicks", name)
		if len(rows) != 1 || rows[0].Count != 2 || rows[0].Dirty {
			t.Errorf("%s: %+v", name, rows)
		}
	}
}

func TestClearRow_RequiresCascadedCount(t *testing.T) {
	h := newHarness(t)
	sink := h.sink(t, "clicks")
	ctx := context.Background()

	if _, err := h.engine.Define(ctx, "clicks", "hourly", []string{"hour"}, ""); err != nil {
		t.Fatalf("define: %v", err)
	}
	tuple := h.logEvent(t, sink, time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC))
	if err := h.engine.UpsertGroups(ctx, sink, "", tuple, false, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	_, g, err := h.engine.Find(ctx, "clicks", "hourly")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	tuple = tuple.Project(g.Fields)

	// another writer re-counted the row after 5 was cascaded
	if err := h.engine.clearRow(ctx, sink, g, tuple, 5, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if rows := h.rows(t, "clicks", "hourly"); !rows[0].Dirty {
		t.Error("row with a newer count was marked clean")
	}

	if err := h.engine.clearRow(ctx, sink, g, tuple, 1, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if rows := h.rows(t, "clicks", "hourly"); rows[0].Dirty {
		t.Error("row still dirty")
	}
}
