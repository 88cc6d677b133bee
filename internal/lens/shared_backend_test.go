package lens

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/indexer"
)

// openPair opens two stores on one SQLite file, standing in for two
// processes that share a backend. Each keeps its own catalogue cache.
func openPair(t *testing.T) (*Store, *Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lens.db")
	opts := Options{
		CacheTTL: time.Hour,
		IDs:      ident.Fixed{At: time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)},
	}
	var stores [2]*Store
	for i := range stores {
		s, err := Open(context.Background(), "sqlite", path, opts)
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		t.Cleanup(func() { s.Close() })
		stores[i] = s
	}
	return stores[0], stores[1]
}

func TestDaemon_BackfillsDefinitionsFromAnotherStore(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	if _, err := a.CreateSink(ctx, "visits"); err != nil {
		t.Fatalf("CreateSink: %v", err)
	}
	id, err := a.LogEvent(ctx, "visits", `{"country":"US"}`, false)
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	if _, err := b.DefineIndex(ctx, "visits", "country", "TEXT", 2); err != nil {
		t.Fatalf("DefineIndex: %v", err)
	}
	if _, err := b.DefineGroup(ctx, "visits", "hourly", []string{"year", "hour"}, ""); err != nil {
		t.Fatalf("DefineGroup: %v", err)
	}

	if n := a.NewDaemon(indexer.DefaultDaemonConfig()).RunOnce(ctx); n == 0 {
		t.Fatal("daemon found nothing to do")
	}

	ev, err := a.Event(ctx, "visits", id)
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if ev.Dirty {
		t.Error("event still dirty after the daemon ran")
	}
	if got := fmt.Sprint(ev.Indexed["country"]); got != "US" {
		t.Errorf("country: got %s, want US", got)
	}
	rows, err := a.GroupRows(ctx, "visits", "hourly")
	if err != nil {
		t.Fatalf("GroupRows: %v", err)
	}
	if len(rows) != 1 || rows[0].Count != 1 || rows[0].Dirty {
		t.Errorf("hourly: unexpected rows %+v", rows)
	}
}

func TestLogEvent_StaleIndexCacheIsDetected(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	if _, err := a.CreateSink(ctx, "visits"); err != nil {
		t.Fatalf("CreateSink: %v", err)
	}
	if _, err := a.LogEvent(ctx, "visits", `{"country":"US"}`, false); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if _, err := b.DefineIndex(ctx, "visits", "country", "TEXT", 2); err != nil {
		t.Fatalf("DefineIndex: %v", err)
	}

	// a still caches the sink as having no indexes
	id, err := a.LogEvent(ctx, "visits", `{"country":"FR"}`, false)
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	ev, err := a.Event(ctx, "visits", id)
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if ev.Dirty {
		t.Error("event left dirty")
	}
	if got := fmt.Sprint(ev.Indexed["country"]); got != "FR" {
		t.Errorf("country: got %s, want FR", got)
	}
}

func TestLogEvent_StaleGroupCacheIsDetected(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	if _, err := a.CreateSink(ctx, "visits"); err != nil {
		t.Fatalf("CreateSink: %v", err)
	}
	if _, err := a.DefineGroup(ctx, "visits", "hourly", []string{"year", "hour"}, ""); err != nil {
		t.Fatalf("DefineGroup hourly: %v", err)
	}
	if _, err := a.LogEvent(ctx, "visits", `{}`, false); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if _, err := b.DefineGroup(ctx, "visits", "yearly", []string{"year"}, "hourly"); err != nil {
		t.Fatalf("DefineGroup yearly: %v", err)
	}

	// a still caches hourly as a leaf group
	id, err := a.LogEvent(ctx, "visits", `{}`, false)
	if err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	ev, err := a.Event(ctx, "visits", id)
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if ev.Dirty {
		t.Error("event left dirty")
	}
	for _, name := range []string{"hourly", "yearly"} {
		rows, err := a.GroupRows(ctx, "visits", name)
		if err != nil {
			t.Fatalf("GroupRows %s: %v", name, err)
		}
		if len(rows) != 1 || rows[0].Count != 2 || rows[0].Dirty {
			t.Errorf("%s: unexpected rows %+v", name, rows)
		}
	}
}
