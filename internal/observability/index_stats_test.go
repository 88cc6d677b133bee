package observability

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRecordConcurrent(t *testing.T) {
	s := NewIndexStats(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordIndexed("orders", 1)
				s.RecordRolledUp("orders", 2)
			}
		}()
	}
	wg.Wait()

	st, ok := s.Get("orders")
	if !ok {
		t.Fatal("expected orders stats")
	}
	if st.EventsIndexed != 1000 || st.RowsRolledUp != 2000 {
		t.Errorf("got %+v", st)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	s := NewIndexStats(time.Hour)
	s.RecordIndexed("small", 1)
	s.RecordIndexed("big", 10)
	s.RecordRolledUp("medium", 5)
	s.RecordIndexed("zero", 0)

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 sinks, got %d", len(snap))
	}
	want := []string{"big", "medium", "small"}
	for i, w := range want {
		if snap[i].Sink != w {
			t.Errorf("position %d: got %s, want %s", i, snap[i].Sink, w)
		}
	}
}

func TestRecordFailure(t *testing.T) {
	s := NewIndexStats(time.Hour)
	s.RecordFailure("orders", errors.New("database is locked"))
	s.RecordFailure("orders", nil)

	st, _ := s.Get("orders")
	if st.Failures != 1 || st.LastError != "database is locked" {
		t.Errorf("got %+v", st)
	}
}

func TestPruneRemovesIdleSinks(t *testing.T) {
	s := NewIndexStats(time.Minute)
	now := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.RecordIndexed("old", 1)
	now = now.Add(2 * time.Minute)
	s.RecordIndexed("fresh", 1)
	s.Prune()

	if _, ok := s.Get("old"); ok {
		t.Error("expected old to be pruned")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("expected fresh to survive")
	}
}

func TestNilStatsIsSafe(t *testing.T) {
	var s *IndexStats
	s.RecordIndexed("orders", 1)
	s.RecordFailure("orders", errors.New("x"))
	s.Prune()
	if snap := s.Snapshot(); len(snap) != 0 {
		t.Errorf("expected empty snapshot, got %v", snap)
	}
}
