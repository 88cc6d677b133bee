// Package observability tracks per-sink indexing activity for the daemon
// logs and the stats endpoint.
package observability

import (
	"sort"
	"sync"
	"time"
)

// IndexStats accumulates indexing counters per sink.
type IndexStats struct {
	mu     sync.RWMutex
	sinks  map[string]*SinkStats
	window time.Duration
	now    func() time.Time
}

// SinkStats holds the counters of one sink.
type SinkStats struct {
	Sink          string    `json:"sink"`
	EventsIndexed int64     `json:"events_indexed"`
	RowsRolledUp  int64     `json:"rows_rolled_up"`
	Failures      int64     `json:"failures"`
	LastError     string    `json:"last_error,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
}

// NewIndexStats creates a tracker. Prune drops sinks idle for longer than window.
func NewIndexStats(window time.Duration) *IndexStats {
	return &IndexStats{
		sinks:  make(map[string]*SinkStats),
		window: window,
		now:    time.Now,
	}
}

func (s *IndexStats) entry(sink string) *SinkStats {
	st, ok := s.sinks[sink]
	if !ok {
		st = &SinkStats{Sink: sink}
		s.sinks[sink] = st
	}
	st.LastSeen = s.now()
	return st
}

// RecordIndexed adds n indexed events for sink. Zero is ignored.
func (s *IndexStats) RecordIndexed(sink string, n int) {
	if s == nil || n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(sink).EventsIndexed += int64(n)
}

// RecordRolledUp adds n settled rollup rows for sink. Zero is ignored.
func (s *IndexStats) RecordRolledUp(sink string, n int) {
	if s == nil || n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(sink).RowsRolledUp += int64(n)
}

// RecordFailure counts a failed batch for sink.
func (s *IndexStats) RecordFailure(sink string, err error) {
	if s == nil || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(sink)
	st.Failures++
	st.LastError = err.Error()
}

// Snapshot returns a copy of every sink's counters, busiest first.
func (s *IndexStats) Snapshot() []SinkStats {
	if s == nil {
		return []SinkStats{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SinkStats, 0, len(s.sinks))
	for _, st := range s.sinks {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		wi := out[i].EventsIndexed + out[i].RowsRolledUp
		wj := out[j].EventsIndexed + out[j].RowsRolledUp
		if wi != wj {
			return wi > wj
		}
		return out[i].Sink < out[j].Sink
	})
	return out
}

// Get returns the counters of one sink.
func (s *IndexStats) Get(sink string) (SinkStats, bool) {
	if s == nil {
		return SinkStats{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sinks[sink]
	if !ok {
		return SinkStats{}, false
	}
	return *st, true
}

// Prune removes sinks not seen within the window.
func (s *IndexStats) Prune() {
	if s == nil || s.window <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for name, st := range s.sinks {
		if st.LastSeen.Before(threshold) {
			delete(s.sinks, name)
		}
	}
}
