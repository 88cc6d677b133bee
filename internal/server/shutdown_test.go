package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestShutdown_ClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		sm.RegisterCloser(fmt.Sprintf("closer-%d", i), CloserFunc(func() error {
			order = append(order, i)
			return nil
		}))
	}
	started := false
	sm.OnShutdownStart(func() { started = true })

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !started {
		t.Error("start callback not run")
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("close order %v, want [3 2 1]", order)
	}
	if !sm.IsShuttingDown() {
		t.Error("expected shutting down")
	}

	// Second call is a no-op.
	if err := sm.Shutdown(context.Background(), "again"); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("closers ran twice: %v", order)
	}
}

func TestShutdown_ReportsCloseError(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	boom := errors.New("boom")
	closedAfter := false
	sm.RegisterCloser("after", CloserFunc(func() error { closedAfter = true; return nil }))
	sm.RegisterCloser("store", CloserFunc(func() error { return boom }))
	err := sm.Shutdown(context.Background(), "test")
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "close store") {
		t.Errorf("expected wrapped boom, got %v", err)
	}
	if !closedAfter {
		t.Error("a failing closer must not stop the rest")
	}
}

func TestShutdown_DrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 150 * time.Millisecond})
	if !sm.TrackRequest() {
		t.Fatal("TrackRequest rejected before shutdown")
	}
	if err := sm.Shutdown(context.Background(), "test"); err == nil {
		t.Error("expected drain timeout error")
	}
	if sm.InFlightCount() != 1 {
		t.Errorf("in-flight %d, want 1", sm.InFlightCount())
	}
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sm.InFlightCount() != 1 {
			t.Errorf("in-flight %d inside handler", sm.InFlightCount())
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("before shutdown: status %d", rec.Code)
	}

	sm.Shutdown(context.Background(), "test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("after shutdown: status %d, want 503", rec.Code)
	}
}

func TestListenForSignals_ContextCancel(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	closed := make(chan struct{})
	sm.RegisterCloser("test", CloserFunc(func() error { close(closed); return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sm.ListenForSignals(ctx); err != nil {
		t.Fatalf("ListenForSignals: %v", err)
	}
	select {
	case <-closed:
	default:
		t.Error("closer not run")
	}
}

func TestUnaryInterceptor(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	intercept := UnaryInterceptor(sm)
	info := &grpc.UnaryServerInfo{FullMethod: "/lens.v1.Lens/ListSinks"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		if sm.InFlightCount() != 1 {
			t.Errorf("in-flight %d inside handler", sm.InFlightCount())
		}
		return "ok", nil
	}

	if resp, err := intercept(context.Background(), nil, info, handler); err != nil || resp != "ok" {
		t.Fatalf("before shutdown: %v %v", resp, err)
	}
	if sm.InFlightCount() != 0 {
		t.Errorf("in-flight %d after call", sm.InFlightCount())
	}

	sm.Shutdown(context.Background(), "test")
	_, err := intercept(context.Background(), nil, info, handler)
	if status.Code(err) != codes.Unavailable {
		t.Errorf("after shutdown: %v, want Unavailable", err)
	}
}
