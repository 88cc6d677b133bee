// Package server coordinates graceful shutdown of the Lens processes: the
// HTTP and gRPC listeners, the indexing daemon and the backend handle.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests. Default: 15 seconds
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

type namedCloser struct {
	name string
	io.Closer
}

// ShutdownManager tracks in-flight API calls and, once shutdown begins,
// rejects new ones, waits for the rest and closes every registered
// resource in reverse registration order.
type ShutdownManager struct {
	config ShutdownConfig

	started  atomic.Bool
	inFlight atomic.Int64
	once     sync.Once
	done     chan struct{}

	mu      sync.Mutex
	closers []namedCloser
	onStart []func()
}

// NewShutdownManager creates a shutdown manager. Zero config fields take
// their defaults.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	def := DefaultShutdownConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &ShutdownManager{config: config, done: make(chan struct{})}
}

// RegisterCloser adds a resource closed during shutdown. Resources close
// last-registered first, so register the backend before anything using it.
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, Closer: closer})
}

// OnShutdownStart registers a callback run when shutdown begins, before
// in-flight calls are drained.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStart = append(sm.onStart, fn)
}

// ListenForSignals blocks until SIGTERM, SIGINT, ctx cancellation or an
// explicit Shutdown, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.done:
		return nil
	}
}

// Shutdown drains in-flight calls and closes every registered resource.
// Only the first call does any work; later calls return nil.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var errs []error

	sm.once.Do(func() {
		log.Printf("server: shutting down (%s)", reason)
		sm.started.Store(true)
		close(sm.done)

		sm.mu.Lock()
		callbacks := append([]func(){}, sm.onStart...)
		closers := append([]namedCloser{}, sm.closers...)
		sm.mu.Unlock()

		for _, fn := range callbacks {
			fn()
		}

		ctx, cancel := context.WithTimeout(ctx, sm.config.ShutdownTimeout)
		defer cancel()
		if err := sm.drain(ctx); err != nil {
			log.Printf("server: [WARN] %v", err)
			errs = append(errs, err)
		}

		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.Close(); err != nil {
				log.Printf("server: [WARN] failed to close %s: %v", c.name, err)
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
				continue
			}
			log.Printf("server: closed %s", c.name)
		}
	})

	return errors.Join(errs...)
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.config.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for sm.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			if n := sm.inFlight.Load(); n > 0 {
				return fmt.Errorf("gave up waiting for %d in-flight requests", n)
			}
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// TrackRequest counts a call as in flight. It returns false once shutdown
// has begun; the caller should then reject the call.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.started.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest marks a tracked call as finished.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool { return sm.started.Load() }

// InFlightCount returns the number of tracked calls still running.
func (sm *ShutdownManager) InFlightCount() int64 { return sm.inFlight.Load() }

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} { return sm.done }

// ShutdownMiddleware tracks HTTP requests and answers 503 once shutdown
// has begun.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				http.Error(w, "service is shutting down", http.StatusServiceUnavailable)
				return
			}
			defer sm.UntrackRequest()
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryInterceptor tracks gRPC calls and answers Unavailable once shutdown
// has begun.
func UnaryInterceptor(sm *ShutdownManager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !sm.TrackRequest() {
			return nil, status.Error(codes.Unavailable, "service is shutting down")
		}
		defer sm.UntrackRequest()
		return handler(ctx, req)
	}
}

// HTTPServerCloser closes srv with a graceful Shutdown bounded by timeout.
func HTTPServerCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// GRPCServerCloser stops srv gracefully, forcing it after timeout.
func GRPCServerCloser(srv *grpc.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			return nil
		case <-time.After(timeout):
			srv.Stop()
			return fmt.Errorf("grpc server did not stop within %v", timeout)
		}
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }
