// Package http provides the Lens HTTP JSON API: handlers for sinks, events,
// indexes and groups, plus the request-scoped middleware they run behind.
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	correlationIDKey contextKey = "correlation_id"

	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"

	// maxIDLength bounds caller-supplied ids echoed into logs and headers.
	maxIDLength = 128
)

// SlowRequestThreshold is the latency above which the access log reports a
// request that otherwise succeeded.
var SlowRequestThreshold = 2 * time.Second

// ErrorResponse is the body of every non-2xx answer. Stored lists the event
// ids that were written before a batch failed.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Code      string   `json:"code,omitempty"`
	Stored    []string `json:"stored,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// validID accepts short printable ASCII ids.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// withID stores an id taken from header (or produced by fallback) in the
// request context and echoes it back on the response.
func withID(header string, key contextKey, fallback func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if !validID(id) {
				id = fallback(r)
			}
			w.Header().Set(header, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), key, id)))
		})
	}
}

func newID(*http.Request) string { return uuid.New().String() }

// RequestIDMiddleware tags each request with the caller's X-Request-ID or a
// fresh uuid.
var RequestIDMiddleware = withID(headerRequestID, requestIDKey, newID)

// CorrelationIDMiddleware tags each request with X-Correlation-ID, falling
// back to the request id.
var CorrelationIDMiddleware = withID(headerCorrelationID, correlationIDKey, func(r *http.Request) string {
	if id := GetRequestID(r.Context()); id != "" {
		return id
	}
	return newID(r)
})

// RecoveryMiddleware turns a handler panic into a logged 500.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				requestID := GetRequestID(r.Context())
				log.Printf("http: [WARN] panic serving %s %s (request_id=%s): %v", r.Method, r.URL.Path, requestID, p)
				writeError(w, http.StatusInternalServerError, "internal server error", requestID)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// AccessLogMiddleware logs server errors and slow requests.
func AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		switch {
		case rec.status >= http.StatusInternalServerError:
			log.Printf("http: [WARN] %s %s -> %d in %v (request_id=%s)",
				r.Method, r.URL.Path, rec.status, elapsed, GetRequestID(r.Context()))
		case elapsed > SlowRequestThreshold:
			log.Printf("http: slow request %s %s -> %d in %v (request_id=%s)",
				r.Method, r.URL.Path, rec.status, elapsed, GetRequestID(r.Context()))
		}
	})
}

// ContentTypeMiddleware marks every response as JSON.
func ContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ChainMiddleware composes middleware; the first one listed runs outermost.
func ChainMiddleware(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// DefaultMiddleware is the chain the /v1 routes run behind.
func DefaultMiddleware() func(http.Handler) http.Handler {
	return ChainMiddleware(
		RequestIDMiddleware,
		CorrelationIDMiddleware,
		AccessLogMiddleware,
		RecoveryMiddleware,
		ContentTypeMiddleware,
	)
}

func writeError(w http.ResponseWriter, status int, message, requestID string) {
	writeJSON(w, status, ErrorResponse{Error: message, RequestID: requestID})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("http: [WARN] failed to encode response: %v", err)
	}
}

// GetRequestID returns the request id stored by RequestIDMiddleware.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// GetCorrelationID returns the correlation id stored by CorrelationIDMiddleware.
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}
