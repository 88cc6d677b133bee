package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/arkilian/lens/internal/aggregate"
	"github.com/arkilian/lens/internal/archive"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/lens"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 8 << 20

// CreateSinkRequest is the body of POST /v1/sinks.
type CreateSinkRequest struct {
	Name string `json:"name"`
}

// DefineIndexRequest is the body of POST /v1/sinks/{sink}/indexes.
type DefineIndexRequest struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Length int    `json:"length,omitempty"`
}

// DefineGroupRequest is the body of POST /v1/sinks/{sink}/groups.
// Fields may be sent as a JSON array or as one comma separated string.
type DefineGroupRequest struct {
	Name   string          `json:"name"`
	Fields json.RawMessage `json:"fields"`
	Parent string          `json:"parent,omitempty"`
}

// CreatedResponse is returned by every create-style endpoint.
type CreatedResponse struct {
	UUID      string `json:"uuid"`
	RequestID string `json:"request_id,omitempty"`
}

// EventsResponse is returned by POST /v1/sinks/{sink}/events.
type EventsResponse struct {
	UUIDs     []string `json:"uuids"`
	RequestID string   `json:"request_id,omitempty"`
}

// ReindexResponse is returned by POST /v1/sinks/{sink}/reindex.
type ReindexResponse struct {
	Indexed   int    `json:"indexed"`
	RequestID string `json:"request_id,omitempty"`
}

// Handler serves the /v1 API over a Lens store.
type Handler struct {
	store    *lens.Store
	exporter *archive.Exporter
}

// NewHandler creates a handler. exporter may be nil, in which case the
// archive endpoints answer 503.
func NewHandler(store *lens.Store, exporter *archive.Exporter) *Handler {
	return &Handler{store: store, exporter: exporter}
}

// Routes registers every /v1 route on mux behind the given middleware.
func (h *Handler) Routes(mux *http.ServeMux, mw func(http.Handler) http.Handler) {
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, mw(fn))
	}
	route("GET /v1/sinks", h.listSinks)
	route("POST /v1/sinks", h.createSink)
	route("GET /v1/sinks/{sink}", h.getSink)
	route("POST /v1/sinks/{sink}/events", h.logEvents)
	route("GET /v1/sinks/{sink}/events/{uuid}", h.getEvent)
	route("GET /v1/sinks/{sink}/indexes", h.listIndexes)
	route("POST /v1/sinks/{sink}/indexes", h.defineIndex)
	route("GET /v1/sinks/{sink}/groups", h.listGroups)
	route("POST /v1/sinks/{sink}/groups", h.defineGroup)
	route("GET /v1/sinks/{sink}/groups/{group}/rows", h.groupRows)
	route("POST /v1/sinks/{sink}/reindex", h.reindex)
	route("POST /v1/sinks/{sink}/archives", h.exportSink)
	route("GET /v1/sinks/{sink}/archives", h.listArchives)
	route("GET /v1/stats", h.stats)
}

// NewRouter returns a mux with the API routes, the default middleware and
// a /healthz probe.
func NewRouter(store *lens.Store, exporter *archive.Exporter) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(store, exporter).Routes(mux, DefaultMiddleware())
	mux.HandleFunc("GET /healthz", HealthHandler("lens", ""))
	return mux
}

// HealthHandler answers liveness probes.
func HealthHandler(service, mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": service,
			"mode":    mode,
		})
	}
}

// ReadyHandler answers readiness probes: 503 once draining reports true.
func ReadyHandler(draining func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if draining() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (h *Handler) listSinks(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListSinks(r.Context())
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sinks": names})
}

func (h *Handler) createSink(w http.ResponseWriter, r *http.Request) {
	var req CreateSinkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.store.CreateSink(r.Context(), req.Name)
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedResponse{UUID: id, RequestID: GetRequestID(r.Context())})
}

func (h *Handler) getSink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sink, err := h.store.Sink(ctx, r.PathValue("sink"))
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	indexes, err := h.store.Indexes(ctx, sink.Name)
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	groups, err := h.store.Groups(ctx, sink.Name)
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uuid":    sink.UUID,
		"name":    sink.Name,
		"indexes": indexes,
		"groups":  groups,
	})
}

// logEvents accepts one JSON object or an array of them. ?lazy=true skips
// indexing at write time.
func (h *Handler) logEvents(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	lazy, err := queryBool(r, "lazy")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}

	var payloads []interface{}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []json.RawMessage
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
			return
		}
		if len(docs) == 0 {
			writeError(w, http.StatusBadRequest, "events must not be empty", requestID)
			return
		}
		for _, doc := range docs {
			payloads = append(payloads, doc)
		}
	} else {
		payloads = []interface{}{json.RawMessage(body)}
	}

	ids, err := h.store.LogEvents(r.Context(), r.PathValue("sink"), payloads, lazy)
	if err != nil {
		// Events stored before the failure stay stored; report them.
		writeLensErrorFor(w, r, err, ids)
		return
	}
	writeJSON(w, http.StatusCreated, EventsResponse{UUIDs: ids, RequestID: requestID})
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.store.Event(r.Context(), r.PathValue("sink"), r.PathValue("uuid"))
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) listIndexes(w http.ResponseWriter, r *http.Request) {
	indexes, err := h.store.Indexes(r.Context(), r.PathValue("sink"))
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"indexes": indexes})
}

func (h *Handler) defineIndex(w http.ResponseWriter, r *http.Request) {
	var req DefineIndexRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.store.DefineIndex(r.Context(), r.PathValue("sink"), req.Name, req.Type, req.Length)
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedResponse{UUID: id, RequestID: GetRequestID(r.Context())})
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.store.Groups(r.Context(), r.PathValue("sink"))
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

func (h *Handler) defineGroup(w http.ResponseWriter, r *http.Request) {
	var req DefineGroupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	fields, err := groupFields(req.Fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), GetRequestID(r.Context()))
		return
	}
	id, err := h.store.DefineGroup(r.Context(), r.PathValue("sink"), req.Name, fields, req.Parent)
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreatedResponse{UUID: id, RequestID: GetRequestID(r.Context())})
}

func (h *Handler) groupRows(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.GroupRows(r.Context(), r.PathValue("sink"), r.PathValue("group"))
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*aggregate.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

func (h *Handler) reindex(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Reindex(r.Context(), r.PathValue("sink"))
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReindexResponse{Indexed: n, RequestID: GetRequestID(r.Context())})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sinks":      h.store.Stats().Snapshot(),
		"request_id": GetRequestID(r.Context()),
	})
}

func (h *Handler) exportSink(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage is not configured", GetRequestID(r.Context()))
		return
	}
	sc, err := h.exporter.Export(r.Context(), r.PathValue("sink"))
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (h *Handler) listArchives(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage is not configured", GetRequestID(r.Context()))
		return
	}
	objects, err := h.exporter.List(r.Context(), r.PathValue("sink"))
	if err != nil {
		writeLensError(w, r, err)
		return
	}
	if objects == nil {
		objects = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"archives": objects})
}

// decodeBody decodes a JSON request body into dst, answering 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), GetRequestID(r.Context()))
		return false
	}
	return true
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s parameter %q", key, raw)
	}
	return v, nil
}

func groupFields(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid fields: %v", err)
		}
		return aggregate.SplitFieldList(s), nil
	}
	var fields []string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid fields: %v", err)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields, nil
}

// StatusFor maps an error category to an HTTP status code.
func StatusFor(err error) int {
	switch lenserrors.GetCategory(err) {
	case lenserrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case lenserrors.ErrCategoryNotFound:
		return http.StatusNotFound
	case lenserrors.ErrCategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeLensError(w http.ResponseWriter, r *http.Request, err error) {
	writeLensErrorFor(w, r, err, nil)
}

func writeLensErrorFor(w http.ResponseWriter, r *http.Request, err error, stored []string) {
	status := StatusFor(err)
	requestID := GetRequestID(r.Context())
	if status >= http.StatusInternalServerError {
		log.Printf("http: %s %s failed (request_id=%s correlation_id=%s): %v",
			r.Method, r.URL.Path, requestID, GetCorrelationID(r.Context()), err)
	}

	writeJSON(w, status, ErrorResponse{
		Error:     lenserrors.GetMessage(err),
		Code:      lenserrors.GetCode(err),
		Stored:    stored,
		RequestID: requestID,
	})
}
