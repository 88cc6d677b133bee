package grpc

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arkilian/lens/internal/aggregate"
	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/lens"
)

// Server implements LensServer over a Lens store.
type Server struct {
	store *lens.Store
}

// NewServer creates a gRPC server implementation.
func NewServer(store *lens.Store) *Server {
	return &Server{store: store}
}

var _ LensServer = (*Server)(nil)

// CreateSink handles {name} -> {uuid}.
func (s *Server) CreateSink(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	id, err := s.store.CreateSink(ctx, name)
	if err != nil {
		return nil, toStatus(ctx, "CreateSink", err)
	}
	return reply(ctx, map[string]interface{}{"uuid": id})
}

// ListSinks handles {} -> {sinks: [...]}.
func (s *Server) ListSinks(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	names, err := s.store.ListSinks(ctx)
	if err != nil {
		return nil, toStatus(ctx, "ListSinks", err)
	}
	list := make([]interface{}, len(names))
	for i, n := range names {
		list[i] = n
	}
	return reply(ctx, map[string]interface{}{"sinks": list})
}

// LogEvent handles {sink, payload, lazy} -> {uuid}.
func (s *Server) LogEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sink, err := requireString(req, "sink")
	if err != nil {
		return nil, err
	}
	var payload map[string]interface{}
	if v, ok := req.GetFields()["payload"]; ok {
		sv, isStruct := v.GetKind().(*structpb.Value_StructValue)
		if !isStruct {
			if _, isNull := v.GetKind().(*structpb.Value_NullValue); !isNull {
				return nil, status.Error(codes.InvalidArgument, "payload must be an object")
			}
		} else {
			payload = sv.StructValue.AsMap()
		}
	}

	id, err := s.store.LogEvent(ctx, sink, payload, boolField(req, "lazy"))
	if err != nil {
		if id != "" {
			log.Printf("grpc: [WARN] event %s stored in %s but not indexed: %v", id, sink, err)
		}
		return nil, toStatus(ctx, "LogEvent", err)
	}
	return reply(ctx, map[string]interface{}{"uuid": id})
}

// DefineIndex handles {sink, name, type, length} -> {uuid}.
func (s *Server) DefineIndex(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sink, err := requireString(req, "sink")
	if err != nil {
		return nil, err
	}
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	typ, err := requireString(req, "type")
	if err != nil {
		return nil, err
	}
	length, err := intField(req, "length")
	if err != nil {
		return nil, err
	}
	id, err := s.store.DefineIndex(ctx, sink, name, typ, length)
	if err != nil {
		return nil, toStatus(ctx, "DefineIndex", err)
	}
	return reply(ctx, map[string]interface{}{"uuid": id})
}

// DefineGroup handles {sink, name, fields, parent} -> {uuid}. fields is a
// list of strings or one comma separated string.
func (s *Server) DefineGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sink, err := requireString(req, "sink")
	if err != nil {
		return nil, err
	}
	name, err := requireString(req, "name")
	if err != nil {
		return nil, err
	}
	var fields []string
	switch v := req.GetFields()["fields"].GetKind().(type) {
	case *structpb.Value_StringValue:
		fields = aggregate.SplitFieldList(v.StringValue)
	case *structpb.Value_ListValue:
		for _, item := range v.ListValue.GetValues() {
			fields = append(fields, item.GetStringValue())
		}
	}
	parent := req.GetFields()["parent"].GetStringValue()

	id, err := s.store.DefineGroup(ctx, sink, name, fields, parent)
	if err != nil {
		return nil, toStatus(ctx, "DefineGroup", err)
	}
	return reply(ctx, map[string]interface{}{"uuid": id})
}

// Reindex handles {sink} -> {indexed}.
func (s *Server) Reindex(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sink, err := requireString(req, "sink")
	if err != nil {
		return nil, err
	}
	n, err := s.store.Reindex(ctx, sink)
	if err != nil {
		return nil, toStatus(ctx, "Reindex", err)
	}
	return reply(ctx, map[string]interface{}{"indexed": n})
}

func reply(ctx context.Context, fields map[string]interface{}) (*structpb.Struct, error) {
	fields["request_id"] = extractRequestID(ctx)
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func requireString(req *structpb.Struct, key string) (string, error) {
	v := strings.TrimSpace(req.GetFields()[key].GetStringValue())
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func boolField(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

func intField(req *structpb.Struct, key string) (int, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return 0, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) || n.NumberValue < 0 || n.NumberValue > math.MaxInt32 {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", key)
	}
	return int(n.NumberValue), nil
}

// codeFor maps an error category to a gRPC status code.
func codeFor(err error) codes.Code {
	switch lenserrors.GetCategory(err) {
	case lenserrors.ErrCategoryValidation:
		return codes.InvalidArgument
	case lenserrors.ErrCategoryNotFound:
		return codes.NotFound
	case lenserrors.ErrCategoryConflict:
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}

func toStatus(ctx context.Context, method string, err error) error {
	code := codeFor(err)
	if code == codes.Internal {
		log.Printf("grpc: %s failed (request_id=%s): %v", method, extractRequestID(ctx), err)
	}
	if lc := lenserrors.GetCode(err); lc != "" {
		return status.Error(code, fmt.Sprintf("%s: %v", lc, err))
	}
	return status.Error(code, err.Error())
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
