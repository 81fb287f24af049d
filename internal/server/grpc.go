package server

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/blockvis/internal/evalctx"
	"github.com/matt-riley/blockvis/internal/metrics"
	"github.com/matt-riley/blockvis/internal/middleware"
	"github.com/matt-riley/blockvis/internal/repository"
	"github.com/matt-riley/blockvis/internal/service"
)

const (
	visibilityServiceName         = "blockvis.v1.VisibilityService"
	defaultGRPCStreamPollInterval = time.Second
)

// VisibilityServer is the gRPC surface. Every message is a
// google.protobuf.Struct carrying the same JSON shapes as the HTTP API.
type VisibilityServer interface {
	Render(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Preview(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListControls(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchBlocks(req *structpb.Struct, stream grpc.ServerStream) error
}

// VisibilityServiceDesc describes blockvis.v1.VisibilityService for
// grpc.Server.RegisterService.
var VisibilityServiceDesc = grpc.ServiceDesc{
	ServiceName: visibilityServiceName,
	HandlerType: (*VisibilityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Render", Handler: unaryHandler("Render", VisibilityServer.Render)},
		{MethodName: "Preview", Handler: unaryHandler("Preview", VisibilityServer.Preview)},
		{MethodName: "ListControls", Handler: unaryHandler("ListControls", VisibilityServer.ListControls)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchBlocks", Handler: watchBlocksHandler, ServerStreams: true},
	},
	Metadata: "blockvis/v1/visibility.proto",
}

func RegisterVisibilityServer(registrar grpc.ServiceRegistrar, srv VisibilityServer) {
	registrar.RegisterService(&VisibilityServiceDesc, srv)
}

func unaryHandler(method string, call func(VisibilityServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + visibilityServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(VisibilityServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(VisibilityServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchBlocksHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(VisibilityServer).WatchBlocks(in, stream)
}

// GRPCServer implements VisibilityServer on top of the visibility service.
type GRPCServer struct {
	service            Service
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
}

type GRPCOption func(*GRPCServer)

// WithGRPCStreamPollInterval sets how often WatchBlocks polls for events.
func WithGRPCStreamPollInterval(d time.Duration) GRPCOption {
	return func(s *GRPCServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

func WithGRPCMetrics(m *metrics.Metrics) GRPCOption {
	return func(s *GRPCServer) {
		s.metrics = m
	}
}

func NewGRPCServer(svc Service, opts ...GRPCOption) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	server := &GRPCServer{
		service:            svc,
		streamPollInterval: defaultGRPCStreamPollInterval,
	}
	for _, opt := range opts {
		opt(server)
	}
	return server
}

// grpcRenderRequest carries the visitor's request facts explicitly, since
// a gRPC caller is not the visitor's browser. The clock always comes from
// the server.
type grpcRenderRequest struct {
	Keys    []string             `json:"keys"`
	Explain bool                 `json:"explain,omitempty"`
	Visitor evalctx.PreviewFacts `json:"visitor"`
}

type grpcWatchRequest struct {
	LastEventID int64  `json:"last_event_id,omitempty"`
	Key         string `json:"key,omitempty"`
}

func (s *GRPCServer) Render(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}

	var request grpcRenderRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, err
	}
	request.Visitor.Now = ""

	facts, err := evalctx.FromPreview(request.Visitor, s.service.EvalOptions())
	if err != nil {
		return nil, toGRPCError(err)
	}

	results, err := s.service.Render(ctx, projectID, service.RenderRequest{
		Keys:    request.Keys,
		Facts:   facts,
		Explain: request.Explain,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(renderJSONResponse{Results: results})
}

func (s *GRPCServer) Preview(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}

	var request service.PreviewRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, err
	}

	decision, err := s.service.Preview(ctx, projectID, request)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(decision)
}

func (s *GRPCServer) ListControls(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encodeStruct(map[string]any{"controls": s.service.ListControls()})
}

func (s *GRPCServer) WatchBlocks(req *structpb.Struct, stream grpc.ServerStream) error {
	projectID, err := grpcProjectID(stream.Context())
	if err != nil {
		return err
	}

	var request grpcWatchRequest
	if err := decodeStruct(req, &request); err != nil {
		return err
	}
	if request.LastEventID < 0 {
		return status.Error(codes.InvalidArgument, "last_event_id must be non-negative")
	}

	cursor := &eventCursor{
		service:     s.service,
		projectID:   projectID,
		key:         strings.TrimSpace(request.Key),
		lastEventID: request.LastEventID,
	}

	sendEvents := func(ctx context.Context) error {
		events, err := cursor.next(ctx)
		if err != nil {
			return toGRPCError(err)
		}

		for _, event := range events {
			message, ok, err := watchEventToStruct(event)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := stream.SendMsg(message); err != nil {
				return err
			}
		}

		return nil
	}

	if err := sendEvents(stream.Context()); err != nil {
		return err
	}

	s.metrics.StreamOpened("grpc")
	defer s.metrics.StreamClosed("grpc")

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := sendEvents(stream.Context()); err != nil {
				return err
			}
		}
	}
}

func grpcProjectID(ctx context.Context) (string, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok || projectID == "" {
		return "", toGRPCError(errProjectUnknown)
	}
	return projectID, nil
}

func watchEventToStruct(event repository.BlockEvent) (*structpb.Struct, bool, error) {
	eventName := watchEventName(event.EventType)
	if eventName == "" {
		return nil, false, nil
	}

	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	message, err := encodeStruct(struct {
		EventID  int64           `json:"event_id"`
		Type     string          `json:"type"`
		BlockKey string          `json:"block_key,omitempty"`
		Payload  json.RawMessage `json:"payload"`
	}{
		EventID:  event.EventID,
		Type:     eventName,
		BlockKey: event.BlockKey,
		Payload:  payload,
	})
	if err != nil {
		return nil, false, err
	}
	return message, true, nil
}

// decodeStruct maps a Struct onto dst through its JSON form, rejecting
// unknown fields like the HTTP decoder does.
func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}

	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
