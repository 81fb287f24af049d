package grpc_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	blockvis "github.com/matt-riley/blockvis/clients/go"
	blockvisgrpc "github.com/matt-riley/blockvis/clients/go/grpc"
)

const bufSize = 1 << 20

// testServer answers the VisibilityService methods with canned documents
// and records what it was sent.
type testServer struct {
	mu       sync.Mutex
	requests map[string]map[string]any
	authz    []string
	watchErr error
}

func (s *testServer) record(ctx context.Context, name string, req *structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		s.authz = md.Get("authorization")
	}
	s.requests[name] = req.AsMap()
}

func (s *testServer) request(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[name]
}

func mustStruct(t *testing.T, doc string) *structpb.Struct {
	t.Helper()
	out := &structpb.Struct{}
	if err := protojson.Unmarshal([]byte(doc), out); err != nil {
		t.Fatalf("protojson.Unmarshal(%s): %v", doc, err)
	}
	return out
}

func (s *testServer) desc(t *testing.T) *grpc.ServiceDesc {
	unary := func(name, response string) grpc.MethodDesc {
		return grpc.MethodDesc{
			MethodName: name,
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				req := &structpb.Struct{}
				if err := dec(req); err != nil {
					return nil, err
				}
				s.record(ctx, name, req)
				return mustStruct(t, response), nil
			},
		}
	}

	return &grpc.ServiceDesc{
		ServiceName: "blockvis.v1.VisibilityService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary("Render", `{"results":[{"key":"hero","found":true,"visible":false,"client_hints":["bv-hide-mobile"]}]}`),
			unary("Preview", `{"visible":true,"logic":"all"}`),
			unary("ListControls", `{"controls":[{"id":"hideBlock","label":"Hide block","kind":"standard"}]}`),
		},
		Streams: []grpc.StreamDesc{{
			StreamName:    "WatchBlocks",
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				req := &structpb.Struct{}
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				s.record(stream.Context(), "WatchBlocks", req)
				for _, doc := range []string{
					`{"event_id":5,"type":"update","block_key":"hero","payload":{"key":"hero","attributes":{"hideBlock":true}}}`,
					`{"event_id":6,"type":"delete","block_key":"old","payload":{"key":"old"}}`,
				} {
					if err := stream.SendMsg(mustStruct(t, doc)); err != nil {
						return err
					}
				}
				return s.watchErr
			},
		}},
	}
}

func startTestServer(t *testing.T, ts *testServer) *blockvisgrpc.Client {
	t.Helper()
	ts.requests = map[string]map[string]any{}

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer()
	gs.RegisterService(ts.desc(t), nil)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() { gs.Stop(); _ = lis.Close() })

	c, err := blockvisgrpc.NewGRPCClient(blockvisgrpc.Config{
		Address: "passthrough:///bufnet",
		APIKey:  "test-key",
		DialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	if err != nil {
		t.Fatalf("NewGRPCClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRender(t *testing.T) {
	ts := &testServer{}
	c := startTestServer(t, ts)

	results, err := c.Render(context.Background(), blockvis.RenderRequest{
		Keys:    []string{"hero"},
		Explain: true,
		Visitor: blockvis.Visitor{
			User:        &blockvis.User{LoggedIn: true, Roles: []string{"editor"}},
			URL:         "/shop",
			ScreenWidth: 390,
			Timezone:    "Europe/Paris",
		},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(results) != 1 || results[0].Visible || results[0].ClientHints[0] != "bv-hide-mobile" {
		t.Fatalf("results = %+v", results)
	}

	if len(ts.authz) == 0 || ts.authz[0] != "Bearer test-key" {
		t.Fatalf("authorization metadata = %v", ts.authz)
	}
	req := ts.request("Render")
	visitor, _ := req["visitor"].(map[string]any)
	if visitor["url"] != "/shop" || visitor["timezone"] != "Europe/Paris" || visitor["screen_width"] != float64(390) {
		t.Fatalf("visitor = %v", visitor)
	}
	if _, ok := visitor["now"]; ok {
		t.Fatal("render visitor carries now")
	}
	if req["explain"] != true {
		t.Fatalf("explain = %v, want true", req["explain"])
	}
}

func TestPreview(t *testing.T) {
	ts := &testServer{}
	c := startTestServer(t, ts)

	decision, err := c.Preview(context.Background(), blockvis.PreviewRequest{
		Attributes: json.RawMessage(`{"controlSetLogic":"all"}`),
		BlockType:  "core/group",
		Now:        "2026-05-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !decision.Visible || decision.Logic != "all" {
		t.Fatalf("decision = %+v", decision)
	}

	req := ts.request("Preview")
	facts, _ := req["facts"].(map[string]any)
	if facts["now"] != "2026-05-01T10:00:00Z" || req["block_type"] != "core/group" {
		t.Fatalf("preview request = %v", req)
	}
}

func TestListControls(t *testing.T) {
	c := startTestServer(t, &testServer{})

	controls, err := c.ListControls(context.Background())
	if err != nil {
		t.Fatalf("ListControls: %v", err)
	}
	if len(controls) != 1 || controls[0].ID != "hideBlock" || controls[0].Kind != "standard" {
		t.Fatalf("controls = %+v", controls)
	}
}

func TestWatch(t *testing.T) {
	ts := &testServer{}
	c := startTestServer(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.Watch(ctx, blockvis.WatchOptions{LastEventID: 4, Key: "hero"})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	var events []blockvis.BlockEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Type != blockvis.EventUpdate || events[0].EventID != 5 || events[0].Block == nil || events[0].Key != "hero" {
		t.Fatalf("event 0 = %+v", events[0])
	}
	if events[1].Type != blockvis.EventDelete || events[1].Key != "old" {
		t.Fatalf("event 1 = %+v", events[1])
	}

	req := ts.request("WatchBlocks")
	if req["last_event_id"] != float64(4) || req["key"] != "hero" {
		t.Fatalf("watch request = %v", req)
	}
}

func TestWatchReportsStreamError(t *testing.T) {
	ts := &testServer{watchErr: status.Error(codes.Unauthenticated, "unauthorized")}
	c := startTestServer(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.Watch(ctx, blockvis.WatchOptions{})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	var last blockvis.BlockEvent
	count := 0
	for ev := range ch {
		last = ev
		count++
	}
	if count != 3 || last.Type != blockvis.EventError {
		t.Fatalf("got %d events ending in %+v, want 2 events and an error", count, last)
	}
}

var (
	_ blockvis.Renderer = (*blockvisgrpc.Client)(nil)
	_ blockvis.Watcher  = (*blockvisgrpc.Client)(nil)
)
