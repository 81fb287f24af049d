// Package grpc provides a gRPC client for the blockvis visibility service.
//
// Messages are google.protobuf.Struct values carrying the same JSON
// documents the HTTP API uses.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	blockvis "github.com/matt-riley/blockvis/clients/go"
)

const serviceName = "blockvis.v1.VisibilityService"

var watchBlocksDesc = &grpc.StreamDesc{StreamName: "WatchBlocks", ServerStreams: true}

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the blockvis gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements blockvis.Renderer and blockvis.Watcher over gRPC.
// Block management is HTTP only.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

// NewGRPCClient dials the server. Call Close when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("blockvis: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func method(name string) string {
	return "/" + serviceName + "/" + name
}

func (c *Client) invoke(ctx context.Context, name string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(c.authCtx(ctx), method(name), req, resp); err != nil {
		return fmt.Errorf("blockvis: %s: %w", name, err)
	}
	return fromStruct(resp, out)
}

type renderRequest struct {
	Keys    []string         `json:"keys"`
	Explain bool             `json:"explain,omitempty"`
	Visitor blockvis.Visitor `json:"visitor"`
}

type previewFacts struct {
	blockvis.Visitor
	Now string `json:"now,omitempty"`
}

type previewRequest struct {
	Attributes json.RawMessage `json:"attributes,omitempty"`
	BlockType  string          `json:"block_type,omitempty"`
	IsChild    bool            `json:"is_child,omitempty"`
	Facts      previewFacts    `json:"facts"`
}

type watchRequest struct {
	LastEventID int64  `json:"last_event_id,omitempty"`
	Key         string `json:"key,omitempty"`
}

type watchEvent struct {
	EventID  int64           `json:"event_id"`
	Type     string          `json:"type"`
	BlockKey string          `json:"block_key"`
	Payload  json.RawMessage `json:"payload"`
}

// Render sends every visitor fact explicitly, including Timezone. The
// server's clock is always used.
func (c *Client) Render(ctx context.Context, r blockvis.RenderRequest) ([]blockvis.RenderResult, error) {
	var out struct {
		Results []blockvis.RenderResult `json:"results"`
	}
	if err := c.invoke(ctx, "Render", renderRequest{Keys: r.Keys, Explain: r.Explain, Visitor: r.Visitor}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) Preview(ctx context.Context, r blockvis.PreviewRequest) (blockvis.Decision, error) {
	var out blockvis.Decision
	err := c.invoke(ctx, "Preview", previewRequest{
		Attributes: r.Attributes,
		BlockType:  r.BlockType,
		IsChild:    r.IsChild,
		Facts:      previewFacts{Visitor: r.Visitor, Now: r.Now},
	}, &out)
	return out, err
}

func (c *Client) ListControls(ctx context.Context) ([]blockvis.Control, error) {
	var out struct {
		Controls []blockvis.Control `json:"controls"`
	}
	if err := c.invoke(ctx, "ListControls", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Controls, nil
}

// Watch opens the WatchBlocks stream. The channel is closed when ctx is
// cancelled or the stream ends.
func (c *Client) Watch(ctx context.Context, opts blockvis.WatchOptions) (<-chan blockvis.BlockEvent, error) {
	req, err := toStruct(watchRequest{LastEventID: opts.LastEventID, Key: opts.Key})
	if err != nil {
		return nil, err
	}

	stream, err := c.conn.NewStream(c.authCtx(ctx), watchBlocksDesc, method("WatchBlocks"))
	if err != nil {
		return nil, fmt.Errorf("blockvis: WatchBlocks: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("blockvis: WatchBlocks: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("blockvis: WatchBlocks: %w", err)
	}

	ch := make(chan blockvis.BlockEvent, 16)
	go func() {
		defer close(ch)
		for {
			msg := &structpb.Struct{}
			if err := stream.RecvMsg(msg); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					sendError(ctx, ch, err)
				}
				return
			}

			ev, err := decodeWatchEvent(msg)
			if err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// sendError reports a broken stream as an error event, as the SSE
// transport does.
func sendError(ctx context.Context, ch chan<- blockvis.BlockEvent, err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	select {
	case ch <- blockvis.BlockEvent{Type: blockvis.EventError, Payload: payload}:
	case <-ctx.Done():
	}
}

func decodeWatchEvent(msg *structpb.Struct) (blockvis.BlockEvent, error) {
	var ev watchEvent
	if err := fromStruct(msg, &ev); err != nil {
		return blockvis.BlockEvent{}, err
	}
	return blockvis.DecodeEvent(ev.Type, ev.EventID, ev.BlockKey, ev.Payload), nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("blockvis: marshal request: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("blockvis: encode request: %w", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, out any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("blockvis: decode response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("blockvis: decode response: %w", err)
	}
	return nil
}
