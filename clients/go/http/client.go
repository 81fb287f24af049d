// Package http provides an HTTP client for the blockvis visibility service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	blockvis "github.com/matt-riley/blockvis/clients/go"
)

// Headers the server reads visitor facts from on render requests.
const (
	headerForwardedURI  = "X-Forwarded-Uri"
	headerViewportWidth = "Sec-CH-Viewport-Width"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the blockvis server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements blockvis.BlockManager, blockvis.Renderer and
// blockvis.Watcher over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("blockvis: HTTP %d: %s", e.StatusCode, e.Message)
}

type wireBlock struct {
	Key         string          `json:"key"`
	BlockType   string          `json:"block_type,omitempty"`
	Description string          `json:"description,omitempty"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

type wireRenderReq struct {
	Keys         []string                        `json:"keys"`
	Explain      bool                            `json:"explain,omitempty"`
	User         *blockvis.User                  `json:"user,omitempty"`
	Integrations map[string]blockvis.Integration `json:"integrations,omitempty"`
	Metadata     json.RawMessage                 `json:"metadata,omitempty"`
}

type wirePreviewFacts struct {
	blockvis.Visitor
	Now string `json:"now,omitempty"`
}

type wirePreviewReq struct {
	Attributes json.RawMessage  `json:"attributes,omitempty"`
	BlockType  string           `json:"block_type,omitempty"`
	IsChild    bool             `json:"is_child,omitempty"`
	Facts      wirePreviewFacts `json:"facts"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("blockvis: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("blockvis: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blockvis: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("blockvis: decode response: %w", err)
	}
	return nil
}

// readAPIError prefers the server's {"error": "..."} body over raw text.
func readAPIError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(msg, &body); err == nil && body.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
}

func blockPath(key string) string {
	return "/v1/blocks/" + url.PathEscape(key)
}

func toWire(b blockvis.Block) wireBlock {
	return wireBlock{Key: b.Key, BlockType: b.BlockType, Description: b.Description, Attributes: b.Attributes}
}

func (c *Client) CreateBlock(ctx context.Context, block blockvis.Block) (blockvis.Block, error) {
	var out blockvis.Block
	err := c.do(ctx, http.MethodPost, "/v1/blocks", toWire(block), &out)
	return out, err
}

func (c *Client) GetBlock(ctx context.Context, key string) (blockvis.Block, error) {
	var out blockvis.Block
	err := c.do(ctx, http.MethodGet, blockPath(key), nil, &out)
	return out, err
}

func (c *Client) ListBlocks(ctx context.Context) ([]blockvis.Block, error) {
	var out []blockvis.Block
	if err := c.do(ctx, http.MethodGet, "/v1/blocks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateBlock(ctx context.Context, block blockvis.Block) (blockvis.Block, error) {
	var out blockvis.Block
	err := c.do(ctx, http.MethodPut, blockPath(block.Key), toWire(block), &out)
	return out, err
}

func (c *Client) DeleteBlock(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, blockPath(key), nil, nil)
}

// Render forwards the visitor's request facts as the headers a page
// renderer would set. Visitor.Timezone is ignored; the server's site
// timezone applies.
func (c *Client) Render(ctx context.Context, r blockvis.RenderRequest) ([]blockvis.RenderResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/render", wireRenderReq{
		Keys:         r.Keys,
		Explain:      r.Explain,
		User:         r.Visitor.User,
		Integrations: r.Visitor.Integrations,
		Metadata:     r.Visitor.Metadata,
	})
	if err != nil {
		return nil, err
	}
	setVisitorHeaders(req, r.Visitor)

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Results []blockvis.RenderResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("blockvis: decode response: %w", err)
	}
	return out.Results, nil
}

func setVisitorHeaders(req *http.Request, v blockvis.Visitor) {
	if v.URL != "" {
		req.Header.Set(headerForwardedURI, v.URL)
	}
	if v.UserAgent != "" {
		req.Header.Set("User-Agent", v.UserAgent)
	}
	if v.Referrer != "" {
		req.Header.Set("Referer", v.Referrer)
	}
	if v.ScreenWidth > 0 {
		req.Header.Set(headerViewportWidth, strconv.Itoa(v.ScreenWidth))
	}
	for name, value := range v.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

func (c *Client) Preview(ctx context.Context, r blockvis.PreviewRequest) (blockvis.Decision, error) {
	var out blockvis.Decision
	err := c.do(ctx, http.MethodPost, "/v1/preview", wirePreviewReq{
		Attributes: r.Attributes,
		BlockType:  r.BlockType,
		IsChild:    r.IsChild,
		Facts:      wirePreviewFacts{Visitor: r.Visitor, Now: r.Now},
	}, &out)
	return out, err
}

func (c *Client) ListControls(ctx context.Context) ([]blockvis.Control, error) {
	var out []blockvis.Control
	if err := c.do(ctx, http.MethodGet, "/v1/controls", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch connects to the SSE stream and emits events on the returned channel.
func (c *Client) Watch(ctx context.Context, opts blockvis.WatchOptions) (<-chan blockvis.BlockEvent, error) {
	path := "/v1/stream"
	if opts.Key != "" {
		path += "?key=" + url.QueryEscape(opts.Key)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.LastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(opts.LastEventID, 10))
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan blockvis.BlockEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Large blocks arrive as a single data line.
		parseSSE(ctx, bufio.NewReaderSize(resp.Body, 1<<20), ch)
	}()
	return ch, nil
}

// parseSSE handles the id, event and data fields the server writes, with
// multi-line data joined by newlines.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- blockvis.BlockEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := blockvis.DecodeEvent(eventType, eventID, "", json.RawMessage(data))
				if eventType == blockvis.EventError {
					ev.Payload = errorPayload(data)
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, perr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); perr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

// errorPayload keeps error events valid JSON even when the server sent text.
func errorPayload(data string) json.RawMessage {
	if json.Valid([]byte(data)) {
		return json.RawMessage(data)
	}
	b, _ := json.Marshal(map[string]string{"error": data})
	return b
}
