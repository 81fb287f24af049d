// Package server exposes the visibility service over HTTP and gRPC.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/blockvis/internal/evalctx"
	"github.com/matt-riley/blockvis/internal/metrics"
	"github.com/matt-riley/blockvis/internal/middleware"
	"github.com/matt-riley/blockvis/internal/repository"
	"github.com/matt-riley/blockvis/internal/service"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service            Service
	metrics            *metrics.Metrics
	streamPollInterval time.Duration
	maxJSONBodyBytes   int64
}

type HTTPOption func(*HTTPServer)

// WithStreamPollInterval sets how often SSE streams poll for new events.
func WithStreamPollInterval(d time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		if d > 0 {
			s.streamPollInterval = d
		}
	}
}

func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithMetrics mounts /metrics and counts open SSE streams.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

type blockJSONRequest struct {
	Key         string          `json:"key"`
	BlockType   string          `json:"block_type"`
	Description string          `json:"description"`
	Attributes  json.RawMessage `json:"attributes"`
}

type renderJSONRequest struct {
	evalctx.Subject
	Keys    []string `json:"keys"`
	Explain bool     `json:"explain,omitempty"`
}

type renderJSONResponse struct {
	Results []service.RenderResult `json:"results"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:            svc,
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodyBytes:   defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/blocks", server.withProject(server.handleCreateBlock))
	mux.HandleFunc("GET /v1/blocks", server.withProject(server.handleListBlocks))
	mux.HandleFunc("GET /v1/blocks/{key}", server.withProject(server.handleGetBlock))
	mux.HandleFunc("PUT /v1/blocks/{key}", server.withProject(server.handleUpdateBlock))
	mux.HandleFunc("DELETE /v1/blocks/{key}", server.withProject(server.handleDeleteBlock))
	mux.HandleFunc("GET /v1/settings", server.withProject(server.handleGetSettings))
	mux.HandleFunc("PUT /v1/settings", server.withProject(server.handlePutSettings))
	mux.HandleFunc("GET /v1/controls", server.handleListControls)
	mux.HandleFunc("POST /v1/preview", server.withProject(server.handlePreview))
	mux.HandleFunc("POST /v1/render", server.withProject(server.handleRender))
	mux.HandleFunc("GET /v1/stream", server.withProject(server.handleStream))
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metrics != nil {
		mux.Handle("GET /metrics", server.metrics.Handler())
	}

	return mux
}

type projectHandlerFunc func(w http.ResponseWriter, r *http.Request, projectID string)

// withProject rejects requests the auth middleware did not scope to a
// project.
func (s *HTTPServer) withProject(next projectHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := middleware.ProjectIDFromContext(r.Context())
		if !ok || projectID == "" {
			writeServiceError(w, errProjectUnknown)
			return
		}
		next(w, r, projectID)
	}
}

func (s *HTTPServer) handleCreateBlock(w http.ResponseWriter, r *http.Request, projectID string) {
	var request blockJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	created, err := s.service.CreateBlock(r.Context(), request.toBlock(projectID))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetBlock(w http.ResponseWriter, r *http.Request, projectID string) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	block, err := s.service.GetBlock(r.Context(), projectID, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, block)
}

func (s *HTTPServer) handleListBlocks(w http.ResponseWriter, r *http.Request, projectID string) {
	blocks, err := s.service.ListBlocks(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, blocks)
}

func (s *HTTPServer) handleUpdateBlock(w http.ResponseWriter, r *http.Request, projectID string) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var request blockJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(request.Key) != "" && request.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	request.Key = key

	updated, err := s.service.UpdateBlock(r.Context(), request.toBlock(projectID))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteBlock(w http.ResponseWriter, r *http.Request, projectID string) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := s.service.DeleteBlock(r.Context(), projectID, key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleGetSettings(w http.ResponseWriter, r *http.Request, projectID string) {
	settings, err := s.service.GetSettings(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

func (s *HTTPServer) handlePutSettings(w http.ResponseWriter, r *http.Request, projectID string) {
	var document json.RawMessage
	if err := s.decodeJSONBody(w, r, &document); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	settings, err := s.service.PutSettings(r.Context(), projectID, document)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, settings)
}

func (s *HTTPServer) handleListControls(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListControls())
}

func (s *HTTPServer) handlePreview(w http.ResponseWriter, r *http.Request, projectID string) {
	var request service.PreviewRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	decision, err := s.service.Preview(r.Context(), projectID, request)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// handleRender reads request facts from the render call itself: the page
// URL from X-Forwarded-Uri, plus the visitor's cookies, user agent,
// referrer and viewport hint.
func (s *HTTPServer) handleRender(w http.ResponseWriter, r *http.Request, projectID string) {
	var request renderJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	results, err := s.service.Render(r.Context(), projectID, service.RenderRequest{
		Keys:    request.Keys,
		Facts:   evalctx.FromRequest(r, request.Subject, s.service.EvalOptions()),
		Explain: request.Explain,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, renderJSONResponse{Results: results})
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, projectID string) {
	lastEventID, err := parseLastEventID(r.Header.Get("Last-Event-ID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	cursor := &eventCursor{
		service:     s.service,
		projectID:   projectID,
		key:         strings.TrimSpace(r.URL.Query().Get("key")),
		lastEventID: lastEventID,
	}

	writeEvents := func(events []repository.BlockEvent) error {
		for _, event := range events {
			eventName := watchEventName(event.EventType)
			if eventName == "" {
				continue
			}

			payload := event.Payload
			if len(payload) == 0 {
				payload = []byte(`{}`)
			}

			if err := writeSSEEvent(w, event.EventID, eventName, payload); err != nil {
				return err
			}
			flusher.Flush()
		}

		return nil
	}

	initialEvents, err := cursor.next(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.metrics.StreamOpened("sse")
	defer s.metrics.StreamClosed("sse")

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeEvents(initialEvents); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, err := cursor.next(r.Context())
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				writeSSEError(w, flusher, lookupError(err).message)
				return
			}
			if err := writeEvents(events); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b blockJSONRequest) toBlock(projectID string) repository.Block {
	return repository.Block{
		ProjectID:   projectID,
		Key:         b.Key,
		BlockType:   b.BlockType,
		Description: b.Description,
		Attributes:  b.Attributes,
	}
}

func parseLastEventID(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	eventID, err := strconv.ParseInt(value, 10, 64)
	if err != nil || eventID < 0 {
		return 0, errors.New("invalid event id")
	}

	return eventID, nil
}

func writeSSEError(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		payload = []byte(`{"error":"internal server error"}`)
	}
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	flusher.Flush()
}

func writeSSEEvent(w io.Writer, eventID int64, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\n", eventID, eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

// compactSSEPayload keeps each payload on as few data lines as possible.
// Non-JSON payloads are split so no line carries a raw newline.
func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	normalized := strings.ReplaceAll(string(payload), "\r\n", "\n")
	return strings.Split(strings.ReplaceAll(normalized, "\r", "\n"), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
