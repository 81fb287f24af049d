// Package service owns the cached view of blocks and visibility settings and
// answers render and preview requests against it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/blockvis/internal/core"
	"github.com/matt-riley/blockvis/internal/evalctx"
	"github.com/matt-riley/blockvis/internal/metrics"
	"github.com/matt-riley/blockvis/internal/middleware"
	"github.com/matt-riley/blockvis/internal/repository"
)

const (
	EventTypeUpdated         = "updated"
	EventTypeDeleted         = "deleted"
	EventTypeSettingsUpdated = "settings_updated"

	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second

	uniqueViolation = "23505"

	tracerName = "github.com/matt-riley/blockvis/internal/service"
)

var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrBlockExists        = errors.New("block already exists")
	ErrBlockKeyRequired   = errors.New("block key is required")
	ErrProjectIDRequired  = errors.New("project id is required")
	ErrInvalidAttributes  = errors.New("invalid attributes")
	ErrInvalidSettings    = errors.New("invalid settings")
	ErrNoBlocksRequested  = errors.New("at least one block key is required")
	errRepositoryRequired = errors.New("repository is nil")
)

type Repository interface {
	CreateBlock(ctx context.Context, block repository.Block) (repository.Block, error)
	UpdateBlock(ctx context.Context, block repository.Block) (repository.Block, error)
	GetBlock(ctx context.Context, projectID, key string) (repository.Block, error)
	ListBlocks(ctx context.Context) ([]repository.Block, error)
	DeleteBlock(ctx context.Context, projectID, key string) error
	GetSettings(ctx context.Context, projectID string) (repository.Settings, error)
	ListSettings(ctx context.Context) ([]repository.Settings, error)
	PutSettings(ctx context.Context, settings repository.Settings) (repository.Settings, error)
	ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.BlockEvent, error)
	ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]repository.BlockEvent, error)
	PublishBlockEvent(ctx context.Context, event repository.BlockEvent) (repository.BlockEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeBlockInvalidation(ctx context.Context) (<-chan struct{}, error)
}

type auditLogger interface {
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
}

type cachedBlock struct {
	block repository.Block
	attrs core.Attributes
}

type Service struct {
	repo           Repository
	registry       *core.Registry
	engine         *core.Engine
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	fallback       func() core.Settings
	evalOptions    evalctx.Options
	resyncInterval time.Duration

	mu       sync.RWMutex
	blocks   map[string]map[string]cachedBlock
	settings map[string]core.Settings
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRegistry evaluates against registry instead of the process-wide one.
func WithRegistry(registry *core.Registry) Option {
	return func(s *Service) { s.registry = registry }
}

// WithFallbackSettings supplies the settings used by projects that have
// none stored. It is called on every lookup so a hot-reloaded source takes
// effect immediately.
func WithFallbackSettings(fallback func() core.Settings) Option {
	return func(s *Service) {
		if fallback != nil {
			s.fallback = fallback
		}
	}
}

func WithCacheResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resyncInterval = d
		}
	}
}

// WithEvalOptions sets the clock and site timezone used to build
// evaluation contexts.
func WithEvalOptions(opts evalctx.Options) Option {
	return func(s *Service) { s.evalOptions = opts }
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errRepositoryRequired
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
		fallback:       func() core.Settings { return core.Settings{} },
		resyncInterval: defaultCacheResyncInterval,
		blocks:         make(map[string]map[string]cachedBlock),
		settings:       make(map[string]core.Settings),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.registry == nil {
		svc.registry = core.DefaultRegistry()
	}
	svc.engine = core.NewEngine(svc.registry, core.WithObserver(svc.observeControl))

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

func (s *Service) observeControl(controlID string, state core.TriState, recovered bool) {
	s.metrics.RecordControlResult(controlID, state.String(), recovered)
	if recovered {
		s.logger.Warn("control evaluator panicked", slog.String("control", controlID))
	}
}

// EvalOptions returns the options transports use to build evaluation
// contexts, so both call sites share one clock and timezone.
func (s *Service) EvalOptions() evalctx.Options {
	return s.evalOptions
}

func (s *Service) LoadCache(ctx context.Context) error {
	blocks, err := s.repo.ListBlocks(ctx)
	if err != nil {
		return fmt.Errorf("load blocks: %w", err)
	}
	stored, err := s.repo.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	nextBlocks := make(map[string]map[string]cachedBlock)
	for _, block := range blocks {
		attrs, err := core.ParseAttributes(block.Attributes)
		if err != nil {
			s.logger.Warn("skipping block with unparseable attributes",
				slog.String("project_id", block.ProjectID),
				slog.String("block_key", block.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if nextBlocks[block.ProjectID] == nil {
			nextBlocks[block.ProjectID] = make(map[string]cachedBlock)
		}
		nextBlocks[block.ProjectID][block.Key] = cachedBlock{block: block, attrs: attrs}
	}

	nextSettings := make(map[string]core.Settings, len(stored))
	for _, row := range stored {
		settings, err := parseSettings(row.Document)
		if err != nil {
			s.logger.Warn("ignoring unparseable project settings",
				slog.String("project_id", row.ProjectID),
				slog.String("error", err.Error()),
			)
			continue
		}
		nextSettings[row.ProjectID] = settings
	}

	s.mu.Lock()
	s.blocks = nextBlocks
	s.settings = nextSettings
	s.mu.Unlock()

	s.metrics.IncCacheLoads()
	s.metrics.ResetCacheSize()
	for projectID, projectBlocks := range nextBlocks {
		s.metrics.SetCacheSize(projectID, float64(len(projectBlocks)))
	}

	return nil
}

func (s *Service) CreateBlock(ctx context.Context, block repository.Block) (repository.Block, error) {
	if err := validateBlock(block); err != nil {
		return repository.Block{}, err
	}
	normalized, attrs, err := normalizeAttributes(block.Attributes)
	if err != nil {
		return repository.Block{}, err
	}
	block.Attributes = normalized

	created, err := s.repo.CreateBlock(ctx, block)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.Block{}, ErrBlockExists
		}
		return repository.Block{}, fmt.Errorf("create block: %w", err)
	}

	s.setCachedBlock(cachedBlock{block: created, attrs: attrs})
	s.afterMutation(ctx, "block.create", created.ProjectID, created.Key, EventTypeUpdated, created)

	return created, nil
}

func (s *Service) UpdateBlock(ctx context.Context, block repository.Block) (repository.Block, error) {
	if err := validateBlock(block); err != nil {
		return repository.Block{}, err
	}
	normalized, attrs, err := normalizeAttributes(block.Attributes)
	if err != nil {
		return repository.Block{}, err
	}
	block.Attributes = normalized

	updated, err := s.repo.UpdateBlock(ctx, block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedBlock(block.ProjectID, block.Key)
			return repository.Block{}, ErrBlockNotFound
		}
		return repository.Block{}, fmt.Errorf("update block: %w", err)
	}

	s.setCachedBlock(cachedBlock{block: updated, attrs: attrs})
	s.afterMutation(ctx, "block.update", updated.ProjectID, updated.Key, EventTypeUpdated, updated)

	return updated, nil
}

func (s *Service) GetBlock(ctx context.Context, projectID, key string) (repository.Block, error) {
	cached, err := s.getBlock(ctx, projectID, key)
	if err != nil {
		return repository.Block{}, err
	}
	return cached.block, nil
}

func (s *Service) getBlock(ctx context.Context, projectID, key string) (cachedBlock, error) {
	if strings.TrimSpace(projectID) == "" {
		return cachedBlock{}, ErrProjectIDRequired
	}
	if strings.TrimSpace(key) == "" {
		return cachedBlock{}, ErrBlockKeyRequired
	}

	if cached, ok := s.getCachedBlock(projectID, key); ok {
		return cached, nil
	}

	block, err := s.repo.GetBlock(ctx, projectID, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cachedBlock{}, ErrBlockNotFound
		}
		return cachedBlock{}, fmt.Errorf("get block: %w", err)
	}

	attrs, err := core.ParseAttributes(block.Attributes)
	if err != nil {
		return cachedBlock{}, fmt.Errorf("%w: block %q: %v", ErrInvalidAttributes, key, err)
	}

	cached := cachedBlock{block: block, attrs: attrs}
	s.setCachedBlock(cached)
	return cached, nil
}

func (s *Service) ListBlocks(_ context.Context, projectID string) ([]repository.Block, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrProjectIDRequired
	}

	s.mu.RLock()
	blocks := make([]repository.Block, 0, len(s.blocks[projectID]))
	for _, cached := range s.blocks[projectID] {
		blocks = append(blocks, cached.block)
	}
	s.mu.RUnlock()

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Key < blocks[j].Key
	})

	return blocks, nil
}

func (s *Service) DeleteBlock(ctx context.Context, projectID, key string) error {
	existing, err := s.GetBlock(ctx, projectID, key)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteBlock(ctx, projectID, key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedBlock(projectID, key)
			return ErrBlockNotFound
		}
		return fmt.Errorf("delete block: %w", err)
	}

	s.deleteCachedBlock(projectID, key)
	s.afterMutation(ctx, "block.delete", projectID, key, EventTypeDeleted, existing)

	return nil
}

// GetSettings returns the project's stored settings, or the fallback
// settings when none are stored.
func (s *Service) GetSettings(ctx context.Context, projectID string) (core.Settings, error) {
	if strings.TrimSpace(projectID) == "" {
		return core.Settings{}, ErrProjectIDRequired
	}

	s.mu.RLock()
	settings, ok := s.settings[projectID]
	s.mu.RUnlock()
	if ok {
		return settings, nil
	}

	row, err := s.repo.GetSettings(ctx, projectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.fallback(), nil
		}
		return core.Settings{}, fmt.Errorf("get settings: %w", err)
	}

	settings, err = parseSettings(row.Document)
	if err != nil {
		return core.Settings{}, err
	}
	s.setCachedSettings(projectID, settings)
	return settings, nil
}

func (s *Service) PutSettings(ctx context.Context, projectID string, document json.RawMessage) (core.Settings, error) {
	if strings.TrimSpace(projectID) == "" {
		return core.Settings{}, ErrProjectIDRequired
	}
	settings, err := parseSettings(document)
	if err != nil {
		return core.Settings{}, err
	}

	normalized, err := json.Marshal(settings)
	if err != nil {
		return core.Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	if _, err := s.repo.PutSettings(ctx, repository.Settings{ProjectID: projectID, Document: normalized}); err != nil {
		return core.Settings{}, fmt.Errorf("put settings: %w", err)
	}

	s.setCachedSettings(projectID, settings)
	s.afterMutation(ctx, "settings.update", projectID, "", EventTypeSettingsUpdated, map[string]any{"settings": settings})

	return settings, nil
}

// ListControls returns the registered controls in evaluation order.
func (s *Service) ListControls() []core.Definition {
	defs := make([]core.Definition, 0, s.registry.Len())
	for def := range s.registry.List() {
		defs = append(defs, def)
	}
	return defs
}

type RenderRequest struct {
	Keys    []string
	Facts   evalctx.Facts
	Explain bool
}

type RenderResult struct {
	Key         string         `json:"key"`
	Found       bool           `json:"found"`
	Visible     bool           `json:"visible"`
	ClientHints []string       `json:"client_hints,omitempty"`
	Decision    *core.Decision `json:"decision,omitempty"`
}

// Render decides every requested block for one page view. Unknown blocks
// render, since a block without stored controls has nothing to hide it.
func (s *Service) Render(ctx context.Context, projectID string, req RenderRequest) ([]RenderResult, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrProjectIDRequired
	}
	if len(req.Keys) == 0 {
		return nil, ErrNoBlocksRequested
	}

	ctx, span := s.tracer.Start(ctx, "service.Render", trace.WithAttributes(
		attribute.String("blockvis.project_id", projectID),
		attribute.Int("blockvis.block_count", len(req.Keys)),
	))
	defer span.End()

	settings, err := s.GetSettings(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load settings")
		return nil, err
	}

	evalCtx := req.Facts.Context()
	results := make([]RenderResult, 0, len(req.Keys))
	hidden := 0
	for _, key := range req.Keys {
		cached, err := s.getBlock(ctx, projectID, key)
		switch {
		case errors.Is(err, ErrBlockNotFound):
			results = append(results, RenderResult{Key: key, Visible: true})
			continue
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "load block")
			return nil, err
		}

		result := RenderResult{Key: key, Found: true, Visible: true}
		if settings.BlockTypeEnabled(cached.block.BlockType, false) {
			decision := s.engine.Explain(cached.attrs, evalCtx, settings)
			result.Visible = decision.Visible
			result.ClientHints = decision.ClientHints
			if req.Explain {
				result.Decision = &decision
			}
		}
		if !result.Visible {
			hidden++
		}

		s.metrics.RecordDecision("render", result.Visible)
		results = append(results, result)
	}

	span.SetAttributes(attribute.Int("blockvis.hidden_count", hidden))
	return results, nil
}

type PreviewRequest struct {
	Attributes json.RawMessage      `json:"attributes"`
	BlockType  string               `json:"block_type,omitempty"`
	IsChild    bool                 `json:"is_child,omitempty"`
	Facts      evalctx.PreviewFacts `json:"facts"`
}

// Preview decides unsaved attributes against simulated facts, exactly as
// Render would decide them once stored.
func (s *Service) Preview(ctx context.Context, projectID string, req PreviewRequest) (core.Decision, error) {
	if strings.TrimSpace(projectID) == "" {
		return core.Decision{}, ErrProjectIDRequired
	}

	_, span := s.tracer.Start(ctx, "service.Preview", trace.WithAttributes(
		attribute.String("blockvis.project_id", projectID),
		attribute.String("blockvis.block_type", req.BlockType),
	))
	defer span.End()

	attrs, err := core.ParseAttributes(ensureObject(req.Attributes))
	if err != nil {
		return core.Decision{}, fmt.Errorf("%w: %v", ErrInvalidAttributes, err)
	}

	facts, err := evalctx.FromPreview(req.Facts, s.evalOptions)
	if err != nil {
		return core.Decision{}, err
	}

	settings, err := s.GetSettings(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return core.Decision{}, err
	}

	decision := core.Decision{Visible: true, Logic: core.MatchAny}
	if settings.BlockTypeEnabled(req.BlockType, req.IsChild) {
		decision = s.engine.Explain(attrs, facts.Context(), settings)
	}

	span.SetAttributes(attribute.Bool("blockvis.visible", decision.Visible))
	s.metrics.RecordDecision("preview", decision.Visible)
	return decision, nil
}

func (s *Service) ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.BlockEvent, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrProjectIDRequired
	}

	events, err := s.repo.ListEventsSince(ctx, projectID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]repository.BlockEvent, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, ErrProjectIDRequired
	}
	if strings.TrimSpace(key) == "" {
		return nil, ErrBlockKeyRequired
	}

	events, err := s.repo.ListEventsSinceForKey(ctx, projectID, eventID, key)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for key %q: %w", eventID, key, err)
	}

	return events, nil
}

func (s *Service) getCachedBlock(projectID, key string) (cachedBlock, bool) {
	s.mu.RLock()
	cached, ok := s.blocks[projectID][key]
	s.mu.RUnlock()

	return cached, ok
}

func (s *Service) setCachedBlock(cached cachedBlock) {
	s.mu.Lock()
	projectBlocks := s.blocks[cached.block.ProjectID]
	if projectBlocks == nil {
		projectBlocks = make(map[string]cachedBlock)
		s.blocks[cached.block.ProjectID] = projectBlocks
	}
	projectBlocks[cached.block.Key] = cached
	size := len(projectBlocks)
	s.mu.Unlock()

	s.metrics.SetCacheSize(cached.block.ProjectID, float64(size))
}

func (s *Service) deleteCachedBlock(projectID, key string) {
	s.mu.Lock()
	delete(s.blocks[projectID], key)
	size := len(s.blocks[projectID])
	s.mu.Unlock()

	s.metrics.SetCacheSize(projectID, float64(size))
}

func (s *Service) setCachedSettings(projectID string, settings core.Settings) {
	s.mu.Lock()
	s.settings[projectID] = settings
	s.mu.Unlock()
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeBlockInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeBlockInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeBlockInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.metrics.IncCacheInvalidations()
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil && ctx.Err() == nil {
		s.logger.Error("cache reload failed", slog.String("error", err.Error()))
	}
}

// afterMutation records the audit entry and publishes the change event.
// The mutation has already committed, so neither may fail the request.
func (s *Service) afterMutation(ctx context.Context, action, projectID, blockKey, eventType string, payload any) {
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal event payload", slog.String("action", action), slog.String("error", err.Error()))
		return
	}

	if _, err := s.repo.PublishBlockEvent(bgCtx, repository.BlockEvent{
		ProjectID: projectID,
		BlockKey:  blockKey,
		EventType: eventType,
		Payload:   body,
	}); err != nil {
		s.logger.Warn("publish block event failed",
			slog.String("action", action),
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
	}

	audit, ok := s.repo.(auditLogger)
	if !ok {
		return
	}
	apiKeyID, _ := middleware.APIKeyIDFromContext(ctx)
	if err := audit.InsertAuditLog(bgCtx, repository.AuditLogEntry{
		ProjectID: projectID,
		APIKeyID:  apiKeyID,
		Action:    action,
		BlockKey:  blockKey,
		Details:   body,
	}); err != nil {
		s.logger.Warn("audit log write failed", slog.String("action", action), slog.String("error", err.Error()))
	}
}

func validateBlock(block repository.Block) error {
	if strings.TrimSpace(block.ProjectID) == "" {
		return ErrProjectIDRequired
	}
	if strings.TrimSpace(block.Key) == "" {
		return ErrBlockKeyRequired
	}
	return nil
}

func ensureObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
