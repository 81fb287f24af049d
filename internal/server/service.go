package server

import (
	"context"
	"encoding/json"

	"github.com/matt-riley/blockvis/internal/core"
	"github.com/matt-riley/blockvis/internal/evalctx"
	"github.com/matt-riley/blockvis/internal/repository"
	"github.com/matt-riley/blockvis/internal/service"
)

type Service interface {
	CreateBlock(ctx context.Context, block repository.Block) (repository.Block, error)
	UpdateBlock(ctx context.Context, block repository.Block) (repository.Block, error)
	GetBlock(ctx context.Context, projectID, key string) (repository.Block, error)
	ListBlocks(ctx context.Context, projectID string) ([]repository.Block, error)
	DeleteBlock(ctx context.Context, projectID, key string) error
	GetSettings(ctx context.Context, projectID string) (core.Settings, error)
	PutSettings(ctx context.Context, projectID string, document json.RawMessage) (core.Settings, error)
	ListControls() []core.Definition
	Render(ctx context.Context, projectID string, req service.RenderRequest) ([]service.RenderResult, error)
	Preview(ctx context.Context, projectID string, req service.PreviewRequest) (core.Decision, error)
	ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.BlockEvent, error)
	ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]repository.BlockEvent, error)
	EvalOptions() evalctx.Options
}

var _ Service = (*service.Service)(nil)
