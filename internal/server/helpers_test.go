package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/blockvis/internal/core"
	"github.com/matt-riley/blockvis/internal/evalctx"
	"github.com/matt-riley/blockvis/internal/middleware"
	"github.com/matt-riley/blockvis/internal/repository"
	"github.com/matt-riley/blockvis/internal/service"
)

const testProjectID = "proj-1"

func reqWithProject(req *http.Request) *http.Request {
	ctx := middleware.NewContextWithProjectID(req.Context(), testProjectID)
	return req.WithContext(ctx)
}

type fakeService struct {
	createBlockFunc           func(ctx context.Context, block repository.Block) (repository.Block, error)
	updateBlockFunc           func(ctx context.Context, block repository.Block) (repository.Block, error)
	getBlockFunc              func(ctx context.Context, projectID, key string) (repository.Block, error)
	listBlocksFunc            func(ctx context.Context, projectID string) ([]repository.Block, error)
	deleteBlockFunc           func(ctx context.Context, projectID, key string) error
	getSettingsFunc           func(ctx context.Context, projectID string) (core.Settings, error)
	putSettingsFunc           func(ctx context.Context, projectID string, document json.RawMessage) (core.Settings, error)
	renderFunc                func(ctx context.Context, projectID string, req service.RenderRequest) ([]service.RenderResult, error)
	previewFunc               func(ctx context.Context, projectID string, req service.PreviewRequest) (core.Decision, error)
	listEventsSinceFunc       func(ctx context.Context, projectID string, eventID int64) ([]repository.BlockEvent, error)
	listEventsSinceForKeyFunc func(ctx context.Context, projectID string, eventID int64, key string) ([]repository.BlockEvent, error)
	evalOptions               evalctx.Options
}

func (f *fakeService) CreateBlock(ctx context.Context, block repository.Block) (repository.Block, error) {
	if f.createBlockFunc != nil {
		return f.createBlockFunc(ctx, block)
	}
	return repository.Block{}, errors.New("CreateBlock not implemented")
}

func (f *fakeService) UpdateBlock(ctx context.Context, block repository.Block) (repository.Block, error) {
	if f.updateBlockFunc != nil {
		return f.updateBlockFunc(ctx, block)
	}
	return repository.Block{}, errors.New("UpdateBlock not implemented")
}

func (f *fakeService) GetBlock(ctx context.Context, projectID, key string) (repository.Block, error) {
	if f.getBlockFunc != nil {
		return f.getBlockFunc(ctx, projectID, key)
	}
	return repository.Block{}, errors.New("GetBlock not implemented")
}

func (f *fakeService) ListBlocks(ctx context.Context, projectID string) ([]repository.Block, error) {
	if f.listBlocksFunc != nil {
		return f.listBlocksFunc(ctx, projectID)
	}
	return nil, errors.New("ListBlocks not implemented")
}

func (f *fakeService) DeleteBlock(ctx context.Context, projectID, key string) error {
	if f.deleteBlockFunc != nil {
		return f.deleteBlockFunc(ctx, projectID, key)
	}
	return errors.New("DeleteBlock not implemented")
}

func (f *fakeService) GetSettings(ctx context.Context, projectID string) (core.Settings, error) {
	if f.getSettingsFunc != nil {
		return f.getSettingsFunc(ctx, projectID)
	}
	return core.Settings{}, errors.New("GetSettings not implemented")
}

func (f *fakeService) PutSettings(ctx context.Context, projectID string, document json.RawMessage) (core.Settings, error) {
	if f.putSettingsFunc != nil {
		return f.putSettingsFunc(ctx, projectID, document)
	}
	return core.Settings{}, errors.New("PutSettings not implemented")
}

func (f *fakeService) ListControls() []core.Definition {
	return []core.Definition{
		{ID: core.ControlHideBlock, Label: "Hide block"},
		{ID: core.ControlUserRole, Label: "User role"},
	}
}

func (f *fakeService) Render(ctx context.Context, projectID string, req service.RenderRequest) ([]service.RenderResult, error) {
	if f.renderFunc != nil {
		return f.renderFunc(ctx, projectID, req)
	}
	return nil, errors.New("Render not implemented")
}

func (f *fakeService) Preview(ctx context.Context, projectID string, req service.PreviewRequest) (core.Decision, error) {
	if f.previewFunc != nil {
		return f.previewFunc(ctx, projectID, req)
	}
	return core.Decision{}, errors.New("Preview not implemented")
}

func (f *fakeService) ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]repository.BlockEvent, error) {
	if f.listEventsSinceFunc != nil {
		return f.listEventsSinceFunc(ctx, projectID, eventID)
	}
	return nil, errors.New("ListEventsSince not implemented")
}

func (f *fakeService) ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]repository.BlockEvent, error) {
	if f.listEventsSinceForKeyFunc != nil {
		return f.listEventsSinceForKeyFunc(ctx, projectID, eventID, key)
	}
	return nil, errors.New("ListEventsSinceForKey not implemented")
}

func (f *fakeService) EvalOptions() evalctx.Options {
	return f.evalOptions
}

// fakeWatchStream records sent messages and cancels its context after the
// first one, so WatchBlocks returns once initial events are flushed.
type fakeWatchStream struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	sent   []*structpb.Struct
}

func (f *fakeWatchStream) SetHeader(metadata.MD) error { return nil }
func (f *fakeWatchStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeWatchStream) SetTrailer(metadata.MD) {}
func (f *fakeWatchStream) Context() context.Context { return f.ctx }
func (f *fakeWatchStream) RecvMsg(any) error { return io.EOF }

func (f *fakeWatchStream) SendMsg(m any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, m.(*structpb.Struct))
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	return nil
}

func (f *fakeWatchStream) messages() []*structpb.Struct {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*structpb.Struct(nil), f.sent...)
}
