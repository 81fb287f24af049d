package service

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matt-riley/blockvis/internal/repository"
)

type fakeServiceRepository struct {
	mu          sync.RWMutex
	blocks      map[string]map[string]repository.Block
	settings    map[string]repository.Settings
	events      []repository.BlockEvent
	audit       []repository.AuditLogEntry
	nextEventID int64
	publishErr  error
	getCalls    int

	requirePublishActiveContext bool
	publishCtxErr               error
	publishCtxHasDeadline       bool
}

func newFakeServiceRepository() *fakeServiceRepository {
	return &fakeServiceRepository{
		blocks:   make(map[string]map[string]repository.Block),
		settings: make(map[string]repository.Settings),
	}
}

func (f *fakeServiceRepository) CreateBlock(_ context.Context, block repository.Block) (repository.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.blocks[block.ProjectID][block.Key]; ok {
		return repository.Block{}, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	f.putBlockLocked(block)
	return block, nil
}

func (f *fakeServiceRepository) UpdateBlock(_ context.Context, block repository.Block) (repository.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.blocks[block.ProjectID][block.Key]; !ok {
		return repository.Block{}, pgx.ErrNoRows
	}
	f.putBlockLocked(block)
	return block, nil
}

func (f *fakeServiceRepository) GetBlock(_ context.Context, projectID, key string) (repository.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	block, ok := f.blocks[projectID][key]
	if !ok {
		return repository.Block{}, pgx.ErrNoRows
	}
	return block, nil
}

func (f *fakeServiceRepository) ListBlocks(_ context.Context) ([]repository.Block, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var blocks []repository.Block
	for _, projectBlocks := range f.blocks {
		for _, block := range projectBlocks {
			blocks = append(blocks, block)
		}
	}
	return blocks, nil
}

func (f *fakeServiceRepository) DeleteBlock(_ context.Context, projectID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.blocks[projectID][key]; !ok {
		return pgx.ErrNoRows
	}
	delete(f.blocks[projectID], key)
	return nil
}

func (f *fakeServiceRepository) GetSettings(_ context.Context, projectID string) (repository.Settings, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	settings, ok := f.settings[projectID]
	if !ok {
		return repository.Settings{}, pgx.ErrNoRows
	}
	return settings, nil
}

func (f *fakeServiceRepository) ListSettings(_ context.Context) ([]repository.Settings, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	all := make([]repository.Settings, 0, len(f.settings))
	for _, settings := range f.settings {
		all = append(all, settings)
	}
	return all, nil
}

func (f *fakeServiceRepository) PutSettings(_ context.Context, settings repository.Settings) (repository.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.settings[settings.ProjectID] = settings
	return settings, nil
}

func (f *fakeServiceRepository) ListEventsSince(_ context.Context, projectID string, eventID int64) ([]repository.BlockEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	events := make([]repository.BlockEvent, 0, len(f.events))
	for _, event := range f.events {
		if event.EventID > eventID && event.ProjectID == projectID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeServiceRepository) ListEventsSinceForKey(_ context.Context, projectID string, eventID int64, key string) ([]repository.BlockEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	events := make([]repository.BlockEvent, 0, len(f.events))
	for _, event := range f.events {
		if event.EventID > eventID && event.ProjectID == projectID && event.BlockKey == key {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeServiceRepository) PublishBlockEvent(ctx context.Context, event repository.BlockEvent) (repository.BlockEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.publishCtxErr = ctx.Err()
	_, f.publishCtxHasDeadline = ctx.Deadline()

	if f.requirePublishActiveContext && f.publishCtxErr != nil {
		return repository.BlockEvent{}, f.publishCtxErr
	}
	if f.publishErr != nil {
		return repository.BlockEvent{}, f.publishErr
	}

	f.nextEventID++
	event.EventID = f.nextEventID
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeServiceRepository) InsertAuditLog(_ context.Context, entry repository.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeServiceRepository) setBlock(block repository.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putBlockLocked(block)
}

func (f *fakeServiceRepository) putBlockLocked(block repository.Block) {
	if _, ok := f.blocks[block.ProjectID]; !ok {
		f.blocks[block.ProjectID] = make(map[string]repository.Block)
	}
	f.blocks[block.ProjectID][block.Key] = block
}

func (f *fakeServiceRepository) removeBlock(projectID, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blocks[projectID], key)
}

type notifyingFakeServiceRepository struct {
	*fakeServiceRepository
	invalidationMu sync.Mutex
	invalidations  chan struct{}
	subscriptions  int
}

func newNotifyingFakeServiceRepository() *notifyingFakeServiceRepository {
	return &notifyingFakeServiceRepository{
		fakeServiceRepository: newFakeServiceRepository(),
		invalidations:         make(chan struct{}, 1),
	}
}

func (f *notifyingFakeServiceRepository) SubscribeBlockInvalidation(_ context.Context) (<-chan struct{}, error) {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()

	if f.invalidations == nil {
		f.invalidations = make(chan struct{}, 1)
	}
	f.subscriptions++
	return f.invalidations, nil
}

func (f *notifyingFakeServiceRepository) notifyInvalidation() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidationMu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (f *notifyingFakeServiceRepository) closeInvalidationChannel() {
	f.invalidationMu.Lock()
	ch := f.invalidations
	f.invalidations = nil
	f.invalidationMu.Unlock()

	if ch != nil {
		close(ch)
	}
}

func (f *notifyingFakeServiceRepository) subscriptionCalls() int {
	f.invalidationMu.Lock()
	defer f.invalidationMu.Unlock()
	return f.subscriptions
}
