package server

import (
	"context"
	"strings"

	"github.com/matt-riley/blockvis/internal/repository"
	"github.com/matt-riley/blockvis/internal/service"
)

const (
	watchEventUpdate   = "update"
	watchEventDelete   = "delete"
	watchEventSettings = "settings"
)

// watchEventName maps stored event types onto the names clients subscribe
// to. Unknown types map to "" and are skipped.
func watchEventName(eventType string) string {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case service.EventTypeUpdated:
		return watchEventUpdate
	case service.EventTypeDeleted:
		return watchEventDelete
	case service.EventTypeSettingsUpdated:
		return watchEventSettings
	default:
		return ""
	}
}

// eventCursor pages through a project's events. With a key set it only
// sees that block's events, so settings changes are not delivered.
type eventCursor struct {
	service     Service
	projectID   string
	key         string
	lastEventID int64
}

func (c *eventCursor) next(ctx context.Context) ([]repository.BlockEvent, error) {
	var (
		events []repository.BlockEvent
		err    error
	)
	if c.key == "" {
		events, err = c.service.ListEventsSince(ctx, c.projectID, c.lastEventID)
	} else {
		events, err = c.service.ListEventsSinceForKey(ctx, c.projectID, c.lastEventID, c.key)
	}
	if err != nil {
		return nil, err
	}

	if n := len(events); n > 0 {
		c.lastEventID = events[n-1].EventID
	}
	return events, nil
}
