package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const eventColumns = `event_id, project_id, block_key, event_type, payload, created_at`

func scanEvent(row pgx.Row) (BlockEvent, error) {
	var event BlockEvent
	err := row.Scan(
		&event.EventID,
		&event.ProjectID,
		&event.BlockKey,
		&event.EventType,
		&event.Payload,
		&event.CreatedAt,
	)
	return event, err
}

// ListEventsSince returns the next batch of project events after eventID,
// oldest first.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, projectID string, eventID int64) ([]BlockEvent, error) {
	return r.queryEvents(ctx, `
		SELECT `+eventColumns+`
		FROM block_events
		WHERE event_id > $1 AND project_id = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, projectID, r.eventBatchSize)
}

// ListEventsSinceForKey is ListEventsSince narrowed to one block.
func (r *PostgresRepository) ListEventsSinceForKey(ctx context.Context, projectID string, eventID int64, key string) ([]BlockEvent, error) {
	return r.queryEvents(ctx, `
		SELECT `+eventColumns+`
		FROM block_events
		WHERE event_id > $1
		  AND project_id = $2 AND block_key = $3
		ORDER BY event_id
		LIMIT $4
	`, eventID, projectID, key, r.eventBatchSize)
}

func (r *PostgresRepository) queryEvents(ctx context.Context, query string, args ...any) ([]BlockEvent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]BlockEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishBlockEvent records the event and notifies listeners in one
// transaction, so a notification never precedes its row.
func (r *PostgresRepository) PublishBlockEvent(ctx context.Context, event BlockEvent) (BlockEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return BlockEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanEvent(tx.QueryRow(ctx, `
		INSERT INTO block_events (project_id, block_key, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING `+eventColumns,
		event.ProjectID,
		event.BlockKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	))
	if err != nil {
		return BlockEvent{}, fmt.Errorf("insert block event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return BlockEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return BlockEvent{}, fmt.Errorf("notify block event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return BlockEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}
