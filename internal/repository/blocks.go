package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const blockColumns = `project_id, key, block_type, description, attributes, created_at, updated_at`

func scanBlock(row pgx.Row) (Block, error) {
	var block Block
	err := row.Scan(
		&block.ProjectID,
		&block.Key,
		&block.BlockType,
		&block.Description,
		&block.Attributes,
		&block.CreatedAt,
		&block.UpdatedAt,
	)
	return block, err
}

func (r *PostgresRepository) CreateBlock(ctx context.Context, block Block) (Block, error) {
	created, err := scanBlock(r.pool.QueryRow(ctx, `
		INSERT INTO blocks (project_id, key, block_type, description, attributes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+blockColumns,
		block.ProjectID,
		block.Key,
		block.BlockType,
		block.Description,
		ensureJSON(block.Attributes, "{}"),
	))
	if err != nil {
		return Block{}, fmt.Errorf("create block: %w", err)
	}

	return created, nil
}

// UpdateBlock returns pgx.ErrNoRows (wrapped) if the block does not exist.
func (r *PostgresRepository) UpdateBlock(ctx context.Context, block Block) (Block, error) {
	updated, err := scanBlock(r.pool.QueryRow(ctx, `
		UPDATE blocks
		SET block_type = $3,
		    description = $4,
		    attributes = $5,
		    updated_at = NOW()
		WHERE project_id = $1 AND key = $2
		RETURNING `+blockColumns,
		block.ProjectID,
		block.Key,
		block.BlockType,
		block.Description,
		ensureJSON(block.Attributes, "{}"),
	))
	if err != nil {
		return Block{}, fmt.Errorf("update block: %w", err)
	}

	return updated, nil
}

// GetBlock returns pgx.ErrNoRows (wrapped) if the block does not exist.
func (r *PostgresRepository) GetBlock(ctx context.Context, projectID, key string) (Block, error) {
	block, err := scanBlock(r.pool.QueryRow(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE project_id = $1 AND key = $2
	`, projectID, key))
	if err != nil {
		return Block{}, fmt.Errorf("get block: %w", err)
	}

	return block, nil
}

// ListBlocks returns every block across projects, for cache loading.
func (r *PostgresRepository) ListBlocks(ctx context.Context) ([]Block, error) {
	return r.queryBlocks(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		ORDER BY project_id, key
	`)
}

func (r *PostgresRepository) ListBlocksByProject(ctx context.Context, projectID string) ([]Block, error) {
	return r.queryBlocks(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE project_id = $1
		ORDER BY key
	`, projectID)
}

func (r *PostgresRepository) queryBlocks(ctx context.Context, query string, args ...any) ([]Block, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	blocks := make([]Block, 0)
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blocks rows: %w", err)
	}

	return blocks, nil
}

// DeleteBlock returns pgx.ErrNoRows (wrapped) if the block does not exist.
func (r *PostgresRepository) DeleteBlock(ctx context.Context, projectID, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM blocks WHERE project_id = $1 AND key = $2`, projectID, key)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	return noRowsAffected("delete block", commandTag)
}
