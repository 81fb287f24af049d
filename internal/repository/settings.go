package repository

import (
	"context"
	"fmt"
)

// GetSettings returns pgx.ErrNoRows (wrapped) when the project has never
// stored settings.
func (r *PostgresRepository) GetSettings(ctx context.Context, projectID string) (Settings, error) {
	var settings Settings
	if err := r.pool.QueryRow(ctx, `
		SELECT project_id, settings, updated_at
		FROM visibility_settings
		WHERE project_id = $1
	`, projectID).Scan(&settings.ProjectID, &settings.Document, &settings.UpdatedAt); err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}

	return settings, nil
}

func (r *PostgresRepository) ListSettings(ctx context.Context) ([]Settings, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT project_id, settings, updated_at
		FROM visibility_settings
		ORDER BY project_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	all := make([]Settings, 0)
	for rows.Next() {
		var settings Settings
		if err := rows.Scan(&settings.ProjectID, &settings.Document, &settings.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		all = append(all, settings)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list settings rows: %w", err)
	}

	return all, nil
}

// PutSettings replaces the project's settings document.
func (r *PostgresRepository) PutSettings(ctx context.Context, settings Settings) (Settings, error) {
	var stored Settings
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO visibility_settings (project_id, settings)
		VALUES ($1, $2)
		ON CONFLICT (project_id) DO UPDATE
		SET settings = EXCLUDED.settings,
		    updated_at = NOW()
		RETURNING project_id, settings, updated_at
	`, settings.ProjectID, ensureJSON(settings.Document, "{}")).Scan(
		&stored.ProjectID,
		&stored.Document,
		&stored.UpdatedAt,
	); err != nil {
		return Settings{}, fmt.Errorf("put settings: %w", err)
	}

	return stored, nil
}
