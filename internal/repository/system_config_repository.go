package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/database"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
)

// SystemConfigRepository reads and writes boolean switches in system_config.
type SystemConfigRepository struct {
	db *database.DB
}

// NewSystemConfigRepository creates a new SystemConfigRepository.
func NewSystemConfigRepository(db *database.DB) *SystemConfigRepository {
	return &SystemConfigRepository{db: db}
}

// Get returns the entry for key, or nil when it was never written.
func (r *SystemConfigRepository) Get(ctx context.Context, key string) (*SystemConfigEntry, error) {
	query := `
		SELECT key, value, description, updated_at, updated_by
		FROM system_config
		WHERE key = $1
	`

	entry := &SystemConfigEntry{}
	var valueJSON []byte
	err := r.db.QueryRow(ctx, query, key).Scan(
		&entry.Key,
		&valueJSON,
		&entry.Description,
		&entry.UpdatedAt,
		&entry.UpdatedBy,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read system config")
	}
	if err := json.Unmarshal(valueJSON, &entry.Value); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode system config value")
	}
	return entry, nil
}

// Upsert writes the entry, replacing any previous value.
func (r *SystemConfigRepository) Upsert(ctx context.Context, entry *SystemConfigEntry) error {
	valueJSON, err := json.Marshal(entry.Value)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode system config value")
	}

	query := `
		INSERT INTO system_config (key, value, description, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET value       = EXCLUDED.value,
		    description = EXCLUDED.description,
		    updated_at  = EXCLUDED.updated_at,
		    updated_by  = EXCLUDED.updated_by
	`

	if _, err := r.db.Exec(ctx, query,
		entry.Key,
		valueJSON,
		entry.Description,
		entry.UpdatedAt,
		entry.UpdatedBy,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write system config")
	}
	return nil
}
