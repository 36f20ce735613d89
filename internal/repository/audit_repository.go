package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/database"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
)

// AuditRepository appends to and reads the audit and error logs. Both tables are
// append-only; nothing here updates or deletes.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AppendAudit inserts one audit entry. The caller assigns ID and PerformedAt.
func (r *AuditRepository) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO audit_logs
		    (id, request_id, action, performed_by, performed_at,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if _, err := r.db.Exec(ctx, query,
		entry.ID,
		nullIfEmpty(entry.RequestID),
		entry.Action,
		entry.PerformedBy,
		entry.PerformedAt,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// AppendError inserts one error log entry.
func (r *AuditRepository) AppendError(ctx context.Context, entry *ErrorLogEntry) error {
	query := `
		INSERT INTO error_logs
		    (id, request_id, operation, actor_id, error_code, message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if _, err := r.db.Exec(ctx, query,
		entry.ID,
		nullIfEmpty(entry.RequestID),
		entry.Operation,
		nullIfEmpty(entry.ActorID),
		entry.ErrorCode,
		entry.Message,
		entry.OccurredAt,
	); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append error log entry")
	}
	return nil
}

// ListByRequestID returns the audit trail for a request ordered oldest-first.
func (r *AuditRepository) ListByRequestID(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id::text, COALESCE(request_id, ''), action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM audit_logs
		WHERE request_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte

		if err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.Action,
			&entry.PerformedBy,
			&entry.PerformedAt,
			&entry.StatusBefore,
			&entry.StatusAfter,
			&metadataJSON,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
