package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/database"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
)

// ApprovalFlowRepository persists flow instances in approval_flows. The steps array is
// stored as one JSONB document so an instance is always written whole.
type ApprovalFlowRepository struct {
	db *database.DB
}

// NewApprovalFlowRepository creates a new ApprovalFlowRepository.
func NewApprovalFlowRepository(db *database.DB) *ApprovalFlowRepository {
	return &ApprovalFlowRepository{db: db}
}

const flowColumns = `
	id::text, request_id, flow_type, current_step, steps,
	is_completed, created_at, updated_at, completed_at, version`

// Create inserts a new live instance. The partial unique index on request_id turns a
// second live instance into ALREADY_INITIALIZED.
func (r *ApprovalFlowRepository) Create(ctx context.Context, inst *flow.Instance) error {
	stepsJSON, err := json.Marshal(inst.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow steps")
	}

	query := `
		INSERT INTO approval_flows
		    (request_id, flow_type, current_step, steps,
		     is_completed, created_at, updated_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		RETURNING id::text, version
	`

	err = r.db.QueryRow(ctx, query,
		inst.RequestID,
		inst.FlowType,
		inst.CurrentStep,
		stepsJSON,
		inst.IsCompleted,
		inst.CreatedAt,
		inst.UpdatedAt,
		inst.CompletedAt,
	).Scan(&inst.ID, &inst.Version)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return errors.New(errors.ErrCodeAlreadyInitialized,
				fmt.Sprintf("approval flow already initialized for request %s", inst.RequestID))
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval flow")
	}
	return nil
}

// GetLatestByRequestID returns the most recent instance for a request, live or not.
// Returns nil when the request never entered a flow.
func (r *ApprovalFlowRepository) GetLatestByRequestID(ctx context.Context, requestID string) (*flow.Instance, error) {
	query := `SELECT` + flowColumns + `
		FROM approval_flows
		WHERE request_id = $1
		ORDER BY is_completed ASC, created_at DESC
		LIMIT 1
	`

	inst, err := r.scanFlow(r.db.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval flow")
	}
	return inst, nil
}

// ListActive returns every live instance.
func (r *ApprovalFlowRepository) ListActive(ctx context.Context) ([]*flow.Instance, error) {
	query := `SELECT` + flowColumns + `
		FROM approval_flows
		WHERE NOT is_completed
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list active approval flows")
	}
	defer rows.Close()

	var out []*flow.Instance
	for rows.Next() {
		inst, err := r.scanFlow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval flow")
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Update writes the whole instance if nobody changed it since it was read, bumping the
// version. A lost race surfaces as CONFLICT.
func (r *ApprovalFlowRepository) Update(ctx context.Context, inst *flow.Instance) error {
	return updateFlow(ctx, r.db, inst)
}

// querier is satisfied by both the pool wrapper and a pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updateFlow(ctx context.Context, q querier, inst *flow.Instance) error {
	stepsJSON, err := json.Marshal(inst.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow steps")
	}

	query := `
		UPDATE approval_flows
		SET current_step = $3,
		    steps        = $4,
		    is_completed = $5,
		    updated_at   = $6,
		    completed_at = $7,
		    version      = version + 1
		WHERE id = $1
		  AND version = $2
		  AND NOT is_completed
		RETURNING version
	`

	var version int64
	err = q.QueryRow(ctx, query,
		inst.ID,
		inst.Version,
		inst.CurrentStep,
		stepsJSON,
		inst.IsCompleted,
		inst.UpdatedAt,
		inst.CompletedAt,
	).Scan(&version)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("approval flow for request %s was modified concurrently", inst.RequestID))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval flow")
	}
	inst.Version = version
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type flowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalFlowRepository) scanFlow(row flowScanner) (*flow.Instance, error) {
	inst := &flow.Instance{}
	var stepsJSON []byte
	err := row.Scan(
		&inst.ID,
		&inst.RequestID,
		&inst.FlowType,
		&inst.CurrentStep,
		&stepsJSON,
		&inst.IsCompleted,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
		&inst.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &inst.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal flow steps: %w", err)
	}
	return inst, nil
}
