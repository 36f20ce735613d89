package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/database"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
)

// RequestRepository reads disbursement requests and writes their status.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// GetByID returns the request or NOT_FOUND.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*Request, error) {
	query := `
		SELECT id, requester_id, department, status, amount, currency
		FROM requests
		WHERE id = $1
	`

	req := &Request{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&req.ID,
		&req.RequesterID,
		&req.Department,
		&req.Status,
		&req.Amount,
		&req.Currency,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request")
	}
	return req, nil
}

// UpdateStatus sets the request status.
func (r *RequestRepository) UpdateStatus(ctx context.Context, id string, status flow.RequestStatus) error {
	query := `
		UPDATE requests
		SET status = $2, updated_at = $3
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update request status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("request", id)
	}
	return nil
}
