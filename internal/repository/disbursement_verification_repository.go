package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/database"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
)

// DisbursementVerificationRepository stores one-time disbursement codes.
type DisbursementVerificationRepository struct {
	db *database.DB
}

// NewDisbursementVerificationRepository creates a new DisbursementVerificationRepository.
func NewDisbursementVerificationRepository(db *database.DB) *DisbursementVerificationRepository {
	return &DisbursementVerificationRepository{db: db}
}

// Create inserts an unverified code record. The caller assigns the ID.
func (r *DisbursementVerificationRepository) Create(ctx context.Context, v *DisbursementVerification) error {
	query := `
		INSERT INTO disbursement_verifications
		    (id, request_id, verification_code, sent_at, is_verified)
		VALUES ($1, $2, $3, $4, FALSE)
	`

	if _, err := r.db.Exec(ctx, query, v.ID, v.RequestID, v.VerificationCode, v.SentAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create disbursement verification")
	}
	return nil
}

// FindLive returns the unverified record matching request and code, or nil.
func (r *DisbursementVerificationRepository) FindLive(ctx context.Context, requestID, code string) (*DisbursementVerification, error) {
	query := `
		SELECT id::text, request_id, verification_code, sent_at,
		       verified_at, verified_by,
		       delegate_name, delegate_badge, delegate_email, delegate_phone,
		       is_verified
		FROM disbursement_verifications
		WHERE request_id = $1
		  AND verification_code = $2
		  AND NOT is_verified
		ORDER BY sent_at DESC
		LIMIT 1
	`

	v := &DisbursementVerification{}
	err := r.db.QueryRow(ctx, query, requestID, code).Scan(
		&v.ID,
		&v.RequestID,
		&v.VerificationCode,
		&v.SentAt,
		&v.VerifiedAt,
		&v.VerifiedBy,
		&v.DelegateName,
		&v.DelegateBadge,
		&v.DelegateEmail,
		&v.DelegatePhone,
		&v.IsVerified,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find disbursement verification")
	}
	return v, nil
}

// CompleteVerification closes a code and writes the flow it completes in one transaction.
// A spent code reports INVALID_CODE and a stale flow CONFLICT; either way nothing is
// written.
func (r *DisbursementVerificationRepository) CompleteVerification(
	ctx context.Context,
	id, verifiedBy string,
	verifiedAt time.Time,
	delegate *Delegate,
	next *flow.Instance,
) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := markVerified(ctx, tx, id, verifiedBy, verifiedAt, delegate); err != nil {
			return err
		}
		return updateFlow(ctx, tx, next)
	})
}

func markVerified(ctx context.Context, q querier, id, verifiedBy string, verifiedAt time.Time, delegate *Delegate) error {
	var name, badge, email, phone *string
	if delegate != nil {
		name = nullIfEmpty(delegate.Name)
		badge = nullIfEmpty(delegate.Badge)
		email = nullIfEmpty(delegate.Email)
		phone = nullIfEmpty(delegate.Phone)
	}

	query := `
		UPDATE disbursement_verifications
		SET is_verified    = TRUE,
		    verified_at    = $2,
		    verified_by    = $3,
		    delegate_name  = $4,
		    delegate_badge = $5,
		    delegate_email = $6,
		    delegate_phone = $7
		WHERE id = $1
		  AND NOT is_verified
	`

	tag, err := q.Exec(ctx, query, id, verifiedAt, verifiedBy, name, badge, email, phone)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark disbursement verification")
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.ErrCodeInvalidCode, "verification code already used")
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
