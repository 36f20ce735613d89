package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
)

// FlowRepository persists flow instances. Update must fail with CONFLICT when the stored
// version no longer matches inst.Version.
type FlowRepository interface {
	Create(ctx context.Context, inst *flow.Instance) error
	GetLatestByRequestID(ctx context.Context, requestID string) (*flow.Instance, error)
	ListActive(ctx context.Context) ([]*flow.Instance, error)
	Update(ctx context.Context, inst *flow.Instance) error
}

// ConfigRepository stores system_config entries.
type ConfigRepository interface {
	Get(ctx context.Context, key string) (*repository.SystemConfigEntry, error)
	Upsert(ctx context.Context, entry *repository.SystemConfigEntry) error
}

// VerificationRepository stores disbursement verification codes.
type VerificationRepository interface {
	Create(ctx context.Context, v *repository.DisbursementVerification) error
	FindLive(ctx context.Context, requestID, code string) (*repository.DisbursementVerification, error)
	// CompleteVerification spends the code and persists next as one unit: on error neither
	// is written.
	CompleteVerification(
		ctx context.Context,
		id, verifiedBy string,
		verifiedAt time.Time,
		delegate *repository.Delegate,
		next *flow.Instance,
	) error
}

// AuditRepository appends to the audit and error logs.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *repository.AuditEntry) error
	AppendError(ctx context.Context, entry *repository.ErrorLogEntry) error
	ListByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// RequestLookup reads and patches the underlying disbursement request.
type RequestLookup interface {
	GetByID(ctx context.Context, id string) (*repository.Request, error)
	UpdateStatus(ctx context.Context, id string, status flow.RequestStatus) error
}

// UserDirectory resolves actors.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*repository.User, error)
}

// Notifier delivers user-facing messages. Callers treat every error as non-fatal.
type Notifier interface {
	SendApprovalNotification(ctx context.Context, requestID, userID string, status flow.RequestStatus, message string) error
	SendRecapReminderNotification(ctx context.Context, requestID, userID string, daysLeft int) error
	SendVerificationCode(ctx context.Context, requestID, userID, code string) error
}

// TimerStore holds durable escalation timers.
type TimerStore interface {
	Arm(ctx context.Context, timer repository.EscalationTimer) error
	PopDue(ctx context.Context, now time.Time) ([]repository.EscalationTimer, error)
}
