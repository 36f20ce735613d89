package repository

import (
	"time"

	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
)

// ── Records read from or written to collaborators ────────────────────────────

// Request is the slice of a disbursement request the engine reads and writes.
type Request struct {
	ID          string
	RequesterID string
	Department  string
	Status      flow.RequestStatus
	Amount      int64 // minor currency units
	Currency    string
}

// User is an actor resolved from the user directory.
type User struct {
	ID          string
	Name        string
	Role        flow.UserRole
	Department  string
	BadgeNumber string
	Email       string
}

// ── Records owned by the engine ──────────────────────────────────────────────

// SystemConfigEntry is one row of system_config.
type SystemConfigEntry struct {
	Key         string
	Value       bool
	Description string
	UpdatedAt   time.Time
	UpdatedBy   string
}

// Delegate identifies someone collecting cash on the requester's behalf.
type Delegate struct {
	Name  string `json:"name"`
	Badge string `json:"badge,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// DisbursementVerification is a one-time code bound to a request's verification step.
type DisbursementVerification struct {
	ID               string     `json:"-"`
	RequestID        string     `json:"request_id"`
	VerificationCode string     `json:"verification_code"`
	SentAt           time.Time  `json:"sent_at"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	VerifiedBy       *string    `json:"verified_by,omitempty"`
	DelegateName     *string    `json:"delegate_name,omitempty"`
	DelegateBadge    *string    `json:"delegate_badge,omitempty"`
	DelegateEmail    *string    `json:"delegate_email,omitempty"`
	DelegatePhone    *string    `json:"delegate_phone,omitempty"`
	IsVerified       bool       `json:"is_verified"`
}

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID           string
	RequestID    string // empty for process-wide actions such as config toggles
	Action       string // initialized | approved | auto_approved | rejected | code_issued | code_redeemed | recap_calculated | auto_approval_toggled
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]interface{}
}

// ErrorLogEntry records a failed operation.
type ErrorLogEntry struct {
	ID         string
	RequestID  string
	Operation  string
	ActorID    string
	ErrorCode  string
	Message    string
	OccurredAt time.Time
}

// EscalationTimer is a durable deferred reminder check.
type EscalationTimer struct {
	RequestID      string    `json:"request_id"`
	FireAt         time.Time `json:"fire_at"`
	StepCheckpoint int       `json:"step_checkpoint"`
	ArmedAt        time.Time `json:"armed_at"`
}
