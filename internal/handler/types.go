package handler

import (
	"time"

	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
	"github.com/pesio-ai/be-disbursement-flows/internal/service"
)

// Request payloads shared by the HTTP and gRPC surfaces.

type InitializeFlowRequest struct {
	RequestID string `json:"request_id"`
	FlowType  string `json:"flow_type"`
	// RequesterID is optional and must name the calling user when set.
	RequesterID string `json:"requester_id"`
}

type DecisionRequest struct {
	RequestID    string `json:"request_id,omitempty"`
	Notes        string `json:"notes"`
	ExpectedStep int    `json:"expected_step,omitempty"`
}

type RedeemCodeRequest struct {
	RequestID string               `json:"request_id,omitempty"`
	Code      string               `json:"code"`
	Delegate  *repository.Delegate `json:"delegate,omitempty"`
}

type ReconcileRequest struct {
	RequestID      string `json:"request_id,omitempty"`
	RecapAmount    int64  `json:"recap_amount"`
	OriginalAmount int64  `json:"original_amount"`
}

type AutoApprovalRequest struct {
	Enabled *bool `json:"enabled"`
}

type RequestIDRequest struct {
	RequestID string `json:"request_id"`
}

// Responses.

type TransitionResponse struct {
	Flow          *flow.Instance     `json:"flow"`
	RequestStatus flow.RequestStatus `json:"request_status,omitempty"`
	AutoApproved  bool               `json:"auto_approved"`
	Message       string             `json:"message"`
}

func toTransitionResponse(res *service.TransitionResult) *TransitionResponse {
	return &TransitionResponse{
		Flow:          res.Instance,
		RequestStatus: res.RequestStatus,
		AutoApproved:  res.AutoApproved,
		Message:       res.Message,
	}
}

type RecapResponse struct {
	NetAmount     int64                   `json:"net_amount"`
	Type          flow.ReconciliationType `json:"type"`
	Flow          *flow.Instance          `json:"flow,omitempty"`
	RequestStatus flow.RequestStatus      `json:"request_status,omitempty"`
	Message       string                  `json:"message,omitempty"`
}

func toRecapResponse(res *service.RecapResult) *RecapResponse {
	return &RecapResponse{
		NetAmount:     res.NetAmount,
		Type:          res.Type,
		Flow:          res.Instance,
		RequestStatus: res.RequestStatus,
		Message:       res.Message,
	}
}

// CodeIssuedResponse never carries the code; it goes to the requester only.
type CodeIssuedResponse struct {
	VerificationID string    `json:"verification_id"`
	RequestID      string    `json:"request_id"`
	SentAt         time.Time `json:"sent_at"`
}

type AuditEntryResponse struct {
	ID           string                 `json:"id"`
	RequestID    string                 `json:"request_id,omitempty"`
	Action       string                 `json:"action"`
	PerformedBy  string                 `json:"performed_by"`
	PerformedAt  time.Time              `json:"performed_at"`
	StatusBefore *string                `json:"status_before,omitempty"`
	StatusAfter  *string                `json:"status_after,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type AuditTrailResponse struct {
	RequestID string                `json:"request_id"`
	Entries   []*AuditEntryResponse `json:"entries"`
}

func toAuditTrail(requestID string, entries []*repository.AuditEntry) *AuditTrailResponse {
	out := &AuditTrailResponse{RequestID: requestID, Entries: make([]*AuditEntryResponse, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, &AuditEntryResponse{
			ID:           e.ID,
			RequestID:    e.RequestID,
			Action:       e.Action,
			PerformedBy:  e.PerformedBy,
			PerformedAt:  e.PerformedAt,
			StatusBefore: e.StatusBefore,
			StatusAfter:  e.StatusAfter,
			Metadata:     e.Metadata,
		})
	}
	return out
}

type AutoApprovalResponse struct {
	Key         string     `json:"key"`
	Enabled     bool       `json:"enabled"`
	Description string     `json:"description,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	UpdatedBy   string     `json:"updated_by,omitempty"`
	Resumed     int        `json:"resumed_flows,omitempty"`
}

func toAutoApproval(e *repository.SystemConfigEntry, resumed int) *AutoApprovalResponse {
	out := &AutoApprovalResponse{
		Key:         e.Key,
		Enabled:     e.Value,
		Description: e.Description,
		UpdatedBy:   e.UpdatedBy,
		Resumed:     resumed,
	}
	if !e.UpdatedAt.IsZero() {
		t := e.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
