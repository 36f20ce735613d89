package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
)

var verificationCodePattern = regexp.MustCompile(`^\d{6}$`)

var codeSpace = big.NewInt(1_000_000)

// RedeemInput carries a code redemption. Delegate is set when someone other than the
// requester collects the cash.
type RedeemInput struct {
	RequestID string
	Code      string
	ActorID   string
	Delegate  *repository.Delegate
}

// IssueVerificationCode creates a one-time code for a flow waiting on its disbursement
// verification step and sends it to the requester.
func (s *ApprovalFlowService) IssueVerificationCode(
	ctx context.Context,
	requestID, issuerID string,
) (v *repository.DisbursementVerification, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalFlowService.IssueVerificationCode", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("actor_id", issuerID),
	))
	defer s.finish(ctx, span, opIssueCode, requestID, issuerID, time.Now(), &err)
	defer func() { s.metrics.Verification("issue", outcome(err)) }()

	if err := requireIDs(requestID, issuerID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(requestID)
	defer unlock()

	d, err := s.loadDecision(ctx, requestID, issuerID, 0)
	if err != nil {
		return nil, err
	}
	if d.step.Role != flow.RoleDisbursementVerification {
		return nil, errors.InvalidInput("request_id",
			fmt.Sprintf("flow is not awaiting disbursement verification (current step %s)", d.step.ID))
	}
	if err := s.authorize(d); err != nil {
		return nil, err
	}

	code, err := generateVerificationCode()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate verification code")
	}

	v = &repository.DisbursementVerification{
		ID:               uuid.NewString(),
		RequestID:        requestID,
		VerificationCode: code,
		SentAt:           s.now(),
	}
	if err := s.verifications.Create(ctx, v); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		if err := s.notifier.SendVerificationCode(ctx, requestID, d.req.RequesterID, code); err != nil {
			s.metrics.SideEffectFailure("notification")
			s.log.Warn().Err(err).Str("request_id", requestID).Msg("Failed to send verification code")
		}
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:   requestID,
		Action:      "code_issued",
		PerformedBy: d.actor.ID,
		Metadata: map[string]interface{}{
			"verification_id": v.ID,
			"step_id":         d.step.ID,
			"sent_to":         d.req.RequesterID,
		},
	})

	s.log.Info().
		Str("request_id", requestID).
		Str("issued_by", d.actor.ID).
		Msg("Disbursement verification code issued")

	return v, nil
}

// RedeemVerificationCode closes a live code and completes the verification step. A code
// works once; any later attempt fails INVALID_CODE.
func (s *ApprovalFlowService) RedeemVerificationCode(ctx context.Context, in RedeemInput) (res *TransitionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalFlowService.RedeemVerificationCode", trace.WithAttributes(
		attribute.String("request_id", in.RequestID),
		attribute.String("actor_id", in.ActorID),
	))
	defer s.finish(ctx, span, opRedeemCode, in.RequestID, in.ActorID, time.Now(), &err)
	defer func() { s.metrics.Verification("redeem", outcome(err)) }()

	if err := requireIDs(in.RequestID, in.ActorID); err != nil {
		return nil, err
	}
	code := strings.TrimSpace(in.Code)
	if !verificationCodePattern.MatchString(code) {
		return nil, errors.InvalidInput("code", "verification code must be 6 digits")
	}
	if in.Delegate != nil && strings.TrimSpace(in.Delegate.Name) == "" {
		return nil, errors.InvalidInput("delegate.name", "delegate name is required")
	}

	unlock := s.locks.lock(in.RequestID)
	defer unlock()

	// The code is checked before the flow so a spent code reports INVALID_CODE even after
	// it completed the flow.
	actor, err := s.resolveActor(ctx, in.ActorID)
	if err != nil {
		return nil, err
	}
	if !CanHandleDisbursement(actor) {
		return nil, errors.Unauthorized(fmt.Sprintf("user %s (%s) may not verify disbursements", actor.ID, actor.Role))
	}
	record, err := s.verifications.FindLive(ctx, in.RequestID, code)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.New(errors.ErrCodeInvalidCode, "invalid or already used verification code")
	}

	d, err := s.loadDecision(ctx, in.RequestID, in.ActorID, 0)
	if err != nil {
		return nil, err
	}
	if d.step.Role != flow.RoleDisbursementVerification {
		return nil, errors.InvalidInput("request_id",
			fmt.Sprintf("flow is not awaiting disbursement verification (current step %s)", d.step.ID))
	}
	if err := s.authorize(d); err != nil {
		return nil, err
	}

	now := s.now()
	approverName := flow.RequesterApproverName
	if in.Delegate != nil {
		approverName = flow.DelegateApproverPrefix + strings.TrimSpace(in.Delegate.Name)
	}
	next, err := flow.Approve(d.def, d.inst, flow.Decision{
		ActorID:   d.actor.ID,
		ActorName: approverName,
		Notes:     "Disbursement verified",
		At:        now,
	})
	if err != nil {
		return nil, err
	}

	if err := s.verifications.CompleteVerification(ctx, record.ID, d.actor.ID, now, in.Delegate, &next); err != nil {
		return nil, err
	}
	status := s.settleRequest(ctx, opRedeemCode, d, &next)

	metadata := map[string]interface{}{
		"verification_id": record.ID,
		"step_id":         d.step.ID,
		"collected_by":    approverName,
	}
	if in.Delegate != nil {
		metadata["delegate_badge"] = in.Delegate.Badge
	}
	s.appendAudit(ctx, transitionAudit(d, "code_redeemed", status, metadata))
	s.metrics.Transition(string(d.def.Type), "verified")

	msg := s.describe(d.def, d.step, next, "verified", false)
	s.notifyTransition(ctx, d, status, next.IsCompleted, msg)

	s.log.Info().
		Str("request_id", in.RequestID).
		Str("verified_by", d.actor.ID).
		Bool("delegate", in.Delegate != nil).
		Msg("Disbursement verification code redeemed")

	return &TransitionResult{Instance: &next, RequestStatus: status, Message: msg}, nil
}

// generateVerificationCode draws a uniform 6-digit code.
func generateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(errors.CodeOf(err)))
}
