package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
)

// ReconcileInput carries the amounts of a recap, in minor currency units.
type ReconcileInput struct {
	RequestID      string
	ActorID        string
	RecapAmount    int64
	OriginalAmount int64
}

// RecapResult is the calculation together with the completed flow.
type RecapResult struct {
	flow.Reconciliation
	Instance      *flow.Instance
	RequestStatus flow.RequestStatus
	Message       string
}

// ReconcileRecap computes the refund or reimbursement of an Imprest Recap and completes its
// calculation step on behalf of the calculation system.
func (s *ApprovalFlowService) ReconcileRecap(ctx context.Context, in ReconcileInput) (res *RecapResult, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalFlowService.ReconcileRecap", trace.WithAttributes(
		attribute.String("request_id", in.RequestID),
		attribute.String("actor_id", in.ActorID),
	))
	defer s.finish(ctx, span, opReconcile, in.RequestID, in.ActorID, time.Now(), &err)

	if err := requireIDs(in.RequestID, in.ActorID); err != nil {
		return nil, err
	}
	if in.RecapAmount < 0 {
		return nil, errors.InvalidInput("recap_amount", "recap amount must not be negative")
	}
	if in.OriginalAmount < 0 {
		return nil, errors.InvalidInput("original_amount", "original amount must not be negative")
	}

	unlock := s.locks.lock(in.RequestID)
	defer unlock()

	d, err := s.loadDecision(ctx, in.RequestID, in.ActorID, 0)
	if err != nil {
		return nil, err
	}
	if d.def.Type != flow.TypeImprestRecap {
		return nil, errors.InvalidInput("request_id",
			fmt.Sprintf("request runs a %s flow, not an imprest recap", d.def.Type))
	}
	if d.step.Role != flow.RoleAutoCalculation {
		return nil, errors.InvalidInput("request_id",
			fmt.Sprintf("recap is not ready for calculation (current step %s)", d.step.ID))
	}
	if !CanTriggerRecapCalculation(d.actor) {
		return nil, errors.Unauthorized(fmt.Sprintf("user %s (%s) may not run the recap calculation", d.actor.ID, d.actor.Role))
	}

	result := flow.Reconcile(in.RecapAmount, in.OriginalAmount)

	next, err := flow.Approve(d.def, d.inst, flow.Decision{
		ActorID:   d.actor.ID,
		ActorName: flow.AutoCalculationApproverName,
		Notes:     fmt.Sprintf("%s of %d", result.Type, abs(result.NetAmount)),
		At:        s.now(),
	})
	if err != nil {
		return nil, err
	}

	status, err := s.commit(ctx, opReconcile, d, &next)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, transitionAudit(d, "recap_calculated", status, map[string]interface{}{
		"step_id":         d.step.ID,
		"recap_amount":    in.RecapAmount,
		"original_amount": in.OriginalAmount,
		"net_amount":      result.NetAmount,
		"type":            string(result.Type),
	}))
	s.metrics.Transition(string(d.def.Type), "recap_calculated")

	msg := s.describe(d.def, d.step, next, "calculated", false)
	s.notifyTransition(ctx, d, status, next.IsCompleted, msg)

	s.log.Info().
		Str("request_id", in.RequestID).
		Int64("net_amount", result.NetAmount).
		Str("type", string(result.Type)).
		Msg("Recap reconciled")

	return &RecapResult{Reconciliation: result, Instance: &next, RequestStatus: status, Message: msg}, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
