package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/logger"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/metrics"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
	"github.com/pesio-ai/be-disbursement-flows/internal/tracing"
)

// Operation names used in metrics, spans and the error log.
const (
	opInitialize   = "initialize_flow"
	opApprove      = "approve_step"
	opReject       = "reject_step"
	opIssueCode    = "issue_verification_code"
	opRedeemCode   = "redeem_verification_code"
	opReconcile    = "reconcile_recap"
	opSetAutoApp   = "set_auto_approval"
	opResumeAuto   = "resume_auto_approvals"
	autoApproveMsg = "Automatically approved"
)

// Dependencies are the collaborators of ApprovalFlowService. Escalation and Metrics may
// be nil.
type Dependencies struct {
	Registry      *flow.Registry
	Flows         FlowRepository
	Requests      RequestLookup
	Users         UserDirectory
	Audit         AuditRepository
	Verifications VerificationRepository
	Notifier      Notifier
	Config        *SystemConfigService
	Escalation    *EscalationService
	Metrics       *metrics.Metrics
}

// Options tune engine behaviour.
type Options struct {
	// PettyCashCeiling is the largest petty cash amount in minor units; 0 disables the check.
	PettyCashCeiling int64
	// Now overrides the clock.
	Now func() time.Time
}

// ApprovalFlowService drives flow instances through their definitions. Every mutation of
// an instance runs under the per-request lock, and the audit entries and notifications of
// a transition are emitted before the lock is released.
type ApprovalFlowService struct {
	registry      *flow.Registry
	flows         FlowRepository
	requests      RequestLookup
	users         UserDirectory
	audit         AuditRepository
	verifications VerificationRepository
	notifier      Notifier
	config        *SystemConfigService
	escalation    *EscalationService
	metrics       *metrics.Metrics
	locks         *requestLocks
	opts          Options
	now           func() time.Time
	tracer        trace.Tracer
	log           *logger.Logger
}

// NewApprovalFlowService creates a new ApprovalFlowService.
func NewApprovalFlowService(deps Dependencies, opts Options, log *logger.Logger) *ApprovalFlowService {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	registry := deps.Registry
	if registry == nil {
		registry = flow.DefaultRegistry()
	}
	return &ApprovalFlowService{
		registry:      registry,
		flows:         deps.Flows,
		requests:      deps.Requests,
		users:         deps.Users,
		audit:         deps.Audit,
		verifications: deps.Verifications,
		notifier:      deps.Notifier,
		config:        deps.Config,
		escalation:    deps.Escalation,
		metrics:       deps.Metrics,
		locks:         newRequestLocks(),
		opts:          opts,
		now:           now,
		tracer:        tracing.Tracer(),
		log:           log,
	}
}

// TransitionResult is the outcome of a successful step transition.
type TransitionResult struct {
	Instance      *flow.Instance
	RequestStatus flow.RequestStatus
	AutoApproved  bool
	Message       string
}

// ApproveInput carries an approval. ExpectedStep, when non-zero, must equal the flow's
// current step; a stale value fails STEP_ALREADY_DECIDED instead of deciding a later step.
type ApproveInput struct {
	RequestID    string
	ActorID      string
	Notes        string
	ExpectedStep int
}

// RejectInput carries a rejection. Notes are required.
type RejectInput struct {
	RequestID    string
	ActorID      string
	Notes        string
	ExpectedStep int
}

// ── Initialize ────────────────────────────────────────────────────────────────

// InitializeFlow enters a request into its flow with step 1 approved for the requester.
// Only the user who raised the request may start its flow.
func (s *ApprovalFlowService) InitializeFlow(
	ctx context.Context,
	requestID string,
	flowType flow.FlowType,
	requesterID string,
) (inst *flow.Instance, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalFlowService.InitializeFlow", trace.WithAttributes(
		attribute.String("request_id", requestID),
		attribute.String("flow_type", string(flowType)),
	))
	defer s.finish(ctx, span, opInitialize, requestID, requesterID, time.Now(), &err)

	if strings.TrimSpace(requestID) == "" {
		return nil, errors.InvalidInput("request_id", "request id is required")
	}
	if strings.TrimSpace(requesterID) == "" {
		return nil, errors.InvalidInput("requester_id", "requester id is required")
	}
	def, err := s.registry.Definition(flowType)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(requestID)
	defer unlock()

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != requesterID {
		return nil, errors.Unauthorized(fmt.Sprintf("user %s did not raise request %s", requesterID, requestID))
	}
	if flowType == flow.TypePettyCash && s.opts.PettyCashCeiling > 0 && req.Amount > s.opts.PettyCashCeiling {
		return nil, errors.InvalidInput("amount",
			fmt.Sprintf("petty cash amount %d exceeds the ceiling of %d", req.Amount, s.opts.PettyCashCeiling))
	}

	existing, err := s.flows.GetLatestByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.IsCompleted {
		return nil, errors.New(errors.ErrCodeAlreadyInitialized,
			fmt.Sprintf("approval flow already initialized for request %s", requestID))
	}

	created := flow.NewInstance(def, requestID, requesterID, s.now())
	if err := s.flows.Create(ctx, &created); err != nil {
		return nil, err
	}

	status := flow.RequestPending
	if created.IsCompleted {
		status = def.CompletionStatus
	}
	s.setRequestStatus(ctx, opInitialize, requestID, requesterID, status)

	after := string(status)
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    requestID,
		Action:       "initialized",
		PerformedBy:  requesterID,
		StatusBefore: optionalStatus(req.Status),
		StatusAfter:  &after,
		Metadata: map[string]interface{}{
			"flow_type":    string(def.Type),
			"current_step": created.CurrentStep,
		},
	})
	s.metrics.Transition(string(def.Type), "initialized")

	s.log.Info().
		Str("request_id", requestID).
		Str("flow_type", string(def.Type)).
		Int("total_steps", len(def.Steps)).
		Msg("Approval flow initialized")

	return &created, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// ApproveStep approves the current step. When the next step is the finance_auto step and
// auto-approval is enabled, that step is approved in the same call.
func (s *ApprovalFlowService) ApproveStep(ctx context.Context, in ApproveInput) (res *TransitionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalFlowService.ApproveStep", trace.WithAttributes(
		attribute.String("request_id", in.RequestID),
		attribute.String("actor_id", in.ActorID),
	))
	defer s.finish(ctx, span, opApprove, in.RequestID, in.ActorID, time.Now(), &err)

	if err := requireIDs(in.RequestID, in.ActorID); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(in.RequestID)
	defer unlock()

	d, err := s.loadDecision(ctx, in.RequestID, in.ActorID, in.ExpectedStep)
	if err != nil {
		return nil, err
	}
	switch d.step.Role {
	case flow.RoleDisbursementVerification:
		return nil, errors.Unauthorized("disbursement verification is completed by redeeming a verification code")
	case flow.RoleAutoCalculation:
		return nil, errors.Unauthorized("the calculation step is completed by recap reconciliation")
	case flow.RoleFinanceAuto:
		return nil, errors.Unauthorized("the finance step is approved by the auto-approval gate")
	}
	if err := s.authorize(d); err != nil {
		return nil, err
	}

	now := s.now()
	next, err := flow.Approve(d.def, d.inst, flow.Decision{
		ActorID:   d.actor.ID,
		ActorName: d.actor.Name,
		Notes:     in.Notes,
		At:        now,
	})
	if err != nil {
		return nil, err
	}

	autoApproved := false
	if parkedOnFinanceAuto(d.def, next) && s.autoApprovalEnabled(ctx) {
		next, err = s.autoApprove(d, next, now)
		if err != nil {
			return nil, err
		}
		autoApproved = true
	}

	status, err := s.commit(ctx, opApprove, d, &next)
	if err != nil {
		return nil, err
	}

	// A resume scan that ran while this decision was in flight saw the step before the
	// commit, so the flag is read again now that the flow is parked.
	if !autoApproved && parkedOnFinanceAuto(d.def, next) && s.autoApprovalEnabled(ctx) {
		cascaded, err := s.autoApprove(d, next, s.now())
		if err == nil {
			status, err = s.commit(ctx, opApprove, d, &cascaded)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("request_id", in.RequestID).Msg("Failed to auto-approve finance step after flag change")
		} else {
			next = cascaded
			autoApproved = true
		}
	}

	if d.def.Type == flow.TypeImprestRecap && d.step.Role == flow.RoleAccountsOfficer && s.escalation != nil {
		if err := s.escalation.Arm(ctx, in.RequestID, next.CurrentStep); err != nil {
			s.log.Warn().Err(err).Str("request_id", in.RequestID).Msg("Failed to arm escalation timer")
		}
	}

	s.appendAudit(ctx, transitionAudit(d, "approved", status, map[string]interface{}{
		"step_id":    d.step.ID,
		"step_order": d.step.Order,
		"notes":      in.Notes,
	}))
	s.metrics.Transition(string(d.def.Type), "approved")
	if autoApproved {
		autoStep, _ := d.def.StepWithRole(flow.RoleFinanceAuto)
		s.appendAudit(ctx, transitionAudit(d, "auto_approved", status, map[string]interface{}{
			"step_id":    autoStep.ID,
			"step_order": autoStep.Order,
		}))
		s.metrics.Transition(string(d.def.Type), "auto_approved")
	}

	msg := s.describe(d.def, d.step, next, "approved", autoApproved)
	s.notifyTransition(ctx, d, status, next.IsCompleted, msg)

	s.log.Info().
		Str("request_id", in.RequestID).
		Str("step_id", d.step.ID).
		Str("actor_id", d.actor.ID).
		Bool("auto_approved", autoApproved).
		Bool("completed", next.IsCompleted).
		Msg("Approval step approved")

	return &TransitionResult{Instance: &next, RequestStatus: status, AutoApproved: autoApproved, Message: msg}, nil
}

// parkedOnFinanceAuto reports whether inst waits on its finance_auto step.
func parkedOnFinanceAuto(def flow.Definition, inst flow.Instance) bool {
	step, ok := def.StepAt(inst.CurrentStep)
	return ok && !inst.IsCompleted && step.Role == flow.RoleFinanceAuto
}

func (s *ApprovalFlowService) autoApprove(d *decisionState, inst flow.Instance, at time.Time) (flow.Instance, error) {
	return flow.Approve(d.def, inst, flow.Decision{
		ActorID:   d.actor.ID,
		ActorName: flow.AutoApprovalApproverName,
		Notes:     autoApproveMsg,
		At:        at,
	})
}

// ── Reject ────────────────────────────────────────────────────────────────────

// RejectStep rejects the current step and ends the flow.
func (s *ApprovalFlowService) RejectStep(ctx context.Context, in RejectInput) (res *TransitionResult, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalFlowService.RejectStep", trace.WithAttributes(
		attribute.String("request_id", in.RequestID),
		attribute.String("actor_id", in.ActorID),
	))
	defer s.finish(ctx, span, opReject, in.RequestID, in.ActorID, time.Now(), &err)

	if err := requireIDs(in.RequestID, in.ActorID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Notes) == "" {
		return nil, errors.InvalidInput("notes", "rejection notes are required")
	}

	unlock := s.locks.lock(in.RequestID)
	defer unlock()

	d, err := s.loadDecision(ctx, in.RequestID, in.ActorID, in.ExpectedStep)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(d); err != nil {
		return nil, err
	}

	next, err := flow.Reject(d.def, d.inst, flow.Decision{
		ActorID:   d.actor.ID,
		ActorName: d.actor.Name,
		Notes:     in.Notes,
		At:        s.now(),
	})
	if err != nil {
		return nil, err
	}

	status, err := s.commit(ctx, opReject, d, &next)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, transitionAudit(d, "rejected", status, map[string]interface{}{
		"step_id":    d.step.ID,
		"step_order": d.step.Order,
		"reason":     in.Notes,
	}))
	s.metrics.Transition(string(d.def.Type), "rejected")

	msg := s.describe(d.def, d.step, next, "rejected", false)
	s.notifyTransition(ctx, d, status, true, msg)

	s.log.Info().
		Str("request_id", in.RequestID).
		Str("step_id", d.step.ID).
		Str("actor_id", d.actor.ID).
		Msg("Approval step rejected")

	return &TransitionResult{Instance: &next, RequestStatus: status, Message: msg}, nil
}

// ── Auto-approval flag ────────────────────────────────────────────────────────

// SetAutoApprovalEnabled toggles the auto-approval flag on behalf of an Admin. Turning it
// on releases every live flow parked on its finance_auto step; the count is returned.
func (s *ApprovalFlowService) SetAutoApprovalEnabled(
	ctx context.Context,
	actorID string,
	enabled bool,
) (entry *repository.SystemConfigEntry, resumed int, err error) {
	ctx, span := s.tracer.Start(ctx, "ApprovalFlowService.SetAutoApprovalEnabled", trace.WithAttributes(
		attribute.String("actor_id", actorID),
		attribute.Bool("enabled", enabled),
	))
	defer s.finish(ctx, span, opSetAutoApp, "", actorID, time.Now(), &err)

	if strings.TrimSpace(actorID) == "" {
		return nil, 0, errors.InvalidInput("actor_id", "actor id is required")
	}
	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, 0, err
	}

	entry, err = s.config.SetAutoApprovalEnabled(ctx, actor, enabled)
	if err != nil {
		return nil, 0, err
	}
	if enabled {
		resumed = s.ResumeAutoApprovals(ctx, actor)
	}
	return entry, resumed, nil
}

// GetAutoApprovalEnabled returns the current flag entry.
func (s *ApprovalFlowService) GetAutoApprovalEnabled(ctx context.Context) (*repository.SystemConfigEntry, error) {
	return s.config.AutoApprovalEntry(ctx)
}

// ResumeAutoApprovals approves the pending finance_auto step of every live flow parked on
// it. Failures are logged per flow and do not stop the scan.
func (s *ApprovalFlowService) ResumeAutoApprovals(ctx context.Context, actor Actor) int {
	active, err := s.flows.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list active flows for auto-approval resume")
		return 0
	}

	resumed := 0
	for _, inst := range active {
		def, err := s.registry.Definition(inst.FlowType)
		if err != nil {
			continue
		}
		if step, ok := def.StepAt(inst.CurrentStep); !ok || step.Role != flow.RoleFinanceAuto {
			continue
		}
		ok, err := s.resumeOne(ctx, inst.RequestID, actor)
		if err != nil {
			s.recordError(ctx, opResumeAuto, inst.RequestID, actor.ID, err)
			continue
		}
		if ok {
			resumed++
		}
	}

	if resumed > 0 {
		s.log.Info().Int("resumed", resumed).Str("actor_id", actor.ID).Msg("Resumed parked auto-approvals")
	}
	return resumed
}

func (s *ApprovalFlowService) resumeOne(ctx context.Context, requestID string, actor Actor) (bool, error) {
	unlock := s.locks.lock(requestID)
	defer unlock()

	d, err := s.loadState(ctx, requestID)
	if err != nil {
		return false, err
	}
	step, err := flow.CurrentStep(d.def, d.inst)
	if err != nil || step.Role != flow.RoleFinanceAuto {
		// moved on since the scan
		return false, nil
	}
	d.step = step
	d.actor = actor

	next, err := flow.Approve(d.def, d.inst, flow.Decision{
		ActorID:   actor.ID,
		ActorName: flow.AutoApprovalApproverName,
		Notes:     autoApproveMsg,
		At:        s.now(),
	})
	if err != nil {
		return false, err
	}

	status, err := s.commit(ctx, opResumeAuto, d, &next)
	if err != nil {
		return false, err
	}

	s.appendAudit(ctx, transitionAudit(d, "auto_approved", status, map[string]interface{}{
		"step_id":    step.ID,
		"step_order": step.Order,
		"resumed":    true,
	}))
	s.metrics.Transition(string(d.def.Type), "auto_approved")
	s.notify(ctx, requestID, d.req.RequesterID, status, s.describe(d.def, step, next, "approved", true))
	return true, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetFlowByRequestID returns the live flow of a request, or its latest finished one.
func (s *ApprovalFlowService) GetFlowByRequestID(ctx context.Context, requestID string) (*flow.Instance, error) {
	inst, err := s.flows.GetLatestByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, errors.NotFound("approval_flow", requestID)
	}
	return inst, nil
}

// GetDefinition returns the definition a flow type runs.
func (s *ApprovalFlowService) GetDefinition(flowType flow.FlowType) (flow.Definition, error) {
	return s.registry.Definition(flowType)
}

// GetAuditTrail returns the audit entries of a request, oldest first.
func (s *ApprovalFlowService) GetAuditTrail(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	return s.audit.ListByRequestID(ctx, requestID)
}

// ── Decision loading ──────────────────────────────────────────────────────────

// decisionState is everything a transition needs, loaded under the request lock.
type decisionState struct {
	def   flow.Definition
	inst  flow.Instance
	req   *repository.Request
	step  flow.Step
	actor Actor
}

// loadState reads the live instance, its definition and the request.
func (s *ApprovalFlowService) loadState(ctx context.Context, requestID string) (*decisionState, error) {
	inst, err := s.flows.GetLatestByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, errors.NotFound("approval_flow", requestID)
	}
	if inst.IsCompleted {
		return nil, errors.New(errors.ErrCodeFlowAlreadyCompleted,
			fmt.Sprintf("approval flow for request %s is already completed", requestID))
	}
	def, err := s.registry.Definition(inst.FlowType)
	if err != nil {
		return nil, err
	}
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &decisionState{def: def, inst: *inst, req: req}, nil
}

// loadDecision extends loadState with the pending current step and the resolved actor.
func (s *ApprovalFlowService) loadDecision(ctx context.Context, requestID, actorID string, expectedStep int) (*decisionState, error) {
	d, err := s.loadState(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if expectedStep != 0 && expectedStep != d.inst.CurrentStep {
		return nil, errors.New(errors.ErrCodeStepAlreadyDecided,
			fmt.Sprintf("step %d is no longer current (flow is on step %d)", expectedStep, d.inst.CurrentStep))
	}
	d.step, err = flow.CurrentStep(d.def, d.inst)
	if err != nil {
		return nil, err
	}
	d.actor, err = s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *ApprovalFlowService) authorize(d *decisionState) error {
	if CanActorDecideStep(d.def, d.inst, d.actor, d.req.Department) {
		return nil
	}
	return errors.Unauthorized(fmt.Sprintf("user %s (%s) may not decide step %s", d.actor.ID, d.actor.Role, d.step.ID))
}

func (s *ApprovalFlowService) resolveActor(ctx context.Context, actorID string) (Actor, error) {
	u, err := s.users.GetByID(ctx, actorID)
	if err != nil {
		return Actor{}, err
	}
	return Actor{ID: u.ID, Name: u.Name, Role: u.Role, Department: u.Department}, nil
}

// autoApprovalEnabled reads the flag; a read failure counts as disabled so the step parks.
func (s *ApprovalFlowService) autoApprovalEnabled(ctx context.Context) bool {
	if s.config == nil {
		return false
	}
	enabled, err := s.config.AutoApprovalEnabled(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read auto-approval flag; leaving finance step pending")
		return false
	}
	return enabled
}

// ── Commit and side effects ───────────────────────────────────────────────────

// commit persists next and moves the request to the status the transition implies.
func (s *ApprovalFlowService) commit(ctx context.Context, op string, d *decisionState, next *flow.Instance) (flow.RequestStatus, error) {
	if err := s.flows.Update(ctx, next); err != nil {
		return "", err
	}
	return s.settleRequest(ctx, op, d, next), nil
}

// settleRequest moves the request to the status a persisted transition implies.
func (s *ApprovalFlowService) settleRequest(ctx context.Context, op string, d *decisionState, next *flow.Instance) flow.RequestStatus {
	status := flow.RequestPending
	switch {
	case next.Rejected():
		status = flow.RequestRejected
	case next.IsCompleted:
		status = d.def.CompletionStatus
	}
	if status != d.req.Status {
		s.setRequestStatus(ctx, op, d.inst.RequestID, d.actor.ID, status)
	}
	return status
}

// setRequestStatus patches the request. The flow instance is already persisted, so a
// failure is recorded rather than returned.
func (s *ApprovalFlowService) setRequestStatus(ctx context.Context, op, requestID, actorID string, status flow.RequestStatus) {
	if err := s.requests.UpdateStatus(ctx, requestID, status); err != nil {
		s.metrics.SideEffectFailure("request_status")
		s.recordError(ctx, op, requestID, actorID, err)
	}
}

func (s *ApprovalFlowService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = s.now()
	}
	if err := s.audit.AppendAudit(ctx, entry); err != nil {
		s.metrics.SideEffectFailure("audit")
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func (s *ApprovalFlowService) notify(ctx context.Context, requestID, userID string, status flow.RequestStatus, message string) {
	if s.notifier == nil || userID == "" {
		return
	}
	if err := s.notifier.SendApprovalNotification(ctx, requestID, userID, status, message); err != nil {
		s.metrics.SideEffectFailure("notification")
		s.log.Warn().Err(err).
			Str("request_id", requestID).
			Str("user_id", userID).
			Msg("Failed to send approval notification")
	}
}

// notifyTransition tells the actor what happened, and the requester as well once the
// request reached a final status.
func (s *ApprovalFlowService) notifyTransition(ctx context.Context, d *decisionState, status flow.RequestStatus, final bool, message string) {
	s.notify(ctx, d.inst.RequestID, d.actor.ID, status, message)
	if final && d.req.RequesterID != d.actor.ID {
		s.notify(ctx, d.inst.RequestID, d.req.RequesterID, status, message)
	}
}

// recordError writes a failed operation to the error log. The write never fails the
// caller.
func (s *ApprovalFlowService) recordError(ctx context.Context, op, requestID, actorID string, err error) {
	code := errors.CodeOf(err)
	s.metrics.OperationError(op, string(code))
	s.log.Warn().Err(err).
		Str("operation", op).
		Str("request_id", requestID).
		Str("actor_id", actorID).
		Str("code", string(code)).
		Msg("Approval flow operation failed")

	entry := &repository.ErrorLogEntry{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		Operation:  op,
		ActorID:    actorID,
		ErrorCode:  string(code),
		Message:    err.Error(),
		OccurredAt: s.now(),
	}
	if werr := s.audit.AppendError(context.WithoutCancel(ctx), entry); werr != nil {
		s.metrics.SideEffectFailure("error_log")
		s.log.Warn().Err(werr).Str("operation", op).Msg("Failed to write error log entry")
	}
}

// finish closes the span and, on failure, records the error.
func (s *ApprovalFlowService) finish(ctx context.Context, span trace.Span, op, requestID, actorID string, start time.Time, errp *error) {
	err := *errp
	s.metrics.ObserveOperation(op, start)
	tracing.End(span, err)
	if err != nil {
		s.recordError(ctx, op, requestID, actorID, err)
	}
}

// describe builds the human-readable outcome of a transition.
func (s *ApprovalFlowService) describe(def flow.Definition, decided flow.Step, next flow.Instance, verb string, autoApproved bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s step %q %s", def.Name, stepLabel(decided), verb)
	if autoApproved {
		b.WriteString("; finance approval granted automatically")
	}
	switch {
	case next.Rejected():
		b.WriteString("; request rejected")
	case next.IsCompleted:
		fmt.Fprintf(&b, "; flow completed, request %s", def.CompletionStatus)
	default:
		if step, ok := def.StepAt(next.CurrentStep); ok {
			fmt.Fprintf(&b, "; awaiting %q", stepLabel(step))
		}
	}
	return b.String()
}

func stepLabel(step flow.Step) string {
	if step.Name != "" {
		return step.Name
	}
	return step.ID
}

func transitionAudit(d *decisionState, action string, status flow.RequestStatus, metadata map[string]interface{}) *repository.AuditEntry {
	after := string(status)
	metadata["flow_type"] = string(d.def.Type)
	return &repository.AuditEntry{
		RequestID:    d.inst.RequestID,
		Action:       action,
		PerformedBy:  d.actor.ID,
		StatusBefore: optionalStatus(d.req.Status),
		StatusAfter:  &after,
		Metadata:     metadata,
	}
}

func optionalStatus(status flow.RequestStatus) *string {
	if status == "" {
		return nil
	}
	v := string(status)
	return &v
}

func requireIDs(requestID, actorID string) error {
	if strings.TrimSpace(requestID) == "" {
		return errors.InvalidInput("request_id", "request id is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return errors.InvalidInput("actor_id", "actor id is required")
	}
	return nil
}
