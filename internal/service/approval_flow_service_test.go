package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/logger"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository/memory"
)

func TestInitializeFlowEveryType(t *testing.T) {
	tests := []struct {
		requestID string
		flowType  flow.FlowType
	}{
		{reqImprest, flow.TypeImprestRequest},
		{reqRecap, flow.TypeImprestRecap},
		{reqPetty, flow.TypePettyCash},
	}

	for _, tt := range tests {
		t.Run(string(tt.flowType), func(t *testing.T) {
			h := newHarness(t)
			inst := h.initialize(t, tt.requestID, tt.flowType)

			assert.Equal(t, 2, inst.CurrentStep)
			assert.False(t, inst.IsCompleted)
			assert.Equal(t, flow.StepApproved, inst.Steps[0].Status)
			assert.Equal(t, flow.RequesterApproverName, *inst.Steps[0].ApproverName)
			assert.Equal(t, flow.RequestPending, h.requestStatus(t, tt.requestID))
			assert.Equal(t, []string{"initialized"}, h.auditActions(tt.requestID))

			stored, err := h.svc.GetFlowByRequestID(context.Background(), tt.requestID)
			require.NoError(t, err)
			assert.Equal(t, inst.Steps, stored.Steps)
		})
	}
}

func TestInitializeFlowFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initialize(t, reqPetty, flow.TypePettyCash)

	_, err := h.svc.InitializeFlow(ctx, reqPetty, flow.TypePettyCash, "requester")
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyInitialized))

	_, err = h.svc.InitializeFlow(ctx, "req-missing", flow.TypePettyCash, "requester")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	_, err = h.svc.InitializeFlow(ctx, reqImprest, flow.TypeImprestRequest, "hod-ops")
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized), "only the requester starts a flow")
	_, err = h.svc.GetFlowByRequestID(ctx, reqImprest)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	_, err = h.svc.InitializeFlow(ctx, reqImprest, "travel", "requester")
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownFlowType))

	_, err = h.svc.InitializeFlow(ctx, reqLarge, flow.TypePettyCash, "requester")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "petty cash above the ceiling")

	// the large request may still go through the imprest flow
	_, err = h.svc.InitializeFlow(ctx, reqLarge, flow.TypeImprestRequest, "requester")
	assert.NoError(t, err)

	codes := map[string]bool{}
	for _, e := range h.audit.ErrorEntries() {
		codes[e.ErrorCode] = true
		assert.Equal(t, opInitialize, e.Operation)
	}
	assert.True(t, codes["ALREADY_INITIALIZED"])
	assert.True(t, codes["NOT_FOUND"])
	assert.True(t, codes["UNKNOWN_FLOW_TYPE"])
	assert.True(t, codes["UNAUTHORIZED"])
}

func TestPettyCashRunsToVerification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initialize(t, reqPetty, flow.TypePettyCash)

	for _, actor := range []string{"hod-ops", "admin-hr", "grc", "hof"} {
		res := h.approve(t, reqPetty, actor)
		assert.Equal(t, flow.RequestPending, res.RequestStatus)
		assert.NotEmpty(t, res.Message)
	}

	inst, err := h.svc.GetFlowByRequestID(ctx, reqPetty)
	require.NoError(t, err)
	assert.Equal(t, 6, inst.CurrentStep)

	_, err = h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqPetty, ActorID: "disburser"})
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized), "verification only completes through a code")

	issued, err := h.svc.IssueVerificationCode(ctx, reqPetty, "disburser")
	require.NoError(t, err)
	assert.Regexp(t, `^\d{6}$`, issued.VerificationCode)

	sentCodes := h.notifier.ofKind("code")
	require.Len(t, sentCodes, 1)
	assert.Equal(t, "requester", sentCodes[0].UserID)
	assert.Equal(t, issued.VerificationCode, sentCodes[0].Code)

	res, err := h.svc.RedeemVerificationCode(ctx, RedeemInput{
		RequestID: reqPetty,
		Code:      issued.VerificationCode,
		ActorID:   "disburser",
	})
	require.NoError(t, err)
	assert.True(t, res.Instance.IsCompleted)
	assert.Equal(t, flow.RequestApproved, res.RequestStatus)
	assert.Equal(t, flow.RequesterApproverName, *res.Instance.Steps[5].ApproverName)
	assert.Equal(t, flow.RequestApproved, h.requestStatus(t, reqPetty))

	assert.Equal(t,
		[]string{"initialized", "approved", "approved", "approved", "approved", "code_issued", "code_redeemed"},
		h.auditActions(reqPetty))

	_, err = h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqPetty, ActorID: "hof"})
	assert.True(t, errors.Is(err, errors.ErrCodeFlowAlreadyCompleted))
}

func TestImprestRequestCompletesAsRecapNeeded(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, reqImprest, flow.TypeImprestRequest)

	h.approve(t, reqImprest, "hod-ops")
	h.approve(t, reqImprest, "admin-hr")
	res := h.approve(t, reqImprest, "grc")

	assert.True(t, res.AutoApproved)
	assert.True(t, res.Instance.IsCompleted)
	assert.Equal(t, flow.RequestRecapNeeded, res.RequestStatus)
	assert.Equal(t, flow.RequestRecapNeeded, h.requestStatus(t, reqImprest))
	assert.Equal(t, flow.AutoApprovalApproverName, *res.Instance.Steps[4].ApproverName)

	// the requester hears about the final outcome
	var toRequester int
	for _, n := range h.notifier.ofKind("approval") {
		if n.UserID == "requester" {
			toRequester++
			assert.Equal(t, flow.RequestRecapNeeded, n.Status)
		}
	}
	assert.Equal(t, 1, toRequester)
}

func TestAutoApprovalCascadeAdvancesTwoSteps(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, reqRecap, flow.TypeImprestRecap)

	for _, actor := range []string{"hod-ops", "admin-hr", "ao"} {
		h.approve(t, reqRecap, actor)
	}

	before, err := h.svc.GetFlowByRequestID(context.Background(), reqRecap)
	require.NoError(t, err)
	require.Equal(t, 5, before.CurrentStep)

	res := h.approve(t, reqRecap, "grc")
	assert.True(t, res.AutoApproved)
	assert.Equal(t, 7, res.Instance.CurrentStep)
	assert.False(t, res.Instance.IsCompleted)
	assert.Equal(t, flow.StepApproved, res.Instance.Steps[5].Status)
	assert.Equal(t, flow.AutoApprovalApproverName, *res.Instance.Steps[5].ApproverName)

	actions := h.auditActions(reqRecap)
	assert.Equal(t, []string{"approved", "auto_approved"}, actions[len(actions)-2:])
}

func TestAutoApprovalDisabledParksUntilReenabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, _, err := h.svc.SetAutoApprovalEnabled(ctx, "admin", false)
	require.NoError(t, err)

	h.initialize(t, reqRecap, flow.TypeImprestRecap)
	for _, actor := range []string{"hod-ops", "admin-hr", "ao"} {
		h.approve(t, reqRecap, actor)
	}
	res := h.approve(t, reqRecap, "grc")
	assert.False(t, res.AutoApproved)
	assert.Equal(t, 6, res.Instance.CurrentStep)
	assert.Equal(t, flow.StepPending, res.Instance.Steps[5].Status)

	for _, actor := range []string{"hof", "admin", "grc"} {
		_, err := h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqRecap, ActorID: actor})
		assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized), actor)
	}

	inst, err := h.svc.GetFlowByRequestID(ctx, reqRecap)
	require.NoError(t, err)
	assert.Equal(t, 6, inst.CurrentStep)

	entry, resumed, err := h.svc.SetAutoApprovalEnabled(ctx, "admin", true)
	require.NoError(t, err)
	assert.True(t, entry.Value)
	assert.Equal(t, 1, resumed)

	inst, err = h.svc.GetFlowByRequestID(ctx, reqRecap)
	require.NoError(t, err)
	assert.Equal(t, 7, inst.CurrentStep)
	assert.Equal(t, flow.AutoApprovalApproverName, *inst.Steps[5].ApproverName)
	assert.Equal(t, "admin", *inst.Steps[5].ApproverID)
}

// pausingConfig blocks the first flag read after arm() until release is closed.
type pausingConfig struct {
	*memory.ConfigStore
	armed   atomic.Bool
	paused  chan struct{}
	release chan struct{}
}

func (c *pausingConfig) arm() {
	c.paused = make(chan struct{})
	c.release = make(chan struct{})
	c.armed.Store(true)
}

func (c *pausingConfig) Get(ctx context.Context, key string) (*repository.SystemConfigEntry, error) {
	entry, err := c.ConfigStore.Get(ctx, key)
	if c.armed.CompareAndSwap(true, false) {
		close(c.paused)
		<-c.release
	}
	return entry, err
}

func TestReenableDuringInFlightApproveStillAutoApproves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cfg := &pausingConfig{ConfigStore: memory.NewConfigStore()}
	h.svc.config = NewSystemConfigService(cfg, h.audit, h.metrics, logger.Nop())

	_, _, err := h.svc.SetAutoApprovalEnabled(ctx, "admin", false)
	require.NoError(t, err)

	h.initialize(t, reqImprest, flow.TypeImprestRequest)
	h.approve(t, reqImprest, "hod-ops")
	h.approve(t, reqImprest, "admin-hr")

	cfg.arm()
	type outcome struct {
		res *TransitionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqImprest, ActorID: "grc", Notes: "ok"})
		done <- outcome{res, err}
	}()

	<-cfg.paused
	_, resumed, err := h.svc.SetAutoApprovalEnabled(ctx, "admin", true)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed, "the scan runs before the approve commits")
	close(cfg.release)

	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.res.AutoApproved)
	assert.True(t, got.res.Instance.IsCompleted)
	assert.Equal(t, flow.RequestRecapNeeded, got.res.RequestStatus)

	inst, err := h.svc.GetFlowByRequestID(ctx, reqImprest)
	require.NoError(t, err)
	assert.True(t, inst.IsCompleted)
	assert.Equal(t, flow.StepApproved, inst.Steps[4].Status)
	assert.Equal(t, flow.AutoApprovalApproverName, *inst.Steps[4].ApproverName)
	assert.Equal(t, flow.RequestRecapNeeded, h.requestStatus(t, reqImprest))
}

func TestSetAutoApprovalRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, _, err := h.svc.SetAutoApprovalEnabled(ctx, "hof", false)
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	entry, err := h.svc.GetAutoApprovalEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, entry.Value, "absent flag defaults to enabled")

	_, _, err = h.svc.SetAutoApprovalEnabled(ctx, "admin", false)
	require.NoError(t, err)

	entry, err = h.svc.GetAutoApprovalEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, entry.Value)
	assert.Equal(t, "admin", entry.UpdatedBy)

	var toggles int
	for _, e := range h.audit.AuditEntries() {
		if e.Action == "auto_approval_toggled" {
			toggles++
			assert.Equal(t, "enabled", *e.StatusBefore)
			assert.Equal(t, "disabled", *e.StatusAfter)
		}
	}
	assert.Equal(t, 1, toggles)
}

func TestRejectAtAnyPositionIsTerminal(t *testing.T) {
	approvers := []string{"hod-ops", "admin-hr", "grc", "hof", "disburser"}

	for position := 2; position <= 6; position++ {
		h := newHarness(t)
		ctx := context.Background()
		h.initialize(t, reqPetty, flow.TypePettyCash)
		for i := 0; i < position-2; i++ {
			h.approve(t, reqPetty, approvers[i])
		}

		res, err := h.svc.RejectStep(ctx, RejectInput{
			RequestID: reqPetty,
			ActorID:   approvers[position-2],
			Notes:     "receipts missing",
		})
		require.NoError(t, err, "position %d", position)

		assert.True(t, res.Instance.IsCompleted)
		assert.Equal(t, flow.RequestRejected, res.RequestStatus)
		assert.Equal(t, flow.StepRejected, res.Instance.Steps[position-1].Status)
		for _, s := range res.Instance.Steps[position:] {
			assert.Equal(t, flow.StepPending, s.Status)
		}
		assert.Equal(t, flow.RequestRejected, h.requestStatus(t, reqPetty))

		_, err = h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqPetty, ActorID: "hof"})
		assert.True(t, errors.Is(err, errors.ErrCodeFlowAlreadyCompleted))
	}
}

func TestRejectRequiresNotes(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, reqPetty, flow.TypePettyCash)

	_, err := h.svc.RejectStep(context.Background(), RejectInput{RequestID: reqPetty, ActorID: "hod-ops", Notes: " "})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	inst, err := h.svc.GetFlowByRequestID(context.Background(), reqPetty)
	require.NoError(t, err)
	assert.False(t, inst.IsCompleted)
}

func TestHeadOfDepartmentMustMatchDepartment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initialize(t, reqPetty, flow.TypePettyCash)

	_, err := h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqPetty, ActorID: "hod-fin"})
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))

	errs := h.audit.ErrorEntries()
	require.NotEmpty(t, errs)
	last := errs[len(errs)-1]
	assert.Equal(t, "UNAUTHORIZED", last.ErrorCode)
	assert.Equal(t, opApprove, last.Operation)
	assert.Equal(t, "hod-fin", last.ActorID)

	// department comparison ignores case
	res := h.approve(t, reqPetty, "hod-ops")
	assert.Equal(t, 3, res.Instance.CurrentStep)
}

func TestApproveUnknownFlowAndActor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqPetty, ActorID: "hod-ops"})
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	h.initialize(t, reqPetty, flow.TypePettyCash)
	_, err = h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqPetty, ActorID: "ghost"})
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	_, err = h.svc.GetFlowByRequestID(ctx, "req-none")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestExpectedStepGuardsStaleDecisions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initialize(t, reqPetty, flow.TypePettyCash)

	_, err := h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqPetty, ActorID: "hod-ops", ExpectedStep: 2})
	require.NoError(t, err)

	_, err = h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqPetty, ActorID: "admin-hr", ExpectedStep: 2})
	assert.True(t, errors.Is(err, errors.ErrCodeStepAlreadyDecided))
}

func TestConcurrentApproveOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initialize(t, reqPetty, flow.TypePettyCash)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_, err := h.svc.ApproveStep(ctx, ApproveInput{RequestID: reqPetty, ActorID: "hod-ops", ExpectedStep: 2})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, failures, callers-1)
	for _, err := range failures {
		assert.True(t, errors.Is(err, errors.ErrCodeStepAlreadyDecided), err.Error())
	}

	inst, err := h.svc.GetFlowByRequestID(ctx, reqPetty)
	require.NoError(t, err)
	assert.Equal(t, 3, inst.CurrentStep)
	assert.Equal(t, flow.StepPending, inst.Steps[2].Status)
	assert.Zero(t, h.svc.locks.size())
}

func TestSideEffectFailuresDoNotFailTransitions(t *testing.T) {
	h := newHarness(t)
	h.initialize(t, reqPetty, flow.TypePettyCash)

	h.audit.FailAppends = true
	h.notifier.fail = true

	res, err := h.svc.ApproveStep(context.Background(), ApproveInput{RequestID: reqPetty, ActorID: "hod-ops"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Instance.CurrentStep)

	_, err = h.svc.ApproveStep(context.Background(), ApproveInput{RequestID: reqPetty, ActorID: "grc"})
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized), "the original error survives a failed error log")
}
