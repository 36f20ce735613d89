package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
)

func pettyCashAtVerification(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.initialize(t, reqPetty, flow.TypePettyCash)
	for _, actor := range []string{"hod-ops", "admin-hr", "grc", "hof"} {
		h.approve(t, reqPetty, actor)
	}
	return h
}

func TestVerificationCodeRedeemsOnce(t *testing.T) {
	ctx := context.Background()
	h := pettyCashAtVerification(t)

	issued, err := h.svc.IssueVerificationCode(ctx, reqPetty, "hof")
	require.NoError(t, err)

	in := RedeemInput{
		RequestID: reqPetty,
		Code:      issued.VerificationCode,
		ActorID:   "disburser",
		Delegate:  &repository.Delegate{Name: "Mary Wanjiku", Badge: "B-114"},
	}
	res, err := h.svc.RedeemVerificationCode(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, flow.DelegateApproverPrefix+"Mary Wanjiku", *res.Instance.Steps[5].ApproverName)

	_, err = h.svc.RedeemVerificationCode(ctx, in)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidCode))

	rows := h.codes.All()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsVerified)
	assert.Equal(t, "disburser", *rows[0].VerifiedBy)
	assert.Equal(t, "B-114", *rows[0].DelegateBadge)
}

func TestRedeemRejectsBadCodes(t *testing.T) {
	ctx := context.Background()
	h := pettyCashAtVerification(t)

	issued, err := h.svc.IssueVerificationCode(ctx, reqPetty, "disburser")
	require.NoError(t, err)

	wrong := "000000"
	if issued.VerificationCode == wrong {
		wrong = "111111"
	}

	tests := []struct {
		name string
		in   RedeemInput
		code errors.ErrorCode
	}{
		{"malformed", RedeemInput{RequestID: reqPetty, Code: "12ab56", ActorID: "disburser"}, errors.ErrCodeInvalidInput},
		{"too short", RedeemInput{RequestID: reqPetty, Code: "12345", ActorID: "disburser"}, errors.ErrCodeInvalidInput},
		{"wrong code", RedeemInput{RequestID: reqPetty, Code: wrong, ActorID: "disburser"}, errors.ErrCodeInvalidCode},
		{"other request", RedeemInput{RequestID: reqImprest, Code: issued.VerificationCode, ActorID: "disburser"}, errors.ErrCodeInvalidCode},
		{"ineligible actor", RedeemInput{RequestID: reqPetty, Code: issued.VerificationCode, ActorID: "staff"}, errors.ErrCodeUnauthorized},
		{"nameless delegate", RedeemInput{RequestID: reqPetty, Code: issued.VerificationCode, ActorID: "disburser", Delegate: &repository.Delegate{}}, errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.RedeemVerificationCode(ctx, tt.in)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
		})
	}

	inst, err := h.svc.GetFlowByRequestID(ctx, reqPetty)
	require.NoError(t, err)
	assert.False(t, inst.IsCompleted, "failed redemptions leave the flow alone")
}

func TestIssueVerificationCodePreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initialize(t, reqPetty, flow.TypePettyCash)

	_, err := h.svc.IssueVerificationCode(ctx, reqPetty, "disburser")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "flow is still at the head of department")

	h = pettyCashAtVerification(t)
	_, err = h.svc.IssueVerificationCode(ctx, reqPetty, "grc")
	assert.True(t, errors.Is(err, errors.ErrCodeUnauthorized))
	assert.Empty(t, h.codes.All())
}

func TestGenerateVerificationCodeIsSixDigits(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := generateVerificationCode()
		require.NoError(t, err)
		assert.Regexp(t, `^\d{6}$`, code)
	}
}

func TestRedeemLeavesCodeLiveWhenFlowWriteFails(t *testing.T) {
	ctx := context.Background()
	h := pettyCashAtVerification(t)

	issued, err := h.svc.IssueVerificationCode(ctx, reqPetty, "hof")
	require.NoError(t, err)
	in := RedeemInput{RequestID: reqPetty, Code: issued.VerificationCode, ActorID: "disburser"}

	h.flowWrites.failNext(1)
	_, err = h.svc.RedeemVerificationCode(ctx, in)
	require.Error(t, err)

	inst, err := h.svc.GetFlowByRequestID(ctx, reqPetty)
	require.NoError(t, err)
	assert.False(t, inst.IsCompleted)
	assert.Equal(t, flow.StepPending, inst.Steps[5].Status)
	rows := h.codes.All()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].IsVerified)

	res, err := h.svc.RedeemVerificationCode(ctx, in)
	require.NoError(t, err)
	assert.True(t, res.Instance.IsCompleted)
	assert.Equal(t, flow.RequestApproved, res.RequestStatus)
	assert.Equal(t, flow.RequestApproved, h.requestStatus(t, reqPetty))
	assert.True(t, h.codes.All()[0].IsVerified)
}
