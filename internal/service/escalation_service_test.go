package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
)

func recapAfterAccountsOfficer(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.initialize(t, reqRecap, flow.TypeImprestRecap)
	for _, actor := range []string{"hod-ops", "admin-hr", "ao"} {
		h.approve(t, reqRecap, actor)
	}
	return h
}

func TestEscalationTimerArmedAfterAccountsOfficer(t *testing.T) {
	h := recapAfterAccountsOfficer(t)

	pending := h.timers.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, reqRecap, pending[0].RequestID)
	assert.Equal(t, 5, pending[0].StepCheckpoint)
	assert.Equal(t, h.clock.Now().Add(DefaultEscalationDelay), pending[0].FireAt)
}

func TestEscalationSendsReminderWhenStalled(t *testing.T) {
	ctx := context.Background()
	h := recapAfterAccountsOfficer(t)

	sent, err := h.escalation.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "not due yet")

	h.clock.Advance(DefaultEscalationDelay)
	sent, err = h.escalation.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	reminders := h.notifier.ofKind("reminder")
	require.Len(t, reminders, 1)
	assert.Equal(t, "requester", reminders[0].UserID)
	assert.Equal(t, DefaultRecapDueDays-5, reminders[0].DaysLeft)
	assert.Contains(t, h.auditActions(reqRecap), "recap_reminder_sent")
	assert.Empty(t, h.timers.Pending())
}

func TestEscalationKeepsTimerWhenReminderFails(t *testing.T) {
	ctx := context.Background()
	h := recapAfterAccountsOfficer(t)
	h.clock.Advance(DefaultEscalationDelay)

	h.notifier.mu.Lock()
	h.notifier.fail = true
	h.notifier.mu.Unlock()

	sent, err := h.escalation.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	pending := h.timers.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, reqRecap, pending[0].RequestID)
	assert.Equal(t, 5, pending[0].StepCheckpoint)
	assert.NotContains(t, h.auditActions(reqRecap), "recap_reminder_sent")

	h.notifier.mu.Lock()
	h.notifier.fail = false
	h.notifier.mu.Unlock()

	sent, err = h.escalation.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, h.notifier.ofKind("reminder"), 1)
	assert.Empty(t, h.timers.Pending())
}

func TestEscalationSkipsFlowsThatMovedOn(t *testing.T) {
	tests := []struct {
		name    string
		advance func(t *testing.T, h *harness)
	}{
		{
			name: "advanced past checkpoint",
			advance: func(t *testing.T, h *harness) {
				h.approve(t, reqRecap, "grc")
			},
		},
		{
			name: "rejected",
			advance: func(t *testing.T, h *harness) {
				_, err := h.svc.RejectStep(context.Background(), RejectInput{RequestID: reqRecap, ActorID: "grc", Notes: "no receipts"})
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := recapAfterAccountsOfficer(t)
			tt.advance(t, h)

			h.clock.Advance(DefaultEscalationDelay + time.Hour)
			sent, err := h.escalation.Sweep(context.Background())
			require.NoError(t, err)
			assert.Zero(t, sent)
			assert.Empty(t, h.notifier.ofKind("reminder"))
			assert.Empty(t, h.timers.Pending(), "stale timers are dropped, not re-armed")
		})
	}
}

func TestEscalationRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.escalation.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestDaysLeft(t *testing.T) {
	armed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"just armed", 0, 7},
		{"partial day does not count", 23 * time.Hour, 7},
		{"five days", 5 * 24 * time.Hour, 2},
		{"overdue clamps to zero", 10 * 24 * time.Hour, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysLeft(7, armed, armed.Add(tt.elapsed)))
		})
	}
}
