package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/logger"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/metrics"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository/memory"
)

const (
	reqPetty   = "req-petty"
	reqImprest = "req-imprest"
	reqRecap   = "req-recap"
	reqLarge   = "req-large"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentNotification struct {
	Kind      string
	RequestID string
	UserID    string
	Status    flow.RequestStatus
	Message   string
	DaysLeft  int
	Code      string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	fail bool
}

func (n *recordingNotifier) record(s sentNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return fmt.Errorf("notification transport down")
	}
	n.sent = append(n.sent, s)
	return nil
}

func (n *recordingNotifier) SendApprovalNotification(_ context.Context, requestID, userID string, status flow.RequestStatus, message string) error {
	return n.record(sentNotification{Kind: "approval", RequestID: requestID, UserID: userID, Status: status, Message: message})
}

func (n *recordingNotifier) SendRecapReminderNotification(_ context.Context, requestID, userID string, daysLeft int) error {
	return n.record(sentNotification{Kind: "reminder", RequestID: requestID, UserID: userID, DaysLeft: daysLeft})
}

func (n *recordingNotifier) SendVerificationCode(_ context.Context, requestID, userID, code string) error {
	return n.record(sentNotification{Kind: "code", RequestID: requestID, UserID: userID, Code: code})
}

func (n *recordingNotifier) ofKind(kind string) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// flakyFlows fails the next n flow updates before delegating to the store.
type flakyFlows struct {
	*memory.FlowStore
	mu       sync.Mutex
	failures int
}

func (f *flakyFlows) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *flakyFlows) Update(ctx context.Context, inst *flow.Instance) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return fmt.Errorf("database unavailable")
	}
	f.mu.Unlock()
	return f.FlowStore.Update(ctx, inst)
}

type harness struct {
	svc        *ApprovalFlowService
	config     *SystemConfigService
	escalation *EscalationService
	flows      *memory.FlowStore
	flowWrites *flakyFlows
	requests   *memory.RequestStore
	audit      *memory.AuditStore
	timers     *memory.TimerStore
	codes      *memory.VerificationStore
	notifier   *recordingNotifier
	metrics    *metrics.Metrics
	clock      *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	log := logger.Nop()
	m := metrics.New(prometheus.NewRegistry())

	h := &harness{
		flows: memory.NewFlowStore(),
		requests: memory.NewRequestStore(
			repository.Request{ID: reqPetty, RequesterID: "requester", Department: "Operations", Status: "draft", Amount: 5_000, Currency: "KES"},
			repository.Request{ID: reqImprest, RequesterID: "requester", Department: "Operations", Status: "draft", Amount: 200_000, Currency: "KES"},
			repository.Request{ID: reqRecap, RequesterID: "requester", Department: "Operations", Status: "draft", Amount: 50_000, Currency: "KES"},
			repository.Request{ID: reqLarge, RequesterID: "requester", Department: "Operations", Status: "draft", Amount: 9_000_000, Currency: "KES"},
		),
		audit:    memory.NewAuditStore(),
		timers:   memory.NewTimerStore(),
		notifier: &recordingNotifier{},
		metrics:  m,
		clock:    clock,
	}
	users := memory.NewUserStore(
		repository.User{ID: "requester", Name: "Rita Requester", Role: flow.UserStaff, Department: "Operations"},
		repository.User{ID: "hod-ops", Name: "Otieno HOD", Role: flow.UserHeadOfDepartment, Department: "operations"},
		repository.User{ID: "hod-fin", Name: "Fatma HOD", Role: flow.UserHeadOfDepartment, Department: "Finance"},
		repository.User{ID: "admin-hr", Name: "Hassan HR", Role: flow.UserHeadAdminHR, Department: "Admin"},
		repository.User{ID: "grc", Name: "Grace GRC", Role: flow.UserGRCManager, Department: "GRC"},
		repository.User{ID: "ao", Name: "Amos Accounts", Role: flow.UserAccountsOfficer, Department: "Finance"},
		repository.User{ID: "hof", Name: "Halima Finance", Role: flow.UserHeadOfFinance, Department: "Finance"},
		repository.User{ID: "admin", Name: "Ada Admin", Role: flow.UserAdmin, Department: "IT"},
		repository.User{ID: "disburser", Name: "Dan Disburser", Role: flow.UserDisburser, Department: "Finance"},
		repository.User{ID: "staff", Name: "Sam Staff", Role: flow.UserStaff, Department: "Operations"},
	)
	h.flowWrites = &flakyFlows{FlowStore: h.flows}
	h.codes = memory.NewVerificationStore(h.flowWrites)

	h.config = NewSystemConfigService(memory.NewConfigStore(), h.audit, m, log)
	h.config.now = clock.Now
	h.escalation = NewEscalationService(h.timers, h.flows, h.requests, h.audit, h.notifier, m,
		EscalationOptions{Now: clock.Now}, log)

	h.svc = NewApprovalFlowService(Dependencies{
		Flows:         h.flowWrites,
		Requests:      h.requests,
		Users:         users,
		Audit:         h.audit,
		Verifications: h.codes,
		Notifier:      h.notifier,
		Config:        h.config,
		Escalation:    h.escalation,
		Metrics:       m,
	}, Options{PettyCashCeiling: 1_000_000, Now: clock.Now}, log)

	return h
}

func (h *harness) initialize(t *testing.T, requestID string, ft flow.FlowType) *flow.Instance {
	t.Helper()
	inst, err := h.svc.InitializeFlow(context.Background(), requestID, ft, "requester")
	require.NoError(t, err)
	return inst
}

func (h *harness) approve(t *testing.T, requestID, actorID string) *TransitionResult {
	t.Helper()
	res, err := h.svc.ApproveStep(context.Background(), ApproveInput{RequestID: requestID, ActorID: actorID, Notes: "ok"})
	require.NoError(t, err)
	return res
}

func (h *harness) requestStatus(t *testing.T, requestID string) flow.RequestStatus {
	t.Helper()
	req, err := h.requests.GetByID(context.Background(), requestID)
	require.NoError(t, err)
	return req.Status
}

func (h *harness) auditActions(requestID string) []string {
	var out []string
	for _, e := range h.audit.AuditEntries() {
		if e.RequestID == requestID {
			out = append(out, e.Action)
		}
	}
	return out
}
