// Package memory holds in-process implementations of the repositories. They back the
// "memory" storage driver and the service tests, and enforce the same uniqueness and
// optimistic-version rules as the Postgres tables.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
)

// ── flows ────────────────────────────────────────────────────────────────────

// FlowStore keeps every instance ever created, keyed by row ID.
type FlowStore struct {
	mu    sync.RWMutex
	rows  map[string]flow.Instance
	order []string
}

// NewFlowStore creates an empty FlowStore.
func NewFlowStore() *FlowStore {
	return &FlowStore{rows: make(map[string]flow.Instance)}
}

// Create stores a new live instance.
func (s *FlowStore) Create(_ context.Context, inst *flow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		existing := s.rows[id]
		if existing.RequestID == inst.RequestID && !existing.IsCompleted {
			return errors.New(errors.ErrCodeAlreadyInitialized,
				fmt.Sprintf("approval flow already initialized for request %s", inst.RequestID))
		}
	}

	inst.ID = uuid.NewString()
	inst.Version = 1
	s.rows[inst.ID] = inst.Clone()
	s.order = append(s.order, inst.ID)
	return nil
}

// GetLatestByRequestID prefers the live instance, then the most recently created one.
func (s *FlowStore) GetLatestByRequestID(_ context.Context, requestID string) (*flow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *flow.Instance
	for i := len(s.order) - 1; i >= 0; i-- {
		row := s.rows[s.order[i]]
		if row.RequestID != requestID {
			continue
		}
		if !row.IsCompleted {
			c := row.Clone()
			return &c, nil
		}
		if found == nil {
			c := row.Clone()
			found = &c
		}
	}
	return found, nil
}

// ListActive returns live instances in creation order.
func (s *FlowStore) ListActive(_ context.Context) ([]*flow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*flow.Instance
	for _, id := range s.order {
		row := s.rows[id]
		if row.IsCompleted {
			continue
		}
		c := row.Clone()
		out = append(out, &c)
	}
	return out, nil
}

// Update replaces a live instance when its version still matches.
func (s *FlowStore) Update(_ context.Context, inst *flow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rows[inst.ID]
	if !ok || current.IsCompleted || current.Version != inst.Version {
		return errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("approval flow for request %s was modified concurrently", inst.RequestID))
	}

	inst.Version++
	s.rows[inst.ID] = inst.Clone()
	return nil
}

// ── system config ────────────────────────────────────────────────────────────

// ConfigStore keeps system_config entries.
type ConfigStore struct {
	mu      sync.RWMutex
	entries map[string]repository.SystemConfigEntry
}

// NewConfigStore creates an empty ConfigStore.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{entries: make(map[string]repository.SystemConfigEntry)}
}

// Get returns the entry or nil.
func (s *ConfigStore) Get(_ context.Context, key string) (*repository.SystemConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Upsert writes the entry.
func (s *ConfigStore) Upsert(_ context.Context, entry *repository.SystemConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.Key] = *entry
	return nil
}

// ── disbursement verifications ───────────────────────────────────────────────

// FlowWriter persists the flow a redemption completes.
type FlowWriter interface {
	Update(ctx context.Context, inst *flow.Instance) error
}

// VerificationStore keeps issued codes. Redemptions write their flow through flows.
type VerificationStore struct {
	mu    sync.Mutex
	rows  []repository.DisbursementVerification
	flows FlowWriter
}

// NewVerificationStore creates an empty VerificationStore.
func NewVerificationStore(flows FlowWriter) *VerificationStore {
	return &VerificationStore{flows: flows}
}

// Create stores an unverified code.
func (s *VerificationStore) Create(_ context.Context, v *repository.DisbursementVerification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *v
	row.IsVerified = false
	s.rows = append(s.rows, row)
	return nil
}

// FindLive returns the newest unverified match or nil.
func (s *VerificationStore) FindLive(_ context.Context, requestID, code string) (*repository.DisbursementVerification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.rows) - 1; i >= 0; i-- {
		row := s.rows[i]
		if row.RequestID == requestID && row.VerificationCode == code && !row.IsVerified {
			return &row, nil
		}
	}
	return nil, nil
}

// CompleteVerification closes a code once and writes next. The code is only spent after
// the flow write succeeded, so a failed write leaves the code redeemable.
func (s *VerificationStore) CompleteVerification(
	ctx context.Context,
	id, verifiedBy string,
	verifiedAt time.Time,
	delegate *repository.Delegate,
	next *flow.Instance,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row *repository.DisbursementVerification
	for i := range s.rows {
		if s.rows[i].ID == id {
			row = &s.rows[i]
			break
		}
	}
	if row == nil {
		return errors.New(errors.ErrCodeInvalidCode, "verification code not found")
	}
	if row.IsVerified {
		return errors.New(errors.ErrCodeInvalidCode, "verification code already used")
	}

	if err := s.flows.Update(ctx, next); err != nil {
		return err
	}

	at := verifiedAt
	by := verifiedBy
	row.IsVerified = true
	row.VerifiedAt = &at
	row.VerifiedBy = &by
	if delegate != nil {
		row.DelegateName = optional(delegate.Name)
		row.DelegateBadge = optional(delegate.Badge)
		row.DelegateEmail = optional(delegate.Email)
		row.DelegatePhone = optional(delegate.Phone)
	}
	return nil
}

// All returns a copy of every stored code.
func (s *VerificationStore) All() []repository.DisbursementVerification {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]repository.DisbursementVerification(nil), s.rows...)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ── audit and error logs ─────────────────────────────────────────────────────

// AuditStore keeps the audit and error logs in append order.
type AuditStore struct {
	mu     sync.Mutex
	audit  []repository.AuditEntry
	errors []repository.ErrorLogEntry

	// FailAppends makes every append fail, for exercising non-fatal logging.
	FailAppends bool
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// AppendAudit records an audit entry.
func (s *AuditStore) AppendAudit(_ context.Context, entry *repository.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAppends {
		return errors.New(errors.ErrCodeInternal, "audit log unavailable")
	}
	s.audit = append(s.audit, *entry)
	return nil
}

// AppendError records an error log entry.
func (s *AuditStore) AppendError(_ context.Context, entry *repository.ErrorLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAppends {
		return errors.New(errors.ErrCodeInternal, "error log unavailable")
	}
	s.errors = append(s.errors, *entry)
	return nil
}

// ListByRequestID returns the audit trail of a request.
func (s *AuditStore) ListByRequestID(_ context.Context, requestID string) ([]*repository.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.AuditEntry
	for i := range s.audit {
		if s.audit[i].RequestID == requestID {
			e := s.audit[i]
			out = append(out, &e)
		}
	}
	return out, nil
}

// AuditEntries returns a copy of the whole audit log.
func (s *AuditStore) AuditEntries() []repository.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]repository.AuditEntry(nil), s.audit...)
}

// ErrorEntries returns a copy of the whole error log.
func (s *AuditStore) ErrorEntries() []repository.ErrorLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]repository.ErrorLogEntry(nil), s.errors...)
}

// ── requests ─────────────────────────────────────────────────────────────────

// RequestStore keeps seeded requests.
type RequestStore struct {
	mu   sync.RWMutex
	rows map[string]repository.Request
}

// NewRequestStore creates a RequestStore seeded with reqs.
func NewRequestStore(reqs ...repository.Request) *RequestStore {
	s := &RequestStore{rows: make(map[string]repository.Request)}
	for _, r := range reqs {
		s.rows[r.ID] = r
	}
	return s
}

// Put adds or replaces a request.
func (s *RequestStore) Put(r repository.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[r.ID] = r
}

// GetByID returns the request or NOT_FOUND.
func (s *RequestStore) GetByID(_ context.Context, id string) (*repository.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, errors.NotFound("request", id)
	}
	return &r, nil
}

// UpdateStatus sets the request status.
func (s *RequestStore) UpdateStatus(_ context.Context, id string, status flow.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return errors.NotFound("request", id)
	}
	r.Status = status
	s.rows[id] = r
	return nil
}

// ── users ────────────────────────────────────────────────────────────────────

// UserStore keeps seeded users.
type UserStore struct {
	mu   sync.RWMutex
	rows map[string]repository.User
}

// NewUserStore creates a UserStore seeded with users.
func NewUserStore(users ...repository.User) *UserStore {
	s := &UserStore{rows: make(map[string]repository.User)}
	for _, u := range users {
		s.rows[u.ID] = u
	}
	return s
}

// Put adds or replaces a user.
func (s *UserStore) Put(u repository.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[u.ID] = u
}

// GetByID returns the user or NOT_FOUND.
func (s *UserStore) GetByID(_ context.Context, id string) (*repository.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.rows[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	return &u, nil
}

// ── escalation timers ────────────────────────────────────────────────────────

// TimerStore keeps escalation timers ordered by fire time.
type TimerStore struct {
	mu     sync.Mutex
	timers []repository.EscalationTimer
}

// NewTimerStore creates an empty TimerStore.
func NewTimerStore() *TimerStore {
	return &TimerStore{}
}

// Arm stores a timer.
func (s *TimerStore) Arm(_ context.Context, timer repository.EscalationTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers = append(s.timers, timer)
	sort.SliceStable(s.timers, func(i, j int) bool {
		return s.timers[i].FireAt.Before(s.timers[j].FireAt)
	})
	return nil
}

// PopDue removes and returns timers due at now.
func (s *TimerStore) PopDue(_ context.Context, now time.Time) ([]repository.EscalationTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(s.timers) && !s.timers[n].FireAt.After(now) {
		n++
	}
	due := append([]repository.EscalationTimer(nil), s.timers[:n]...)
	s.timers = append(s.timers[:0], s.timers[n:]...)
	return due, nil
}

// Pending returns a copy of the timers not yet popped.
func (s *TimerStore) Pending() []repository.EscalationTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]repository.EscalationTimer(nil), s.timers...)
}
