package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/logger"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/metrics"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
)

const (
	// AutoApprovalKey is the system_config key of the auto-approval flag.
	AutoApprovalKey = "autoApprovalEnabled"

	autoApprovalDescription = "Approve finance_auto steps without a human decision"
)

// SystemConfigService owns the auto-approval flag. Every read goes to the repository so
// a toggle is visible to the very next decision.
type SystemConfigService struct {
	repo    ConfigRepository
	audit   AuditRepository
	metrics *metrics.Metrics
	now     func() time.Time
	log     *logger.Logger
}

// NewSystemConfigService creates a new SystemConfigService.
func NewSystemConfigService(
	repo ConfigRepository,
	audit AuditRepository,
	m *metrics.Metrics,
	log *logger.Logger,
) *SystemConfigService {
	return &SystemConfigService{
		repo:    repo,
		audit:   audit,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
}

// AutoApprovalEnabled returns the flag, defaulting to true when it was never written.
func (s *SystemConfigService) AutoApprovalEnabled(ctx context.Context) (bool, error) {
	entry, err := s.repo.Get(ctx, AutoApprovalKey)
	if err != nil {
		return false, err
	}
	enabled := entry == nil || entry.Value
	s.metrics.SetAutoApproval(enabled)
	return enabled, nil
}

// AutoApprovalEntry returns the stored entry, or a synthesized default entry.
func (s *SystemConfigService) AutoApprovalEntry(ctx context.Context) (*repository.SystemConfigEntry, error) {
	entry, err := s.repo.Get(ctx, AutoApprovalKey)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &repository.SystemConfigEntry{
			Key:         AutoApprovalKey,
			Value:       true,
			Description: autoApprovalDescription,
		}, nil
	}
	return entry, nil
}

// SetAutoApprovalEnabled writes the flag. Only an Admin may toggle it; the toggle is
// audited with the previous value.
func (s *SystemConfigService) SetAutoApprovalEnabled(ctx context.Context, actor Actor, enabled bool) (*repository.SystemConfigEntry, error) {
	if actor.Role != flow.UserAdmin {
		return nil, errors.Unauthorized("only an Admin may change auto-approval")
	}

	previous, err := s.AutoApprovalEnabled(ctx)
	if err != nil {
		return nil, err
	}

	entry := &repository.SystemConfigEntry{
		Key:         AutoApprovalKey,
		Value:       enabled,
		Description: autoApprovalDescription,
		UpdatedAt:   s.now(),
		UpdatedBy:   actor.ID,
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	s.metrics.SetAutoApproval(enabled)

	before := boolString(previous)
	after := boolString(enabled)
	if err := s.audit.AppendAudit(ctx, &repository.AuditEntry{
		ID:           uuid.NewString(),
		Action:       "auto_approval_toggled",
		PerformedBy:  actor.ID,
		PerformedAt:  entry.UpdatedAt,
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata:     map[string]interface{}{"key": AutoApprovalKey},
	}); err != nil {
		s.metrics.SideEffectFailure("audit")
		s.log.Warn().Err(err).Str("key", AutoApprovalKey).Msg("Failed to write audit log entry")
	}

	s.log.Info().
		Str("key", AutoApprovalKey).
		Bool("enabled", enabled).
		Str("updated_by", actor.ID).
		Msg("Auto-approval flag updated")

	return entry, nil
}

func boolString(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
