package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/logger"
	"github.com/pesio-ai/be-disbursement-flows/internal/metrics"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
)

// EscalationOptions tune the recap reminder.
type EscalationOptions struct {
	// Delay between arming a timer and its first chance to fire.
	Delay time.Duration
	// RecapDueDays is the recap deadline counted from arming; the reminder reports what is left.
	RecapDueDays int
	// SweepInterval is how often Run pops due timers.
	SweepInterval time.Duration
	Now           func() time.Time
}

// Defaults used when EscalationOptions leaves a field zero.
const (
	DefaultEscalationDelay = 5 * 24 * time.Hour
	DefaultRecapDueDays    = 7
	DefaultSweepInterval   = time.Minute
)

// EscalationService arms durable recap reminders and sweeps them when due. A timer only
// produces a reminder if its flow is still live and has not moved past the checkpoint.
type EscalationService struct {
	timers   TimerStore
	flows    FlowRepository
	requests RequestLookup
	audit    AuditRepository
	notifier Notifier
	metrics  *metrics.Metrics
	opts     EscalationOptions
	log      *logger.Logger
}

// NewEscalationService creates a new EscalationService.
func NewEscalationService(
	timers TimerStore,
	flows FlowRepository,
	requests RequestLookup,
	audit AuditRepository,
	notifier Notifier,
	m *metrics.Metrics,
	opts EscalationOptions,
	log *logger.Logger,
) *EscalationService {
	if opts.Delay <= 0 {
		opts.Delay = DefaultEscalationDelay
	}
	if opts.RecapDueDays <= 0 {
		opts.RecapDueDays = DefaultRecapDueDays
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &EscalationService{
		timers:   timers,
		flows:    flows,
		requests: requests,
		audit:    audit,
		notifier: notifier,
		metrics:  m,
		opts:     opts,
		log:      log,
	}
}

// Arm schedules a reminder for requestID. checkpoint is the step the flow must still be on
// (or before) when the timer fires.
func (s *EscalationService) Arm(ctx context.Context, requestID string, checkpoint int) error {
	now := s.opts.Now()
	timer := repository.EscalationTimer{
		RequestID:      requestID,
		FireAt:         now.Add(s.opts.Delay),
		StepCheckpoint: checkpoint,
		ArmedAt:        now,
	}
	if err := s.timers.Arm(ctx, timer); err != nil {
		return err
	}
	s.log.Debug().
		Str("request_id", requestID).
		Time("fire_at", timer.FireAt).
		Int("step_checkpoint", checkpoint).
		Msg("Escalation timer armed")
	return nil
}

// Sweep pops every due timer and sends the reminders that still apply. Timers whose state
// could not be read, or whose reminder could not be delivered, are armed again so the next
// sweep retries them.
func (s *EscalationService) Sweep(ctx context.Context) (int, error) {
	now := s.opts.Now()
	due, err := s.timers.PopDue(ctx, now)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, timer := range due {
		ok, retry := s.fire(ctx, timer, now)
		if retry {
			if err := s.timers.Arm(ctx, timer); err != nil {
				s.log.Error().Err(err).Str("request_id", timer.RequestID).Msg("Failed to re-arm escalation timer")
			}
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// fire handles one due timer. It reports whether a reminder went out and whether the
// timer should be retried.
func (s *EscalationService) fire(ctx context.Context, timer repository.EscalationTimer, now time.Time) (sent, retry bool) {
	inst, err := s.flows.GetLatestByRequestID(ctx, timer.RequestID)
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", timer.RequestID).Msg("Escalation check could not read flow")
		return false, true
	}
	if inst == nil || inst.IsCompleted || inst.Rejected() ||
		inst.CurrentStep > timer.StepCheckpoint || inst.CreatedAt.After(timer.ArmedAt) {
		s.metrics.TimerDropped()
		s.log.Debug().Str("request_id", timer.RequestID).Msg("Escalation timer no longer applies")
		return false, false
	}

	req, err := s.requests.GetByID(ctx, timer.RequestID)
	if err != nil {
		if errors.IsNotFound(err) {
			s.metrics.TimerDropped()
			return false, false
		}
		s.log.Warn().Err(err).Str("request_id", timer.RequestID).Msg("Escalation check could not read request")
		return false, true
	}

	daysLeft := DaysLeft(s.opts.RecapDueDays, timer.ArmedAt, now)
	if s.notifier != nil {
		if err := s.notifier.SendRecapReminderNotification(ctx, timer.RequestID, req.RequesterID, daysLeft); err != nil {
			s.metrics.SideEffectFailure("notification")
			s.log.Warn().Err(err).Str("request_id", timer.RequestID).Msg("Failed to send recap reminder")
			return false, true
		}
	}

	if err := s.audit.AppendAudit(ctx, &repository.AuditEntry{
		ID:          uuid.NewString(),
		RequestID:   timer.RequestID,
		Action:      "recap_reminder_sent",
		PerformedBy: "system",
		PerformedAt: now,
		Metadata: map[string]interface{}{
			"days_left":       daysLeft,
			"step_checkpoint": timer.StepCheckpoint,
		},
	}); err != nil {
		s.metrics.SideEffectFailure("audit")
		s.log.Warn().Err(err).Str("request_id", timer.RequestID).Msg("Failed to write audit log entry")
	}

	s.metrics.ReminderSent()
	s.log.Info().
		Str("request_id", timer.RequestID).
		Int("days_left", daysLeft).
		Msg("Recap reminder sent")
	return true, false
}

// Run sweeps on every tick until ctx is cancelled.
func (s *EscalationService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.opts.SweepInterval).Msg("Escalation sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Escalation sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("Escalation sweep failed")
			}
		}
	}
}

// DaysLeft is dueDays minus the whole days elapsed since armedAt, never below zero.
func DaysLeft(dueDays int, armedAt, now time.Time) int {
	elapsed := int(now.Sub(armedAt) / (24 * time.Hour))
	left := dueDays - elapsed
	if left < 0 {
		return 0
	}
	return left
}
