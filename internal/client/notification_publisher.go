package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/logger"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
)

// Publisher sends one message to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes disbursement flow events for consumption by the
// notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g. notifications.disbursement.recap_reminder
//
// Publishes are retried with exponential backoff. The final error is returned so the
// caller can count it, but callers never fail an operation because of it.
type NotificationPublisher struct {
	publisher  Publisher
	prefix     string
	maxRetries uint64
	log        *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher. An empty prefix defaults to
// notifications.disbursement.
func NewNotificationPublisher(p Publisher, prefix string, maxRetries uint64, log *logger.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.disbursement"
	}
	return &NotificationPublisher{publisher: p, prefix: prefix, maxRetries: maxRetries, log: log}
}

// SendApprovalNotification tells userID that the request moved to status.
func (p *NotificationPublisher) SendApprovalNotification(ctx context.Context, requestID, userID string, status flow.RequestStatus, message string) error {
	event := &NotificationEvent{
		EventType:    approvalEventType(status),
		Recipients:   []string{userID},
		ResourceType: "disbursement_request",
		ResourceID:   requestID,
		Severity:     "info",
		Category:     "disbursement_approval",
		Message:      message,
		Payload:      map[string]interface{}{"status": string(status)},
	}
	if status == flow.RequestRejected {
		event.Severity = "warning"
	}
	return p.publish(ctx, event)
}

// SendRecapReminderNotification reminds userID that a recap is due in daysLeft days.
func (p *NotificationPublisher) SendRecapReminderNotification(ctx context.Context, requestID, userID string, daysLeft int) error {
	return p.publish(ctx, &NotificationEvent{
		EventType:    "recap_reminder",
		Recipients:   []string{userID},
		ResourceType: "disbursement_request",
		ResourceID:   requestID,
		IsActionable: true,
		Severity:     "warning",
		Category:     "disbursement_recap",
		Message:      fmt.Sprintf("Your recap is due in %d day(s)", daysLeft),
		Payload:      map[string]interface{}{"days_left": daysLeft},
	})
}

// SendVerificationCode delivers a disbursement verification code to userID.
func (p *NotificationPublisher) SendVerificationCode(ctx context.Context, requestID, userID, code string) error {
	return p.publish(ctx, &NotificationEvent{
		EventType:    "verification_code",
		Recipients:   []string{userID},
		ResourceType: "disbursement_request",
		ResourceID:   requestID,
		IsActionable: true,
		Severity:     "info",
		Category:     "disbursement_verification",
		Message:      "Present this code to collect your disbursement",
		Payload:      map[string]interface{}{"verification_code": code},
	})
}

func (p *NotificationPublisher) publish(ctx context.Context, event *NotificationEvent) error {
	if p.publisher == nil || len(event.Recipients) == 0 || event.Recipients[0] == "" {
		return nil
	}
	event.OccurredAt = time.Now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", event.EventType, err)
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.EventType)
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	err = backoff.Retry(func() error {
		return p.publisher.Publish(ctx, subject, data)
	}, b)
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", event.ResourceID).
			Msg("notification: failed to publish NATS event")
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.ResourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}

func approvalEventType(status flow.RequestStatus) string {
	switch status {
	case flow.RequestApproved:
		return "request_approved"
	case flow.RequestRejected:
		return "request_rejected"
	case flow.RequestRecapNeeded:
		return "recap_needed"
	case flow.RequestPending:
		return "approval_step_completed"
	}
	return "approval_step_completed"
}

// JetStreamPublisher publishes through JetStream so notifications survive a consumer outage.
type JetStreamPublisher struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewJetStreamPublisher connects to url and makes sure stream captures prefix.>.
func NewJetStreamPublisher(ctx context.Context, url, stream, prefix string) (*JetStreamPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("be-disbursement-flows"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && err != jetstream.ErrStreamNameAlreadyInUse {
		conn.Close()
		return nil, fmt.Errorf("create stream %s: %w", stream, err)
	}
	return &JetStreamPublisher{conn: conn, js: js}, nil
}

// Publish waits for the stream acknowledgement.
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

// Close drains the connection.
func (p *JetStreamPublisher) Close() error {
	return p.conn.Drain()
}

// LogNotifier writes notifications to the log instead of publishing them. Used when no
// broker is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendApprovalNotification(_ context.Context, requestID, userID string, status flow.RequestStatus, message string) error {
	n.log.Info().
		Str("request_id", requestID).
		Str("user_id", userID).
		Str("status", string(status)).
		Str("message", message).
		Msg("notification: approval")
	return nil
}

func (n *LogNotifier) SendRecapReminderNotification(_ context.Context, requestID, userID string, daysLeft int) error {
	n.log.Info().
		Str("request_id", requestID).
		Str("user_id", userID).
		Int("days_left", daysLeft).
		Msg("notification: recap reminder")
	return nil
}

// SendVerificationCode logs the delivery but never the code itself.
func (n *LogNotifier) SendVerificationCode(_ context.Context, requestID, userID, _ string) error {
	n.log.Info().
		Str("request_id", requestID).
		Str("user_id", userID).
		Msg("notification: verification code issued")
	return nil
}
