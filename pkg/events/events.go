package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/diagnosis/smartregister/pkg/logger"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
	Close() error
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("smartregister"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "bytes", len(payload))

	return n.conn.Publish(subject, payload)
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, subject string, data []byte) error

// Subscribe delivers every message on subject to h. Handler errors are logged;
// the message is not redelivered.
func (n *NATSEventBus) Subscribe(subject string, h Handler) (*nats.Subscription, error) {
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := h(ctx, msg.Subject, msg.Data); err != nil {
			logger.WarnContext(ctx, "Event handler failed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

func (n *NATSEventBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// NopPublisher drops every event. Used when no NATS URL is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
func (NopPublisher) Close() error                               { return nil }

// Subjects
const (
	OtpIssued        = "registration.otp.issued"
	BookingActivated = "registration.booking.activated"
	NotifyFailed     = "registration.notify.failed"
)

type OtpIssuedEvent struct {
	PhoneNumber       string    `json:"phone_number"`
	ExpiresAt         time.Time `json:"expires_at"`
	AttemptsRemaining int       `json:"attempts_remaining"`
	Regenerated       bool      `json:"regenerated"`
}

type BookingActivatedEvent struct {
	BookingID   string    `json:"booking_id"`
	PhoneNumber string    `json:"phone_number"`
	Seat        string    `json:"seat"`
	Timeslot    string    `json:"timeslot"`
	ActivatedAt time.Time `json:"activated_at"`
}

// NotifyFailedEvent is emitted when an SMS could not be delivered. Purpose is
// "otp" or "ticket"; BookingID is set only for tickets.
type NotifyFailedEvent struct {
	PhoneNumber string    `json:"phone_number"`
	Purpose     string    `json:"purpose"`
	BookingID   string    `json:"booking_id,omitempty"`
	Reason      string    `json:"reason"`
	FailedAt    time.Time `json:"failed_at"`
}
