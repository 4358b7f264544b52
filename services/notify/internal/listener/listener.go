// Package listener turns registration events into operator-facing log lines
// and keeps running counts for the notify service's status endpoint.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/diagnosis/smartregister/pkg/events"
	"github.com/diagnosis/smartregister/pkg/logger"
)

// Stats counts handled events per subject.
type Stats struct {
	OtpIssued        int `json:"otp_issued"`
	BookingActivated int `json:"booking_activated"`
	NotifyFailed     int `json:"notify_failed"`
	Ignored          int `json:"ignored"`
}

type Listener struct {
	mu    sync.Mutex
	stats Stats
}

func New() *Listener {
	return &Listener{}
}

// Handle is an events.Handler.
func (l *Listener) Handle(ctx context.Context, subject string, data []byte) error {
	switch subject {
	case events.OtpIssued:
		var ev events.OtpIssuedEvent
		if err := decode(subject, data, &ev); err != nil {
			return err
		}
		logger.InfoContext(ctx, "OTP issued",
			"phone", ev.PhoneNumber,
			"regenerated", ev.Regenerated,
			"attempts_remaining", ev.AttemptsRemaining,
		)
		l.count(func(s *Stats) { s.OtpIssued++ })

	case events.BookingActivated:
		var ev events.BookingActivatedEvent
		if err := decode(subject, data, &ev); err != nil {
			return err
		}
		logger.InfoContext(ctx, "Ticket issued",
			"booking_id", ev.BookingID,
			"seat", ev.Seat,
			"timeslot", ev.Timeslot,
		)
		l.count(func(s *Stats) { s.BookingActivated++ })

	case events.NotifyFailed:
		var ev events.NotifyFailedEvent
		if err := decode(subject, data, &ev); err != nil {
			return err
		}
		// Ticket failures need a human: the booking exists but the attendee has no SMS.
		if ev.Purpose == "ticket" {
			logger.ErrorContext(ctx, "Ticket SMS not delivered",
				"booking_id", ev.BookingID,
				"phone", ev.PhoneNumber,
				"reason", ev.Reason,
			)
		} else {
			logger.WarnContext(ctx, "OTP SMS not delivered", "phone", ev.PhoneNumber, "reason", ev.Reason)
		}
		l.count(func(s *Stats) { s.NotifyFailed++ })

	default:
		logger.DebugContext(ctx, "Ignoring event", "subject", subject)
		l.count(func(s *Stats) { s.Ignored++ })
	}
	return nil
}

func (l *Listener) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Listener) count(f func(*Stats)) {
	l.mu.Lock()
	f(&l.stats)
	l.mu.Unlock()
}

func decode(subject string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", subject, err)
	}
	return nil
}
