package domain

import "time"

type SessionState string

const (
	StateUnauthenticated SessionState = "unauthenticated"
	StateOtpPending      SessionState = "otp_pending"
	StateOtpVerified     SessionState = "otp_verified"
	StateCommitted       SessionState = "committed"
)

var transitions = map[SessionState][]SessionState{
	StateUnauthenticated: {StateOtpPending},
	StateOtpPending:      {StateOtpPending, StateOtpVerified, StateUnauthenticated},
	StateOtpVerified:     {StateCommitted, StateUnauthenticated},
}

// Session is one user's walk through the booking flow.
type Session struct {
	ID                string       `json:"id"`
	PhoneNumber       string       `json:"phone_number"`
	State             SessionState `json:"state"`
	AttemptsRemaining int          `json:"attempts_remaining"`
	OtpExpiresAt      time.Time    `json:"otp_expires_at"`
	VerifiedOtpID     int64        `json:"verified_otp_id,omitempty"`
	BookingID         string       `json:"booking_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (s *Session) CanTransition(to SessionState) bool {
	for _, next := range transitions[s.State] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the session to the next state or reports ErrInvalidState.
// Committed is terminal.
func (s *Session) Transition(to SessionState, now time.Time) error {
	if s.State == StateCommitted {
		return ErrSessionCommitted
	}
	if !s.CanTransition(to) {
		return ErrInvalidState
	}
	s.State = to
	s.UpdatedAt = now
	return nil
}
