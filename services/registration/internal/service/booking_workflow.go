package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/events"
	"github.com/diagnosis/smartregister/pkg/logger"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
	"github.com/diagnosis/smartregister/services/registration/internal/notifier"
	"github.com/diagnosis/smartregister/services/registration/internal/repository"
)

// BookingWorkflow drives one session from phone number to active ticket.
// Only RequestOtp, VerifyOtp, RegenerateOtp and CommitBooking advance a session.
type BookingWorkflow interface {
	StartSession(ctx context.Context, phone string) (*domain.Session, error)
	Session(ctx context.Context, id string) (*domain.Session, error)
	RequestOtp(ctx context.Context, sessionID string) (*domain.Session, error)
	VerifyOtp(ctx context.Context, sessionID, code string) (*domain.Session, error)
	RegenerateOtp(ctx context.Context, sessionID string) (*domain.Session, error)
	CommitBooking(ctx context.Context, sessionID string, details BookingDetails) (*CommitResult, error)
	// ListSeats returns occupancy together with the layout and the timeslots
	// a commit accepts.
	ListSeats(ctx context.Context) (*domain.SeatMap, error)
}

// BookingDetails is what the user enters once the phone is verified.
type BookingDetails struct {
	Name      string   `json:"name"`
	CollegeID string   `json:"college_id"`
	Timeslot  string   `json:"timeslot"`
	Seats     []string `json:"seats"`
}

// CommitResult carries the active ticket. Warning is set when the ticket
// SMS could not be sent; the booking stands regardless.
type CommitResult struct {
	Session *domain.Session      `json:"session"`
	Record  domain.BookingRecord `json:"booking"`
	Warning string               `json:"warning,omitempty"`
}

type bookingWorkflow struct {
	otp      OtpManager
	seats    SeatAllocator
	sessions repository.SessionRepository
	limiter  repository.RateLimitRepository
	notifier notifier.Service
	eventBus events.Publisher
	clock    clock.Clock
}

func NewBookingWorkflow(
	otp OtpManager,
	seats SeatAllocator,
	sessions repository.SessionRepository,
	limiter repository.RateLimitRepository,
	notifier notifier.Service,
	eventBus events.Publisher,
	clk clock.Clock,
) BookingWorkflow {
	return &bookingWorkflow{
		otp:      otp,
		seats:    seats,
		sessions: sessions,
		limiter:  limiter,
		notifier: notifier,
		eventBus: eventBus,
		clock:    clk,
	}
}

func (w *bookingWorkflow) StartSession(ctx context.Context, phone string) (*domain.Session, error) {
	phone = domain.NormalizePhone(phone)
	if err := domain.ValidatePhone(phone); err != nil {
		return nil, err
	}

	now := w.clock.Now()
	s := &domain.Session{
		ID:          uuid.NewString(),
		PhoneNumber: phone,
		State:       domain.StateUnauthenticated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := w.sessions.Save(ctx, s); err != nil {
		return nil, err
	}

	logger.InfoContext(logger.WithSession(ctx, s.ID), "Session started", "phone", domain.MaskPhone(phone))
	return s, nil
}

func (w *bookingWorkflow) Session(ctx context.Context, id string) (*domain.Session, error) {
	return w.sessions.Get(ctx, id)
}

func (w *bookingWorkflow) RequestOtp(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx = logger.WithSession(ctx, sessionID)
	s, err := w.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(s, domain.StateOtpPending); err != nil {
		return s, err
	}
	if err := w.allowOtpSend(ctx, s.PhoneNumber); err != nil {
		return s, err
	}

	handle, err := w.otp.RequestOtp(ctx, s.PhoneNumber)
	if err != nil {
		if errors.Is(err, domain.ErrDeliveryFailed) {
			w.fallBackToUnauthenticated(ctx, s)
		}
		return s, err
	}

	w.markPending(s, handle)
	return s, w.sessions.Save(ctx, s)
}

func (w *bookingWorkflow) VerifyOtp(ctx context.Context, sessionID, code string) (*domain.Session, error) {
	ctx = logger.WithSession(ctx, sessionID)
	s, err := w.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch s.State {
	case domain.StateOtpVerified:
		return s, nil
	case domain.StateCommitted:
		return s, domain.ErrSessionCommitted
	case domain.StateOtpPending:
	default:
		return s, fmt.Errorf("verify otp: %w", domain.ErrInvalidState)
	}

	if s.AttemptsRemaining <= 0 {
		return s, domain.ErrAttemptsExhausted
	}

	result, err := w.otp.Verify(ctx, s.PhoneNumber, code)
	switch {
	case errors.Is(err, domain.ErrOtpNotFound):
		s.AttemptsRemaining = 0
		s.UpdatedAt = w.clock.Now()
		if saveErr := w.sessions.Save(ctx, s); saveErr != nil {
			return s, saveErr
		}
		return s, err
	case err != nil:
		return s, err
	}

	now := w.clock.Now()
	s.AttemptsRemaining = result.AttemptsLeft
	s.UpdatedAt = now

	var outcomeErr error
	switch result.Outcome {
	case domain.OutcomeVerified:
		if err := s.Transition(domain.StateOtpVerified, now); err != nil {
			return s, err
		}
		s.VerifiedOtpID = result.OtpID
	case domain.OutcomeExpired:
		outcomeErr = domain.ErrOtpExpired
	default:
		outcomeErr = domain.ErrOtpMismatch
	}

	if err := w.sessions.Save(ctx, s); err != nil {
		return s, err
	}
	return s, outcomeErr
}

func (w *bookingWorkflow) RegenerateOtp(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx = logger.WithSession(ctx, sessionID)
	s, err := w.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch s.State {
	case domain.StateCommitted:
		return s, domain.ErrSessionCommitted
	case domain.StateOtpPending:
	default:
		return s, fmt.Errorf("regenerate otp: %w", domain.ErrInvalidState)
	}

	if s.AttemptsRemaining <= 0 {
		return s, domain.ErrAttemptsExhausted
	}
	if err := w.allowOtpSend(ctx, s.PhoneNumber); err != nil {
		return s, err
	}

	handle, err := w.otp.Regenerate(ctx, s.PhoneNumber)
	switch {
	case errors.Is(err, domain.ErrDeliveryFailed):
		w.fallBackToUnauthenticated(ctx, s)
		return s, err
	case errors.Is(err, domain.ErrAttemptsExhausted), errors.Is(err, domain.ErrOtpNotFound):
		s.AttemptsRemaining = 0
		s.UpdatedAt = w.clock.Now()
		if saveErr := w.sessions.Save(ctx, s); saveErr != nil {
			return s, saveErr
		}
		return s, err
	case err != nil:
		return s, err
	}

	w.markPending(s, handle)
	return s, w.sessions.Save(ctx, s)
}

func (w *bookingWorkflow) CommitBooking(ctx context.Context, sessionID string, details BookingDetails) (*CommitResult, error) {
	ctx = logger.WithSession(ctx, sessionID)
	s, err := w.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(s, domain.StateCommitted); err != nil {
		return nil, fmt.Errorf("commit booking: %w", err)
	}

	rec, err := w.seats.Commit(ctx, domain.CommitRequest{
		PhoneNumber:   s.PhoneNumber,
		Seats:         details.Seats,
		CollegeID:     details.CollegeID,
		Name:          details.Name,
		Timeslot:      details.Timeslot,
		VerifiedOtpID: s.VerifiedOtpID,
	})
	if errors.Is(err, domain.ErrNotVerified) {
		// The verified row is gone; the phone has to be verified again.
		w.fallBackToUnauthenticated(ctx, s)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	now := w.clock.Now()
	if err := s.Transition(domain.StateCommitted, now); err != nil {
		return nil, err
	}
	s.BookingID = rec.BookingID
	if err := w.sessions.Save(ctx, s); err != nil {
		// The ticket is active in the record store either way.
		logger.ErrorContext(ctx, "Failed to save committed session", "error", err, "booking_id", rec.BookingID)
	}

	publish(ctx, w.eventBus, events.BookingActivated, events.BookingActivatedEvent{
		BookingID:   rec.BookingID,
		PhoneNumber: domain.MaskPhone(rec.PhoneNumber),
		Seat:        rec.Seat,
		Timeslot:    rec.Timeslot,
		ActivatedAt: now,
	})

	result := &CommitResult{Session: s, Record: rec}
	if err := w.notifier.Send(ctx, rec.PhoneNumber, domain.TicketMessage(rec.TicketDetails)); err != nil {
		logger.WarnContext(ctx, "Ticket delivery failed", "error", err, "booking_id", rec.BookingID)
		result.Warning = fmt.Sprintf("%s: %v", domain.ErrDeliveryFailed, err)
		publish(ctx, w.eventBus, events.NotifyFailed, events.NotifyFailedEvent{
			PhoneNumber: domain.MaskPhone(rec.PhoneNumber),
			Purpose:     "ticket",
			BookingID:   rec.BookingID,
			Reason:      err.Error(),
			FailedAt:    w.clock.Now(),
		})
	}
	return result, nil
}

func (w *bookingWorkflow) ListSeats(ctx context.Context) (*domain.SeatMap, error) {
	seats, err := w.seats.ListSeats(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.SeatMap{
		Layout:    w.seats.Layout(),
		Timeslots: w.seats.Timeslots(),
		Seats:     seats,
	}, nil
}

// allowOtpSend applies the per-phone send limit. Limiter failures let the
// request through.
func (w *bookingWorkflow) allowOtpSend(ctx context.Context, phone string) error {
	ok, err := w.limiter.Allow(ctx, "otp:"+phone)
	if err != nil {
		logger.WarnContext(ctx, "Rate limiter unavailable", "error", err)
		return nil
	}
	if !ok {
		logger.WarnContext(ctx, "OTP send rate limited", "phone", domain.MaskPhone(phone))
		return domain.ErrRateLimited
	}
	return nil
}

func (w *bookingWorkflow) markPending(s *domain.Session, handle domain.OtpHandle) {
	now := w.clock.Now()
	s.State = domain.StateOtpPending
	s.AttemptsRemaining = handle.AttemptsRemaining
	s.OtpExpiresAt = handle.ExpiresAt
	s.UpdatedAt = now
}

func (w *bookingWorkflow) fallBackToUnauthenticated(ctx context.Context, s *domain.Session) {
	if s.State == domain.StateUnauthenticated {
		return
	}
	s.State = domain.StateUnauthenticated
	s.AttemptsRemaining = 0
	s.OtpExpiresAt = time.Time{}
	s.VerifiedOtpID = 0
	s.UpdatedAt = w.clock.Now()
	if err := w.sessions.Save(ctx, s); err != nil {
		logger.ErrorContext(ctx, "Failed to save session", "error", err)
	}
}

func checkTransition(s *domain.Session, to domain.SessionState) error {
	if s.State == domain.StateCommitted {
		return domain.ErrSessionCommitted
	}
	if !s.CanTransition(to) {
		return domain.ErrInvalidState
	}
	return nil
}
