package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/events"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
	"github.com/diagnosis/smartregister/services/registration/internal/repository"
)

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

type workflowFixture struct {
	workflow BookingWorkflow
	store    *countingStore
	notifier *fakeNotifier
	events   *recordingPublisher
	limiter  *fakeLimiter
	clock    *clock.Manual
}

func newWorkflowFixture() *workflowFixture {
	f := &workflowFixture{
		store:    &countingStore{RecordStore: repository.NewMemoryStore()},
		notifier: &fakeNotifier{},
		events:   &recordingPublisher{},
		limiter:  &fakeLimiter{allow: true},
		clock:    newManualClock(),
	}
	otp := NewOtpManager(f.store, f.notifier, f.events, f.clock, otpConfig())
	seats := NewSeatAllocator(f.store, f.clock, eventConfig())
	sessions := repository.NewMemorySessionRepository(f.clock, 30*time.Minute)
	f.workflow = NewBookingWorkflow(otp, seats, sessions, f.limiter, f.notifier, f.events, f.clock)
	return f
}

func details(seat, college string) BookingDetails {
	return BookingDetails{
		Name:      "Asha Rao",
		CollegeID: college,
		Timeslot:  timeslots[1],
		Seats:     []string{seat},
	}
}

// verifiedSession walks a fresh session up to OtpVerified.
func (f *workflowFixture) verifiedSession(t *testing.T, phone string) *domain.Session {
	t.Helper()
	ctx := context.Background()

	s, err := f.workflow.StartSession(ctx, phone)
	require.NoError(t, err)
	_, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)
	s, err = f.workflow.VerifyOtp(ctx, s.ID, f.notifier.lastCode(t, phone))
	require.NoError(t, err)
	require.Equal(t, domain.StateOtpVerified, s.State)
	return s
}

func TestWorkflowHappyPath(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	s, err := f.workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnauthenticated, s.State)
	assert.NotEmpty(t, s.ID)

	s, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOtpPending, s.State)
	assert.Equal(t, 3, s.AttemptsRemaining)
	assert.Equal(t, t0.Add(30*time.Second), s.OtpExpiresAt)
	assert.Equal(t, []string{"otp:" + testPhone}, f.limiter.keys)

	code := f.notifier.lastCode(t, testPhone)
	s, err = f.workflow.VerifyOtp(ctx, s.ID, wrongCode(code))
	assert.ErrorIs(t, err, domain.ErrOtpMismatch)
	assert.Equal(t, domain.StateOtpPending, s.State)
	assert.Equal(t, 2, s.AttemptsRemaining)

	s, err = f.workflow.VerifyOtp(ctx, s.ID, code)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOtpVerified, s.State)

	result, err := f.workflow.CommitBooking(ctx, s.ID, details("3C", "1602-23-737-012"))
	require.NoError(t, err)
	assert.Empty(t, result.Warning)
	assert.Equal(t, domain.StateCommitted, result.Session.State)
	assert.Equal(t, result.Record.BookingID, result.Session.BookingID)
	assert.True(t, domain.IsBookingID(result.Record.BookingID))

	msgs := f.notifier.messages()
	ticket := msgs[len(msgs)-1]
	assert.Equal(t, testPhone, ticket.phone)
	assert.True(t, strings.HasPrefix(ticket.text, "Your workshop ticket:\nBooking ID: "+result.Record.BookingID))
	assert.Contains(t, ticket.text, "Seat: 3C")

	activated := f.events.published(events.BookingActivated)
	require.Len(t, activated, 1)
	assert.Equal(t, "3C", activated[0].(events.BookingActivatedEvent).Seat)

	stored, err := f.workflow.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, stored.State)
}

func TestWorkflowCommittedIsTerminal(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	s := f.verifiedSession(t, testPhone)

	_, err := f.workflow.CommitBooking(ctx, s.ID, details("3C", "1602-23-737-012"))
	require.NoError(t, err)

	_, err = f.workflow.RequestOtp(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionCommitted)
	_, err = f.workflow.VerifyOtp(ctx, s.ID, "123456")
	assert.ErrorIs(t, err, domain.ErrSessionCommitted)
	_, err = f.workflow.RegenerateOtp(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionCommitted)
	_, err = f.workflow.CommitBooking(ctx, s.ID, details("4C", "1602-23-737-013"))
	assert.ErrorIs(t, err, domain.ErrSessionCommitted)
}

func TestWorkflowOutOfOrderCalls(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	s, err := f.workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)

	_, err = f.workflow.VerifyOtp(ctx, s.ID, "123456")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.workflow.RegenerateOtp(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.workflow.CommitBooking(ctx, s.ID, details("3C", "1602-23-737-012"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.workflow.CommitBooking(ctx, s.ID, details("3C", "1602-23-737-012"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.workflow.Session(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = f.workflow.StartSession(ctx, "call me")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestWorkflowVerifiedSessionStaysVerified(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	s := f.verifiedSession(t, testPhone)

	s, err := f.workflow.VerifyOtp(ctx, s.ID, "000000")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOtpVerified, s.State)

	_, err = f.workflow.RequestOtp(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestWorkflowExhaustedBudgetSkipsStorage(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	s, err := f.workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)
	_, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)
	code := f.notifier.lastCode(t, testPhone)

	for i := 0; i < 3; i++ {
		s, err = f.workflow.VerifyOtp(ctx, s.ID, wrongCode(code))
		require.ErrorIs(t, err, domain.ErrOtpMismatch)
	}
	assert.Equal(t, 0, s.AttemptsRemaining)

	before := f.store.calls.Load()
	_, err = f.workflow.VerifyOtp(ctx, s.ID, code)
	assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)
	_, err = f.workflow.RegenerateOtp(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrAttemptsExhausted)
	assert.Equal(t, before, f.store.calls.Load(), "exhausted session must not reach the store")

	s, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, s.AttemptsRemaining)

	s, err = f.workflow.VerifyOtp(ctx, s.ID, f.notifier.lastCode(t, testPhone))
	require.NoError(t, err)
	assert.Equal(t, domain.StateOtpVerified, s.State)
}

func TestWorkflowRestartsAfterExhaustionAreRateLimited(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	limiter := repository.NewMemoryRateLimitRepository(f.clock, 2, 15*time.Minute)
	sessions := repository.NewMemorySessionRepository(f.clock, 30*time.Minute)
	workflow := NewBookingWorkflow(
		NewOtpManager(f.store, f.notifier, f.events, f.clock, otpConfig()),
		NewSeatAllocator(f.store, f.clock, eventConfig()),
		sessions, limiter, f.notifier, f.events, f.clock,
	)

	s, err := workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)
	for round := 0; round < 2; round++ {
		_, err = workflow.RequestOtp(ctx, s.ID)
		require.NoError(t, err)
		code := f.notifier.lastCode(t, testPhone)
		for i := 0; i < 3; i++ {
			s, err = workflow.VerifyOtp(ctx, s.ID, wrongCode(code))
			require.ErrorIs(t, err, domain.ErrOtpMismatch)
		}
	}

	_, err = workflow.RequestOtp(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	other, err := workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)
	_, err = workflow.RequestOtp(ctx, other.ID)
	assert.ErrorIs(t, err, domain.ErrRateLimited, "the limit is per phone, not per session")

	f.clock.Advance(15 * time.Minute)
	_, err = workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)
}

func TestWorkflowRegenerateSpendsBudget(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	s, err := f.workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)
	_, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	s, err = f.workflow.RegenerateOtp(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOtpPending, s.State)
	assert.Equal(t, 2, s.AttemptsRemaining)
	assert.Equal(t, t0.Add(50*time.Second), s.OtpExpiresAt)

	s, err = f.workflow.VerifyOtp(ctx, s.ID, f.notifier.lastCode(t, testPhone))
	require.NoError(t, err)
	assert.Equal(t, domain.StateOtpVerified, s.State)
}

func TestWorkflowExpiredOtp(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	s, err := f.workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)
	_, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	s, err = f.workflow.VerifyOtp(ctx, s.ID, f.notifier.lastCode(t, testPhone))
	assert.ErrorIs(t, err, domain.ErrOtpExpired)
	assert.Equal(t, domain.StateOtpPending, s.State)
	assert.Equal(t, 2, s.AttemptsRemaining)
}

func TestWorkflowOtpDeliveryFailure(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	s, err := f.workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)

	f.notifier.fail(errors.New("carrier down"))
	_, err = f.workflow.RequestOtp(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrDeliveryFailed)

	s, err = f.workflow.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnauthenticated, s.State)

	f.notifier.fail(nil)
	_, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)

	f.notifier.fail(errors.New("carrier down"))
	_, err = f.workflow.RegenerateOtp(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrDeliveryFailed)

	s, err = f.workflow.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnauthenticated, s.State)
}

func TestWorkflowConflictKeepsVerification(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	first := f.verifiedSession(t, "+911000000001")
	_, err := f.workflow.CommitBooking(ctx, first.ID, details("3C", "1602-23-737-012"))
	require.NoError(t, err)

	second := f.verifiedSession(t, "+911000000002")
	_, err = f.workflow.CommitBooking(ctx, second.ID, details("3C", "1602-23-737-099"))
	require.ErrorIs(t, err, domain.ErrSeatConflict)
	_, err = f.workflow.CommitBooking(ctx, second.ID, details("3D", "1602-23-737-012"))
	require.ErrorIs(t, err, domain.ErrDuplicateIdentity)
	_, err = f.workflow.CommitBooking(ctx, second.ID, details("3D", "bad"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	s, err := f.workflow.Session(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOtpVerified, s.State)

	result, err := f.workflow.CommitBooking(ctx, second.ID, details("3D", "1602-23-737-099"))
	require.NoError(t, err)
	assert.Equal(t, "3D", result.Record.Seat)
}

func TestWorkflowSessionsOfOnePhoneAreIndependent(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	first := f.verifiedSession(t, testPhone)
	assert.NotZero(t, first.VerifiedOtpID)

	second, err := f.workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)
	_, err = f.workflow.RequestOtp(ctx, second.ID)
	require.NoError(t, err)

	result, err := f.workflow.CommitBooking(ctx, first.ID, details("3C", "1602-23-737-012"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, result.Session.State)
	assert.Equal(t, first.VerifiedOtpID, result.Record.ID)

	second, err = f.workflow.VerifyOtp(ctx, second.ID, f.notifier.lastCode(t, testPhone))
	require.NoError(t, err)
	require.Equal(t, domain.StateOtpVerified, second.State)

	result, err = f.workflow.CommitBooking(ctx, second.ID, details("3D", "1602-23-737-099"))
	require.NoError(t, err)
	assert.Equal(t, second.VerifiedOtpID, result.Record.ID)
}

func TestWorkflowLostVerificationRestarts(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	s := f.verifiedSession(t, testPhone)

	_, err := f.store.DeletePending(ctx, "", repository.PendingFilter{ExpiredBefore: t0.Add(time.Hour)})
	require.NoError(t, err)

	_, err = f.workflow.CommitBooking(ctx, s.ID, details("3C", "1602-23-737-012"))
	require.ErrorIs(t, err, domain.ErrNotVerified)

	s, err = f.workflow.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnauthenticated, s.State)
	assert.Zero(t, s.VerifiedOtpID)

	_, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err)
	s, err = f.workflow.VerifyOtp(ctx, s.ID, f.notifier.lastCode(t, testPhone))
	require.NoError(t, err)

	result, err := f.workflow.CommitBooking(ctx, s.ID, details("3C", "1602-23-737-012"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, result.Session.State)
}

func TestWorkflowTicketDeliveryFailureIsWarning(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()
	s := f.verifiedSession(t, testPhone)

	f.notifier.fail(errors.New("carrier down"))
	result, err := f.workflow.CommitBooking(ctx, s.ID, details("1A", "1602-23-737-012"))
	require.NoError(t, err)
	assert.Contains(t, result.Warning, domain.ErrDeliveryFailed.Error())
	assert.Equal(t, domain.StateCommitted, result.Session.State)

	active, err := f.store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, result.Record.BookingID, active[0].BookingID)

	failed := f.events.published(events.NotifyFailed)
	require.Len(t, failed, 1)
	ev := failed[0].(events.NotifyFailedEvent)
	assert.Equal(t, "ticket", ev.Purpose)
	assert.Equal(t, result.Record.BookingID, ev.BookingID)
}

func TestWorkflowRateLimit(t *testing.T) {
	f := newWorkflowFixture()
	ctx := context.Background()

	s, err := f.workflow.StartSession(ctx, testPhone)
	require.NoError(t, err)

	f.limiter.allow = false
	_, err = f.workflow.RequestOtp(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, f.notifier.messages())

	f.limiter.err = errors.New("redis down")
	s, err = f.workflow.RequestOtp(ctx, s.ID)
	require.NoError(t, err, "limiter failures let requests through")
	assert.Equal(t, domain.StateOtpPending, s.State)
}
