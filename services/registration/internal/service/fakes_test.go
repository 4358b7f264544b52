package service

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/config"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
	"github.com/diagnosis/smartregister/services/registration/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

const testPhone = "+911234567890"

var timeslots = []string{"10:00 AM - 1:00 PM", "2:00 PM - 5:00 PM"}

func otpConfig() config.OTPConfig {
	return config.OTPConfig{
		ValidityWindow: 30 * time.Second,
		AttemptLimit:   3,
		HashCost:       bcrypt.MinCost,
	}
}

func eventConfig() config.EventConfig {
	return config.EventConfig{Name: "Workshop", SeatRows: 5, SeatColumns: 10, Timeslots: timeslots}
}

type sentMessage struct {
	phone string
	text  string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, phone, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{phone: phone, text: text})
	return nil
}

func (f *fakeNotifier) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

var otpText = regexp.MustCompile(`Your OTP is (\d{6})\.`)

// lastCode returns the most recent OTP sent to phone.
func (f *fakeNotifier) lastCode(t *testing.T, phone string) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].phone != phone {
			continue
		}
		if m := otpText.FindStringSubmatch(f.sent[i].text); m != nil {
			return m[1]
		}
	}
	t.Fatalf("no otp sent to %s", phone)
	return ""
}

func (f *fakeNotifier) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []any
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.events = append(p.events, data)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published(subject string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for i, s := range p.subjects {
		if s == subject {
			out = append(out, p.events[i])
		}
	}
	return out
}

// countingStore counts every call that reaches the wrapped store.
type countingStore struct {
	repository.RecordStore
	calls atomic.Int64
}

func (c *countingStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	c.calls.Add(1)
	return c.RecordStore.WithTx(ctx, fn)
}

func (c *countingStore) FindLatestPending(ctx context.Context, phone string) (*domain.PendingOtp, error) {
	c.calls.Add(1)
	return c.RecordStore.FindLatestPending(ctx, phone)
}

func (c *countingStore) LockForCommit(ctx context.Context, seat, collegeID string) error {
	c.calls.Add(1)
	return c.RecordStore.LockForCommit(ctx, seat, collegeID)
}

func (c *countingStore) IsSeatActive(ctx context.Context, seat string) (bool, error) {
	c.calls.Add(1)
	return c.RecordStore.IsSeatActive(ctx, seat)
}

// contendedStore fails the first n activations with store contention.
type contendedStore struct {
	repository.RecordStore
	mu       sync.Mutex
	n        int
	attempts int
}

func (c *contendedStore) ActivateAndAssignSeat(ctx context.Context, a repository.Activation) (domain.BookingRecord, error) {
	c.mu.Lock()
	c.attempts++
	fail := c.attempts <= c.n
	c.mu.Unlock()
	if fail {
		return domain.BookingRecord{}, domain.StoreError("activate", domain.ErrStoreContention)
	}
	return c.RecordStore.ActivateAndAssignSeat(ctx, a)
}

// markVerified gives phone a verified pending row without going through OTP.
func markVerified(t *testing.T, store repository.RecordStore, phone string) {
	t.Helper()
	ctx := context.Background()
	id, err := store.InsertPending(ctx, domain.PendingOtp{
		PhoneNumber:       phone,
		CodeHash:          "unused",
		CreatedAt:         t0,
		ExpiresAt:         t0.Add(30 * time.Second),
		AttemptsRemaining: 3,
	})
	require.NoError(t, err)
	require.NoError(t, store.MarkVerified(ctx, id, t0, 3))
}

// wrongCode returns a six digit code that differs from code.
func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func newManualClock() *clock.Manual {
	return clock.NewManual(t0)
}
