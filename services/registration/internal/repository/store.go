package repository

import (
	"context"
	"time"

	"github.com/diagnosis/smartregister/services/registration/internal/domain"
)

// RecordStore is the durable ticket table. Methods called with a context
// obtained inside WithTx run in that transaction.
type RecordStore interface {
	// WithTx runs fn in one transaction. Nested calls join the outer one.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// OTP bookkeeping
	// LockPhone serializes OTP mutations of one phone until the transaction ends.
	LockPhone(ctx context.Context, phone string) error
	InsertPending(ctx context.Context, otp domain.PendingOtp) (int64, error)
	// FindLatestPending returns the newest unconsumed pending OTP, or nil.
	// Inside a transaction the row stays locked until it ends.
	FindLatestPending(ctx context.Context, phone string) (*domain.PendingOtp, error)
	UpdateAttempts(ctx context.Context, id int64, attemptsRemaining int) error
	MarkVerified(ctx context.Context, id int64, verifiedAt time.Time, attemptsRemaining int) error
	DeletePending(ctx context.Context, phone string, filter PendingFilter) (int64, error)

	// Seat commit
	LockForCommit(ctx context.Context, seat, collegeID string) error
	IsSeatActive(ctx context.Context, seat string) (bool, error)
	IsCollegeIDActive(ctx context.Context, collegeID string) (bool, error)
	ActivateAndAssignSeat(ctx context.Context, a Activation) (domain.BookingRecord, error)

	ListActive(ctx context.Context) ([]domain.BookingRecord, error)
	Ping(ctx context.Context) error
}

// PendingFilter narrows DeletePending. The zero value removes the unverified
// pending rows of the phone; a verified row belongs to the session that
// verified it and is left alone. An empty phone matches all phones but is
// only honoured together with ExpiredBefore.
type PendingFilter struct {
	// ID restricts deletion to one row.
	ID int64
	// ExpiredBefore switches to the sweep: unverified rows that expired
	// before it and verified rows that were verified before it.
	ExpiredBefore time.Time
}

// Activation carries what a verified pending row becomes when it turns active.
type Activation struct {
	// PendingID is the verified row to activate. Zero takes the newest
	// verified row of the phone.
	PendingID     int64
	PhoneNumber   string
	Name          string
	CollegeID     string
	Timeslot      string
	Seat          string
	BookingID     string
	TicketDetails string
	ActivatedAt   time.Time
}
