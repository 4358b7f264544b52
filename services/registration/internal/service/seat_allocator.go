package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/config"
	"github.com/diagnosis/smartregister/pkg/logger"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
	"github.com/diagnosis/smartregister/services/registration/internal/repository"
)

// SeatAllocator owns seat occupancy and the pending to active flip.
type SeatAllocator interface {
	IsOccupied(ctx context.Context, seat string) (bool, error)
	// Reserve is advisory; it holds nothing.
	Reserve(ctx context.Context, seat string) (domain.Reservation, error)
	ListSeats(ctx context.Context) ([]domain.SeatStatus, error)
	Commit(ctx context.Context, req domain.CommitRequest) (domain.BookingRecord, error)
	Layout() domain.SeatLayout
	Timeslots() []string
}

const maxBookingIDAttempts = 5

type seatAllocator struct {
	store        repository.RecordStore
	clock        clock.Clock
	layout       domain.SeatLayout
	timeslots    []string
	newBookingID func() (string, error)
}

func NewSeatAllocator(store repository.RecordStore, clk clock.Clock, cfg config.EventConfig) SeatAllocator {
	return &seatAllocator{
		store:        store,
		clock:        clk,
		layout:       domain.SeatLayout{Rows: cfg.SeatRows, Columns: cfg.SeatColumns},
		timeslots:    cfg.Timeslots,
		newBookingID: generateBookingID,
	}
}

func (a *seatAllocator) Layout() domain.SeatLayout {
	return a.layout
}

func (a *seatAllocator) Timeslots() []string {
	return append([]string(nil), a.timeslots...)
}

func (a *seatAllocator) IsOccupied(ctx context.Context, seat string) (bool, error) {
	seat = domain.NormalizeSeat(seat)
	if !a.layout.Contains(seat) {
		return false, &domain.ValidationError{Field: "seat", Message: "seat " + seat + " is not in the hall"}
	}
	return a.store.IsSeatActive(ctx, seat)
}

func (a *seatAllocator) Reserve(ctx context.Context, seat string) (domain.Reservation, error) {
	occupied, err := a.IsOccupied(ctx, seat)
	if err != nil {
		return domain.Reservation{}, err
	}

	res := domain.Reservation{Seat: domain.NormalizeSeat(seat), Status: domain.Reserved}
	if occupied {
		res.Status = domain.Conflict
	}
	return res, nil
}

func (a *seatAllocator) ListSeats(ctx context.Context) ([]domain.SeatStatus, error) {
	active, err := a.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	taken := make(map[string]bool, len(active))
	for _, rec := range active {
		taken[rec.Seat] = true
	}

	seats := make([]domain.SeatStatus, 0, a.layout.Rows*a.layout.Columns)
	for r := 1; r <= a.layout.Rows; r++ {
		for c := 1; c <= a.layout.Columns; c++ {
			id := domain.SeatID(r, c)
			seats = append(seats, domain.SeatStatus{
				Seat:     id,
				Row:      r,
				Column:   string(rune('A' + c - 1)),
				Occupied: taken[id],
			})
		}
	}
	return seats, nil
}

// Commit validates the request, then checks seat and college id and activates
// the verified pending row in one store transaction. A booking id collision
// draws a new id; store contention is retried once.
func (a *seatAllocator) Commit(ctx context.Context, req domain.CommitRequest) (domain.BookingRecord, error) {
	req.Seats = append([]string(nil), req.Seats...)
	req.Normalize()
	if err := req.Validate(a.layout, a.timeslots); err != nil {
		return domain.BookingRecord{}, err
	}

	retried := false
	for attempt := 1; ; attempt++ {
		bookingID, err := a.newBookingID()
		if err != nil {
			return domain.BookingRecord{}, fmt.Errorf("generate booking id: %w", err)
		}

		rec, err := a.commitOnce(ctx, req, bookingID)
		switch {
		case err == nil:
			logger.InfoContext(ctx, "Booking activated",
				"booking_id", rec.BookingID,
				"seat", rec.Seat,
				"timeslot", rec.Timeslot,
			)
			return rec, nil
		case errors.Is(err, domain.ErrBookingIDTaken) && attempt < maxBookingIDAttempts:
			logger.DebugContext(ctx, "Booking id collision", "booking_id", bookingID)
		case errors.Is(err, domain.ErrStoreContention) && !retried:
			retried = true
			logger.WarnContext(ctx, "Commit contention, retrying", "error", err)
		default:
			return domain.BookingRecord{}, err
		}
	}
}

func (a *seatAllocator) commitOnce(ctx context.Context, req domain.CommitRequest, bookingID string) (domain.BookingRecord, error) {
	seat := req.Seats[0]
	details := domain.FormatTicket(domain.BookingRecord{
		BookingID:   bookingID,
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		CollegeID:   req.CollegeID,
		Timeslot:    req.Timeslot,
		Seat:        seat,
	})

	var rec domain.BookingRecord
	err := a.store.WithTx(ctx, func(ctx context.Context) error {
		if err := a.store.LockForCommit(ctx, seat, req.CollegeID); err != nil {
			return err
		}

		taken, err := a.store.IsSeatActive(ctx, seat)
		if err != nil {
			return err
		}
		if taken {
			return domain.ErrSeatConflict
		}

		dup, err := a.store.IsCollegeIDActive(ctx, req.CollegeID)
		if err != nil {
			return err
		}
		if dup {
			return domain.ErrDuplicateIdentity
		}

		rec, err = a.store.ActivateAndAssignSeat(ctx, repository.Activation{
			PendingID:     req.VerifiedOtpID,
			PhoneNumber:   req.PhoneNumber,
			Name:          req.Name,
			CollegeID:     req.CollegeID,
			Timeslot:      req.Timeslot,
			Seat:          seat,
			BookingID:     bookingID,
			TicketDetails: details,
			ActivatedAt:   a.clock.Now(),
		})
		return err
	})
	return rec, err
}

// generateBookingID draws "BK" followed by six digits, 100000 to 999999.
func generateBookingID() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("BK%d", n.Int64()+100000), nil
}
