package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/diagnosis/smartregister/services/registration/internal/domain"
)

type memTxKey struct{}

type memRow struct {
	rec       domain.BookingRecord
	codeHash  string
	expiresAt time.Time
	attempts  int
}

// MemoryStore keeps the ticket table in process. A transaction holds the
// store-wide lock and restores a snapshot when it fails. Single process only.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*memRow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]*memRow)}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inTx(ctx) {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	nextID, snapshot := m.nextID, m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		m.nextID, m.rows = nextID, snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(memTxKey{}).(*MemoryStore)
	return owner == m
}

func (m *MemoryStore) lock(ctx context.Context) func() {
	if m.inTx(ctx) {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryStore) snapshot() map[int64]*memRow {
	out := make(map[int64]*memRow, len(m.rows))
	for id, r := range m.rows {
		cp := *r
		out[id] = &cp
	}
	return out
}

func (m *MemoryStore) InsertPending(ctx context.Context, otp domain.PendingOtp) (int64, error) {
	defer m.lock(ctx)()

	m.nextID++
	m.rows[m.nextID] = &memRow{
		rec: domain.BookingRecord{
			ID:          m.nextID,
			PhoneNumber: otp.PhoneNumber,
			Status:      domain.StatusPending,
			CreatedAt:   otp.CreatedAt,
		},
		codeHash:  otp.CodeHash,
		expiresAt: otp.ExpiresAt,
		attempts:  otp.AttemptsRemaining,
	}
	return m.nextID, nil
}

func (m *MemoryStore) FindLatestPending(ctx context.Context, phone string) (*domain.PendingOtp, error) {
	defer m.lock(ctx)()

	row := m.latestPending(phone, false)
	if row == nil {
		return nil, nil
	}
	return &domain.PendingOtp{
		ID:                row.rec.ID,
		PhoneNumber:       row.rec.PhoneNumber,
		CodeHash:          row.codeHash,
		CreatedAt:         row.rec.CreatedAt,
		ExpiresAt:         row.expiresAt,
		AttemptsRemaining: row.attempts,
	}, nil
}

// latestPending picks the newest pending row of phone that is verified or not.
func (m *MemoryStore) latestPending(phone string, verified bool) *memRow {
	var latest *memRow
	for _, r := range m.rows {
		if r.rec.PhoneNumber != phone || r.rec.Status != domain.StatusPending {
			continue
		}
		if (r.rec.VerifiedAt != nil) != verified {
			continue
		}
		if latest == nil || r.rec.ID > latest.rec.ID {
			latest = r
		}
	}
	return latest
}

func (m *MemoryStore) verifiedRow(id int64, phone string) *memRow {
	r, ok := m.rows[id]
	if !ok || r.rec.PhoneNumber != phone || r.rec.Status != domain.StatusPending || r.rec.VerifiedAt == nil {
		return nil
	}
	return r
}

func (m *MemoryStore) UpdateAttempts(ctx context.Context, id int64, attemptsRemaining int) error {
	defer m.lock(ctx)()

	r, ok := m.rows[id]
	if !ok || r.rec.Status != domain.StatusPending {
		return domain.ErrOtpNotFound
	}
	r.attempts = attemptsRemaining
	return nil
}

func (m *MemoryStore) MarkVerified(ctx context.Context, id int64, verifiedAt time.Time, attemptsRemaining int) error {
	defer m.lock(ctx)()

	r, ok := m.rows[id]
	if !ok || r.rec.Status != domain.StatusPending || r.rec.VerifiedAt != nil {
		return domain.ErrOtpNotFound
	}
	at := verifiedAt
	r.rec.VerifiedAt = &at
	r.attempts = attemptsRemaining
	return nil
}

func (m *MemoryStore) DeletePending(ctx context.Context, phone string, filter PendingFilter) (int64, error) {
	if phone == "" && filter.ExpiredBefore.IsZero() {
		return 0, fmt.Errorf("%w: delete pending needs a phone number or an expiry bound", domain.ErrInvalidInput)
	}
	defer m.lock(ctx)()

	var n int64
	for id, r := range m.rows {
		if r.rec.Status != domain.StatusPending {
			continue
		}
		if phone != "" && r.rec.PhoneNumber != phone {
			continue
		}
		if filter.ID != 0 && id != filter.ID {
			continue
		}
		if !m.pendingMatches(r, filter.ExpiredBefore) {
			continue
		}
		delete(m.rows, id)
		n++
	}
	return n, nil
}

// pendingMatches applies the verified-state part of PendingFilter.
func (m *MemoryStore) pendingMatches(r *memRow, expiredBefore time.Time) bool {
	if expiredBefore.IsZero() {
		return r.rec.VerifiedAt == nil
	}
	if r.rec.VerifiedAt != nil {
		return r.rec.VerifiedAt.Before(expiredBefore)
	}
	return r.expiresAt.Before(expiredBefore)
}

// LockPhone is a no-op: the transaction already holds the store lock.
func (m *MemoryStore) LockPhone(context.Context, string) error {
	return nil
}

// LockForCommit is a no-op: the transaction already holds the store lock.
func (m *MemoryStore) LockForCommit(context.Context, string, string) error {
	return nil
}

func (m *MemoryStore) IsSeatActive(ctx context.Context, seat string) (bool, error) {
	defer m.lock(ctx)()
	return m.activeWhere(func(r *memRow) bool { return r.rec.Seat == seat }), nil
}

func (m *MemoryStore) IsCollegeIDActive(ctx context.Context, collegeID string) (bool, error) {
	defer m.lock(ctx)()
	return m.activeWhere(func(r *memRow) bool { return r.rec.CollegeID == collegeID }), nil
}

func (m *MemoryStore) activeWhere(match func(*memRow) bool) bool {
	for _, r := range m.rows {
		if r.rec.Status == domain.StatusActive && match(r) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ActivateAndAssignSeat(ctx context.Context, a Activation) (domain.BookingRecord, error) {
	defer m.lock(ctx)()

	row := m.latestPending(a.PhoneNumber, true)
	if a.PendingID != 0 {
		row = m.verifiedRow(a.PendingID, a.PhoneNumber)
	}
	if row == nil {
		return domain.BookingRecord{}, domain.ErrNotVerified
	}
	switch {
	case m.activeWhere(func(r *memRow) bool { return r.rec.Seat == a.Seat }):
		return domain.BookingRecord{}, domain.ErrSeatConflict
	case m.activeWhere(func(r *memRow) bool { return r.rec.CollegeID == a.CollegeID }):
		return domain.BookingRecord{}, domain.ErrDuplicateIdentity
	case m.activeWhere(func(r *memRow) bool { return r.rec.BookingID == a.BookingID }):
		return domain.BookingRecord{}, domain.ErrBookingIDTaken
	}

	at := a.ActivatedAt
	row.rec.Name = a.Name
	row.rec.CollegeID = a.CollegeID
	row.rec.Timeslot = a.Timeslot
	row.rec.Seat = a.Seat
	row.rec.BookingID = a.BookingID
	row.rec.TicketDetails = a.TicketDetails
	row.rec.Status = domain.StatusActive
	row.rec.ActivatedAt = &at
	row.codeHash = ""

	return row.rec, nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]domain.BookingRecord, error) {
	defer m.lock(ctx)()

	out := make([]domain.BookingRecord, 0)
	for _, r := range m.rows {
		if r.rec.Status == domain.StatusActive {
			out = append(out, r.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
