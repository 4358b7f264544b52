package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/diagnosis/smartregister/services/registration/internal/domain"
)

// PgxPool is the part of *pgxpool.Pool the store uses.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTxKey struct{}

// Advisory lock classes. LockForCommit takes seat before college id.
const (
	seatLockClass    = 1
	collegeLockClass = 2
	phoneLockClass   = 3
)

type PostgresStore struct {
	pool PgxPool
}

func NewPostgresStore(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if pgTxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPgError("begin", err)
	}

	txCtx := context.WithValue(ctx, pgTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit", err)
	}
	return nil
}

func pgTxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(pgTxKey{}).(pgx.Tx)
	return tx
}

func (s *PostgresStore) conn(ctx context.Context) pgxQuerier {
	if tx := pgTxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *PostgresStore) InsertPending(ctx context.Context, otp domain.PendingOtp) (int64, error) {
	const q = `
		INSERT INTO tickets (phone_number, otp_hash, created_at, expires_at, attempts_remaining, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING id`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var id int64
	err := s.conn(ctx).QueryRow(ctx, q,
		otp.PhoneNumber, otp.CodeHash, otp.CreatedAt, otp.ExpiresAt, otp.AttemptsRemaining).Scan(&id)
	if err != nil {
		return 0, mapPgError("insert pending", err)
	}
	return id, nil
}

func (s *PostgresStore) FindLatestPending(ctx context.Context, phone string) (*domain.PendingOtp, error) {
	const q = `
		SELECT id, phone_number, otp_hash, created_at, expires_at, attempts_remaining
		FROM tickets
		WHERE phone_number = $1 AND status = 'pending' AND verified_at IS NULL
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var otp domain.PendingOtp
	err := s.conn(ctx).QueryRow(ctx, q, phone).
		Scan(&otp.ID, &otp.PhoneNumber, &otp.CodeHash, &otp.CreatedAt, &otp.ExpiresAt, &otp.AttemptsRemaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgError("find pending", err)
	}
	return &otp, nil
}

func (s *PostgresStore) UpdateAttempts(ctx context.Context, id int64, attemptsRemaining int) error {
	const q = `UPDATE tickets SET attempts_remaining = $1 WHERE id = $2 AND status = 'pending'`
	return s.execOne(ctx, "update attempts", q, attemptsRemaining, id)
}

func (s *PostgresStore) MarkVerified(ctx context.Context, id int64, verifiedAt time.Time, attemptsRemaining int) error {
	const q = `
		UPDATE tickets SET verified_at = $1, attempts_remaining = $2
		WHERE id = $3 AND status = 'pending' AND verified_at IS NULL`
	return s.execOne(ctx, "mark verified", q, verifiedAt, attemptsRemaining, id)
}

func (s *PostgresStore) execOne(ctx context.Context, op, q string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tag, err := s.conn(ctx).Exec(ctx, q, args...)
	if err != nil {
		return mapPgError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOtpNotFound
	}
	return nil
}

func (s *PostgresStore) DeletePending(ctx context.Context, phone string, filter PendingFilter) (int64, error) {
	if phone == "" && filter.ExpiredBefore.IsZero() {
		return 0, fmt.Errorf("%w: delete pending needs a phone number or an expiry bound", domain.ErrInvalidInput)
	}

	// Zero-valued arguments switch their predicate off.
	const q = `
		DELETE FROM tickets
		WHERE status = 'pending'
		  AND ($1 = '' OR phone_number = $1)
		  AND ($2 = 0 OR id = $2)
		  AND CASE WHEN $3::timestamptz IS NULL THEN verified_at IS NULL
		           ELSE COALESCE(verified_at, expires_at) < $3 END`

	var expiredBefore *time.Time
	if !filter.ExpiredBefore.IsZero() {
		expiredBefore = &filter.ExpiredBefore
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := s.conn(ctx).Exec(ctx, q, phone, filter.ID, expiredBefore)
	if err != nil {
		return 0, mapPgError("delete pending", err)
	}
	return tag.RowsAffected(), nil
}

// LockPhone takes a transaction-scoped advisory lock on the phone number so
// that concurrent OTP issues for it queue up.
func (s *PostgresStore) LockPhone(ctx context.Context, phone string) error {
	tx := pgTxFromContext(ctx)
	if tx == nil {
		return errors.New("lock phone: no transaction in context")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, phoneLockClass, phone); err != nil {
		return mapPgError("lock phone", err)
	}
	return nil
}

// LockForCommit takes transaction-scoped advisory locks on the seat and the
// college id so that concurrent commits touching either queue up.
func (s *PostgresStore) LockForCommit(ctx context.Context, seat, collegeID string) error {
	tx := pgTxFromContext(ctx)
	if tx == nil {
		return errors.New("lock for commit: no transaction in context")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, seatLockClass, seat); err != nil {
		return mapPgError("lock seat", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, collegeLockClass, collegeID); err != nil {
		return mapPgError("lock college id", err)
	}
	return nil
}

func (s *PostgresStore) IsSeatActive(ctx context.Context, seat string) (bool, error) {
	return s.exists(ctx, "check seat", `SELECT EXISTS (SELECT 1 FROM tickets WHERE seat = $1 AND status = 'active')`, seat)
}

func (s *PostgresStore) IsCollegeIDActive(ctx context.Context, collegeID string) (bool, error) {
	return s.exists(ctx, "check college id", `SELECT EXISTS (SELECT 1 FROM tickets WHERE college_id = $1 AND status = 'active')`, collegeID)
}

func (s *PostgresStore) exists(ctx context.Context, op, q string, arg any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var found bool
	if err := s.conn(ctx).QueryRow(ctx, q, arg).Scan(&found); err != nil {
		return false, mapPgError(op, err)
	}
	return found, nil
}

const pgRecordColumns = `id, phone_number, COALESCE(name, ''), COALESCE(college_id, ''), COALESCE(timeslot, ''),
	COALESCE(seat, ''), COALESCE(booking_id, ''), status, COALESCE(ticket_details, ''),
	created_at, verified_at, activated_at`

func (s *PostgresStore) ActivateAndAssignSeat(ctx context.Context, a Activation) (domain.BookingRecord, error) {
	const findQ = `
		SELECT id FROM tickets
		WHERE phone_number = $1 AND status = 'pending' AND verified_at IS NOT NULL
		  AND ($2 = 0 OR id = $2)
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE`
	const updateQ = `
		UPDATE tickets
		SET name = $1, college_id = $2, timeslot = $3, seat = $4, booking_id = $5,
		    ticket_details = $6, status = 'active', activated_at = $7, otp_hash = NULL
		WHERE id = $8
		RETURNING ` + pgRecordColumns

	var rec domain.BookingRecord
	err := s.WithTx(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		var id int64
		err := s.conn(ctx).QueryRow(ctx, findQ, a.PhoneNumber, a.PendingID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotVerified
		}
		if err != nil {
			return mapPgError("find verified", err)
		}

		rec, err = scanPgRecord(s.conn(ctx).QueryRow(ctx, updateQ,
			a.Name, a.CollegeID, a.Timeslot, a.Seat, a.BookingID, a.TicketDetails, a.ActivatedAt, id))
		return err
	})
	return rec, err
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]domain.BookingRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.conn(ctx).Query(ctx, `SELECT `+pgRecordColumns+` FROM tickets WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, mapPgError("list active", err)
	}
	defer rows.Close()

	out := make([]domain.BookingRecord, 0)
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError("list active", err)
	}
	return out, nil
}

func scanPgRecord(row pgx.Row) (domain.BookingRecord, error) {
	var (
		rec    domain.BookingRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.PhoneNumber, &rec.Name, &rec.CollegeID, &rec.Timeslot, &rec.Seat,
		&rec.BookingID, &status, &rec.TicketDetails, &rec.CreatedAt, &rec.VerifiedAt, &rec.ActivatedAt)
	if err != nil {
		return domain.BookingRecord{}, mapPgError("scan record", err)
	}
	rec.Status = domain.BookingStatus(status)
	return rec, nil
}

// mapPgError turns constraint and serialization failures into domain errors.
func mapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return domain.StoreError(op, err)
	}

	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case "tickets_active_seat_key":
			return domain.ErrSeatConflict
		case "tickets_active_college_id_key":
			return domain.ErrDuplicateIdentity
		case "tickets_booking_id_key":
			return domain.ErrBookingIDTaken
		}
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreContention, err)
	}
	return domain.StoreError(op, err)
}
