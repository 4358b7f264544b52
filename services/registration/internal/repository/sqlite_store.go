package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/diagnosis/smartregister/services/registration/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tickets (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	phone_number       TEXT NOT NULL,
	name               TEXT,
	otp_hash           TEXT,
	created_at         TIMESTAMP NOT NULL,
	expires_at         TIMESTAMP,
	attempts_remaining INTEGER NOT NULL DEFAULT 0,
	verified_at        TIMESTAMP,
	ticket_details     TEXT,
	booking_id         TEXT,
	status             TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'active')),
	timeslot           TEXT,
	seat               TEXT,
	college_id         TEXT,
	activated_at       TIMESTAMP
);
CREATE INDEX IF NOT EXISTS tickets_phone_status_idx ON tickets (phone_number, status);
CREATE UNIQUE INDEX IF NOT EXISTS tickets_active_seat_key ON tickets (seat) WHERE status = 'active';
CREATE UNIQUE INDEX IF NOT EXISTS tickets_active_college_id_key ON tickets (college_id) WHERE status = 'active';
CREATE UNIQUE INDEX IF NOT EXISTS tickets_booking_id_key ON tickets (booking_id);
`

type sqliteTxKey struct{}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the single-node RecordStore. Transactions begin IMMEDIATE so
// concurrent commits queue on the database write lock.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. ":memory:" gives a private in-memory database on one connection.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	inMemory := path == ":memory:"

	dsn := "file:" + path + "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	if !inMemory {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if sqliteTxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError("begin", err)
	}

	txCtx := context.WithValue(ctx, sqliteTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError("commit", err)
	}
	return nil
}

func sqliteTxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(sqliteTxKey{}).(*sql.Tx)
	return tx
}

func (s *SQLiteStore) conn(ctx context.Context) sqlExecutor {
	if tx := sqliteTxFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

func (s *SQLiteStore) InsertPending(ctx context.Context, otp domain.PendingOtp) (int64, error) {
	const q = `
		INSERT INTO tickets (phone_number, otp_hash, created_at, expires_at, attempts_remaining, status)
		VALUES (?, ?, ?, ?, ?, 'pending')`

	res, err := s.conn(ctx).ExecContext(ctx, q,
		otp.PhoneNumber, otp.CodeHash, otp.CreatedAt.UTC(), otp.ExpiresAt.UTC(), otp.AttemptsRemaining)
	if err != nil {
		return 0, mapSQLiteError("insert pending", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) FindLatestPending(ctx context.Context, phone string) (*domain.PendingOtp, error) {
	const q = `
		SELECT id, phone_number, otp_hash, created_at, expires_at, attempts_remaining
		FROM tickets
		WHERE phone_number = ? AND status = 'pending' AND verified_at IS NULL
		ORDER BY id DESC
		LIMIT 1`

	var otp domain.PendingOtp
	err := s.conn(ctx).QueryRowContext(ctx, q, phone).
		Scan(&otp.ID, &otp.PhoneNumber, &otp.CodeHash, &otp.CreatedAt, &otp.ExpiresAt, &otp.AttemptsRemaining)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapSQLiteError("find pending", err)
	}
	return &otp, nil
}

func (s *SQLiteStore) UpdateAttempts(ctx context.Context, id int64, attemptsRemaining int) error {
	const q = `UPDATE tickets SET attempts_remaining = ? WHERE id = ? AND status = 'pending'`
	return s.execOne(ctx, "update attempts", q, attemptsRemaining, id)
}

func (s *SQLiteStore) MarkVerified(ctx context.Context, id int64, verifiedAt time.Time, attemptsRemaining int) error {
	const q = `
		UPDATE tickets SET verified_at = ?, attempts_remaining = ?
		WHERE id = ? AND status = 'pending' AND verified_at IS NULL`
	return s.execOne(ctx, "mark verified", q, verifiedAt.UTC(), attemptsRemaining, id)
}

func (s *SQLiteStore) execOne(ctx context.Context, op, q string, args ...any) error {
	res, err := s.conn(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return mapSQLiteError(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrOtpNotFound
	}
	return nil
}

func (s *SQLiteStore) DeletePending(ctx context.Context, phone string, filter PendingFilter) (int64, error) {
	if phone == "" && filter.ExpiredBefore.IsZero() {
		return 0, fmt.Errorf("%w: delete pending needs a phone number or an expiry bound", domain.ErrInvalidInput)
	}

	var (
		where = []string{"status = 'pending'"}
		args  []any
	)
	if phone != "" {
		where = append(where, "phone_number = ?")
		args = append(args, phone)
	}
	if filter.ID != 0 {
		where = append(where, "id = ?")
		args = append(args, filter.ID)
	}
	if filter.ExpiredBefore.IsZero() {
		where = append(where, "verified_at IS NULL")
	} else {
		where = append(where, "COALESCE(verified_at, expires_at) < ?")
		args = append(args, filter.ExpiredBefore.UTC())
	}

	res, err := s.conn(ctx).ExecContext(ctx, "DELETE FROM tickets WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, mapSQLiteError("delete pending", err)
	}
	return res.RowsAffected()
}

// LockPhone is a no-op: IMMEDIATE transactions already serialize writers.
func (s *SQLiteStore) LockPhone(context.Context, string) error {
	return nil
}

// LockForCommit is a no-op: IMMEDIATE transactions already serialize writers.
func (s *SQLiteStore) LockForCommit(context.Context, string, string) error {
	return nil
}

func (s *SQLiteStore) IsSeatActive(ctx context.Context, seat string) (bool, error) {
	return s.exists(ctx, "check seat", `SELECT EXISTS (SELECT 1 FROM tickets WHERE seat = ? AND status = 'active')`, seat)
}

func (s *SQLiteStore) IsCollegeIDActive(ctx context.Context, collegeID string) (bool, error) {
	return s.exists(ctx, "check college id", `SELECT EXISTS (SELECT 1 FROM tickets WHERE college_id = ? AND status = 'active')`, collegeID)
}

func (s *SQLiteStore) exists(ctx context.Context, op, q string, arg any) (bool, error) {
	var found bool
	if err := s.conn(ctx).QueryRowContext(ctx, q, arg).Scan(&found); err != nil {
		return false, mapSQLiteError(op, err)
	}
	return found, nil
}

func (s *SQLiteStore) ActivateAndAssignSeat(ctx context.Context, a Activation) (domain.BookingRecord, error) {
	const findQ = `
		SELECT id FROM tickets
		WHERE phone_number = ? AND status = 'pending' AND verified_at IS NOT NULL
		  AND (? = 0 OR id = ?)
		ORDER BY id DESC
		LIMIT 1`
	const updateQ = `
		UPDATE tickets
		SET name = ?, college_id = ?, timeslot = ?, seat = ?, booking_id = ?,
		    ticket_details = ?, status = 'active', activated_at = ?, otp_hash = NULL
		WHERE id = ?`

	var rec domain.BookingRecord
	err := s.WithTx(ctx, func(ctx context.Context) error {
		var id int64
		err := s.conn(ctx).QueryRowContext(ctx, findQ, a.PhoneNumber, a.PendingID, a.PendingID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotVerified
		}
		if err != nil {
			return mapSQLiteError("find verified", err)
		}

		if _, err := s.conn(ctx).ExecContext(ctx, updateQ,
			a.Name, a.CollegeID, a.Timeslot, a.Seat, a.BookingID, a.TicketDetails, a.ActivatedAt.UTC(), id); err != nil {
			return mapSQLiteError("activate", err)
		}

		rec, err = scanSQLiteRecord(s.conn(ctx).QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM tickets WHERE id = ?`, id))
		return err
	})
	return rec, err
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]domain.BookingRecord, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+sqliteRecordColumns+` FROM tickets WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, mapSQLiteError("list active", err)
	}
	defer rows.Close()

	out := make([]domain.BookingRecord, 0)
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLiteError("list active", err)
	}
	return out, nil
}

const sqliteRecordColumns = `id, phone_number, name, college_id, timeslot, seat, booking_id, status,
	ticket_details, created_at, verified_at, activated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (domain.BookingRecord, error) {
	var (
		rec                                        domain.BookingRecord
		name, college, slot, seat, bookingID, text sql.NullString
		verifiedAt, activatedAt                    sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.PhoneNumber, &name, &college, &slot, &seat, &bookingID, &rec.Status,
		&text, &rec.CreatedAt, &verifiedAt, &activatedAt)
	if err != nil {
		return domain.BookingRecord{}, mapSQLiteError("scan record", err)
	}

	rec.Name, rec.CollegeID, rec.Timeslot = name.String, college.String, slot.String
	rec.Seat, rec.BookingID, rec.TicketDetails = seat.String, bookingID.String, text.String
	if verifiedAt.Valid {
		rec.VerifiedAt = &verifiedAt.Time
	}
	if activatedAt.Valid {
		rec.ActivatedAt = &activatedAt.Time
	}
	return rec, nil
}

// mapSQLiteError turns constraint and locking failures into domain errors.
func mapSQLiteError(op string, err error) error {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return domain.StoreError(op, err)
	}

	switch {
	case sqErr.ExtendedCode == sqlite3.ErrConstraintUnique:
		msg := sqErr.Error()
		switch {
		case strings.Contains(msg, "tickets.seat"):
			return domain.ErrSeatConflict
		case strings.Contains(msg, "tickets.college_id"):
			return domain.ErrDuplicateIdentity
		case strings.Contains(msg, "tickets.booking_id"):
			return domain.ErrBookingIDTaken
		}
	case sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreContention, err)
	}
	return domain.StoreError(op, err)
}
