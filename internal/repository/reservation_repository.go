package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

// ReservationStore persists reservations. MarkConfirmed and MarkCancelled
// are compare-and-set transitions out of PENDING; when the reservation has
// already left PENDING they return the current record and ErrNotPending.
type ReservationStore interface {
	Create(ctx context.Context, r *model.Reservation) error
	Get(ctx context.Context, id model.ReservationID) (*model.Reservation, error)
	MarkConfirmed(ctx context.Context, id model.ReservationID, paymentRef string, at time.Time) (*model.Reservation, error)
	MarkCancelled(ctx context.Context, id model.ReservationID, reason string, at time.Time) (*model.Reservation, error)
	ListExpiredPending(ctx context.Context, now time.Time, after *ExpiryCursor, limit int) ([]*model.Reservation, error)
	ListByClaimant(ctx context.Context, claimant model.ClaimantID) ([]*model.Reservation, error)
}

// ExpiryCursor marks a position in the (expires_at, id) ordering used by
// ListExpiredPending. Rows at or before it are skipped.
type ExpiryCursor struct {
	ExpiresAt time.Time
	ID        model.ReservationID
}

// CursorAfter returns the cursor positioned on r. r must carry an expiry.
func CursorAfter(r *model.Reservation) *ExpiryCursor {
	return &ExpiryCursor{ExpiresAt: *r.ExpiresAt, ID: r.ID}
}

// ReservationRepo is the MySQL ReservationStore. Seat ids are stored as a
// JSON array on the reservation row; the seats themselves are tracked by
// the ledger tables.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, show_id, claimant_id, seat_ids, amount_cents, status, expires_at, payment_ref, cancel_reason, created_at, updated_at`

// Create inserts a new reservation. Timestamps are filled in when unset.
func (r *ReservationRepo) Create(ctx context.Context, res *model.Reservation) error {
	seats, err := json.Marshal(res.SeatIDs)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = res.CreatedAt
	const q = `INSERT INTO reservations (` + reservationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, q,
		string(res.ID), string(res.ShowID), string(res.ClaimantID), seats, res.AmountCents, res.Status,
		nullTime(res.ExpiresAt), nullString(res.PaymentRef), res.CancelReason, res.CreatedAt, res.UpdatedAt,
	)
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return ErrDuplicate
	}
	return err
}

// Get fetches a reservation by id.
func (r *ReservationRepo) Get(ctx context.Context, id model.ReservationID) (*model.Reservation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, string(id))
	res, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	return res, err
}

// MarkConfirmed moves a pending reservation to CONFIRMED, records the
// payment reference and clears the expiry.
func (r *ReservationRepo) MarkConfirmed(ctx context.Context, id model.ReservationID, paymentRef string, at time.Time) (*model.Reservation, error) {
	const q = `UPDATE reservations SET status = 'CONFIRMED', payment_ref = ?, expires_at = NULL, updated_at = ?
               WHERE id = ? AND status = 'PENDING'`
	var ref *string
	if paymentRef != "" {
		ref = &paymentRef
	}
	return r.transition(ctx, id, q, nullString(ref), at.UTC(), string(id))
}

// MarkCancelled moves a pending reservation to CANCELLED with the given reason.
func (r *ReservationRepo) MarkCancelled(ctx context.Context, id model.ReservationID, reason string, at time.Time) (*model.Reservation, error) {
	const q = `UPDATE reservations SET status = 'CANCELLED', cancel_reason = ?, updated_at = ?
               WHERE id = ? AND status = 'PENDING'`
	return r.transition(ctx, id, q, reason, at.UTC(), string(id))
}

// transition runs a guarded UPDATE and reads the row back. Zero affected
// rows means the reservation is missing or no longer pending.
func (r *ReservationRepo) transition(ctx context.Context, id model.ReservationID, q string, args ...any) (*model.Reservation, error) {
	result, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return cur, ErrNotPending
	}
	return cur, nil
}

// ListExpiredPending returns up to limit pending reservations whose expiry
// is at or before now, oldest first, starting past after when it is set.
func (r *ReservationRepo) ListExpiredPending(ctx context.Context, now time.Time, after *ExpiryCursor, limit int) ([]*model.Reservation, error) {
	if after == nil {
		const q = `SELECT ` + reservationColumns + ` FROM reservations
               WHERE status = 'PENDING' AND expires_at <= ?
               ORDER BY expires_at, id LIMIT ?`
		return r.query(ctx, q, now.UTC(), limit)
	}
	const q = `SELECT ` + reservationColumns + ` FROM reservations
               WHERE status = 'PENDING' AND expires_at <= ?
                 AND (expires_at > ? OR (expires_at = ? AND id > ?))
               ORDER BY expires_at, id LIMIT ?`
	at := after.ExpiresAt.UTC()
	return r.query(ctx, q, now.UTC(), at, at, string(after.ID), limit)
}

// ListByClaimant returns every reservation of a claimant, newest first.
func (r *ReservationRepo) ListByClaimant(ctx context.Context, claimant model.ClaimantID) ([]*model.Reservation, error) {
	const q = `SELECT ` + reservationColumns + ` FROM reservations
               WHERE claimant_id = ? ORDER BY created_at DESC, id`
	return r.query(ctx, q, string(claimant))
}

func (r *ReservationRepo) query(ctx context.Context, q string, args ...any) ([]*model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(s rowScanner) (*model.Reservation, error) {
	var (
		res        model.Reservation
		seats      []byte
		expiresAt  sql.NullTime
		paymentRef sql.NullString
	)
	if err := s.Scan(
		&res.ID, &res.ShowID, &res.ClaimantID, &seats, &res.AmountCents, &res.Status,
		&expiresAt, &paymentRef, &res.CancelReason, &res.CreatedAt, &res.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(seats, &res.SeatIDs); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		res.ExpiresAt = &t
	}
	if paymentRef.Valid {
		pr := paymentRef.String
		res.PaymentRef = &pr
	}
	return &res, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
