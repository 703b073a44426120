package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/telemetry"
)

// MySQL error numbers that mean the transaction lost a lock race and can
// simply be run again.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// MySQLLedger is the durable SeatLedger. Sold seats live in
// show_seat_occupied and holds in show_seat_holds, one row per seat. Every
// mutation runs in a transaction that first locks the show's row in the
// shows table, which serializes writers per show and nothing more.
type MySQLLedger struct {
	db         *sql.DB
	maxRetries int
	newBackOff func() backoff.BackOff
}

// NewMySQLLedger returns a ledger that retries lock conflicts up to
// maxRetries times.
func NewMySQLLedger(db *sql.DB, maxRetries int) *MySQLLedger {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &MySQLLedger{
		db:         db,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			return b
		},
	}
}

// isLockConflict reports whether err is a deadlock or lock wait timeout.
func isLockConflict(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == mysqlDeadlock || me.Number == mysqlLockWaitTimeout
}

// withShowLock runs fn in a transaction holding the show's row lock.
// Lock conflicts are retried; anything else is returned as is.
func (l *MySQLLedger) withShowLock(ctx context.Context, showID model.ShowID, fn func(tx *sql.Tx) error) error {
	op := func() (struct{}, error) {
		err := l.runLocked(ctx, showID, fn)
		if err == nil || isLockConflict(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(l.newBackOff()),
		backoff.WithMaxTries(uint(l.maxRetries+1)),
	)
	return err
}

func (l *MySQLLedger) runLocked(ctx context.Context, showID model.ShowID, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM shows WHERE id = ? FOR UPDATE`, string(showID)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrShowNotFound
	}
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Snapshot reads both tables inside one read-only transaction so the two
// result sets come from the same consistent view.
func (l *MySQLLedger) Snapshot(ctx context.Context, showID model.ShowID, now time.Time) (model.SeatSnapshot, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.Snapshot", attribute.String("show_id", string(showID)))
	defer span.End()

	snap, err := l.snapshot(ctx, showID, now)
	telemetry.RecordError(span, err)
	return snap, err
}

func (l *MySQLLedger) snapshot(ctx context.Context, showID model.ShowID, now time.Time) (model.SeatSnapshot, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return model.SeatSnapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM shows WHERE id = ?`, string(showID)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SeatSnapshot{}, ErrShowNotFound
	}
	if err != nil {
		return model.SeatSnapshot{}, err
	}

	snap := model.SeatSnapshot{
		ShowID:   showID,
		Occupied: []model.OccupiedEntry{},
		Held:     []model.HoldEntry{},
		TakenAt:  now,
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT seat_id, reservation_id, claimant_id FROM show_seat_occupied WHERE show_id = ? ORDER BY seat_id`,
		string(showID),
	)
	if err != nil {
		return model.SeatSnapshot{}, err
	}
	for rows.Next() {
		var o model.OccupiedEntry
		if err := rows.Scan(&o.SeatID, &o.ReservationID, &o.ClaimantID); err != nil {
			rows.Close()
			return model.SeatSnapshot{}, err
		}
		snap.Occupied = append(snap.Occupied, o)
	}
	if err := rows.Close(); err != nil {
		return model.SeatSnapshot{}, err
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT seat_id, reservation_id, claimant_id, expires_at FROM show_seat_holds WHERE show_id = ? AND expires_at > ? ORDER BY seat_id`,
		string(showID), now.UTC(),
	)
	if err != nil {
		return model.SeatSnapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var h model.HoldEntry
		if err := rows.Scan(&h.SeatID, &h.ReservationID, &h.ClaimantID, &h.ExpiresAt); err != nil {
			return model.SeatSnapshot{}, err
		}
		snap.Held = append(snap.Held, h)
	}
	return snap, rows.Err()
}

// Claim inserts one hold row per seat after checking, under the show lock,
// that no seat is sold or held live by another reservation. Holds that
// already lapsed on the requested seats are replaced.
func (l *MySQLLedger) Claim(ctx context.Context, req ClaimRequest) error {
	ctx, span := telemetry.StartSpan(ctx, "ledger.Claim",
		attribute.String("show_id", string(req.ShowID)),
		attribute.String("reservation_id", string(req.ReservationID)),
		attribute.Int("seats", len(req.SeatIDs)),
	)
	defer span.End()

	err := l.withShowLock(ctx, req.ShowID, func(tx *sql.Tx) error {
		return l.claimTx(ctx, tx, req)
	})
	if isLockConflict(err) {
		err = fmt.Errorf("claim contention: %w", &SeatUnavailableError{Seats: req.SeatIDs})
	}
	telemetry.RecordError(span, err)
	return err
}

func (l *MySQLLedger) claimTx(ctx context.Context, tx *sql.Tx, req ClaimRequest) error {
	if len(req.SeatIDs) == 0 {
		return nil
	}
	in, seatArgs := inClause(req.SeatIDs)
	args := append([]any{string(req.ShowID)}, seatArgs...)

	blocked := make(map[string]bool)
	rows, err := tx.QueryContext(ctx,
		`SELECT seat_id FROM show_seat_occupied WHERE show_id = ? AND seat_id IN `+in, args...)
	if err != nil {
		return err
	}
	for rows.Next() {
		var seat string
		if err := rows.Scan(&seat); err != nil {
			rows.Close()
			return err
		}
		blocked[seat] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT seat_id, reservation_id, expires_at FROM show_seat_holds WHERE show_id = ? AND seat_id IN `+in, args...)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			seat, owner string
			expiresAt   time.Time
		)
		if err := rows.Scan(&seat, &owner, &expiresAt); err != nil {
			rows.Close()
			return err
		}
		if req.Now.Before(expiresAt) && owner != string(req.ReservationID) {
			blocked[seat] = true
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if len(blocked) > 0 {
		conflicts := make([]string, 0, len(blocked))
		for _, seat := range req.SeatIDs {
			if blocked[seat] {
				conflicts = append(conflicts, seat)
			}
		}
		return &SeatUnavailableError{Seats: conflicts}
	}

	// Whatever hold rows remain on these seats are lapsed or our own.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM show_seat_holds WHERE show_id = ? AND seat_id IN `+in, args...); err != nil {
		return err
	}

	query := `INSERT INTO show_seat_holds (show_id, seat_id, reservation_id, claimant_id, expires_at) VALUES `
	vals := make([]any, 0, len(req.SeatIDs)*5)
	for i, seat := range req.SeatIDs {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?)"
		vals = append(vals, string(req.ShowID), seat, string(req.ReservationID), string(req.ClaimantID), req.ExpiresAt.UTC())
	}
	_, err = tx.ExecContext(ctx, query, vals...)
	return err
}

// Release deletes every hold row of the reservation and reports whether
// its seats are already sold.
func (l *MySQLLedger) Release(ctx context.Context, showID model.ShowID, reservationID model.ReservationID) (ReleaseResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.Release",
		attribute.String("show_id", string(showID)),
		attribute.String("reservation_id", string(reservationID)),
	)
	defer span.End()

	var res ReleaseResult
	err := l.withShowLock(ctx, showID, func(tx *sql.Tx) error {
		res = ReleaseResult{}
		seats, err := seatsOf(ctx, tx, `SELECT seat_id FROM show_seat_holds WHERE show_id = ? AND reservation_id = ? ORDER BY seat_id`, showID, reservationID)
		if err != nil {
			return err
		}
		if len(seats) > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM show_seat_holds WHERE show_id = ? AND reservation_id = ?`,
				string(showID), string(reservationID)); err != nil {
				return err
			}
		}
		res.Released = seats
		res.Occupied, err = occupiedBy(ctx, tx, showID, reservationID)
		return err
	})
	telemetry.RecordError(span, err)
	return res, err
}

// Confirm copies the reservation's hold rows into show_seat_occupied and
// deletes them, provided none has lapsed.
func (l *MySQLLedger) Confirm(ctx context.Context, showID model.ShowID, reservationID model.ReservationID, now time.Time) (ConfirmResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.Confirm",
		attribute.String("show_id", string(showID)),
		attribute.String("reservation_id", string(reservationID)),
	)
	defer span.End()

	var res ConfirmResult
	err := l.withShowLock(ctx, showID, func(tx *sql.Tx) error {
		res = ConfirmResult{}
		rows, err := tx.QueryContext(ctx,
			`SELECT seat_id, claimant_id, expires_at FROM show_seat_holds WHERE show_id = ? AND reservation_id = ? ORDER BY seat_id`,
			string(showID), string(reservationID))
		if err != nil {
			return err
		}
		var holds []model.HoldEntry
		for rows.Next() {
			h := model.HoldEntry{ReservationID: reservationID}
			if err := rows.Scan(&h.SeatID, &h.ClaimantID, &h.ExpiresAt); err != nil {
				rows.Close()
				return err
			}
			holds = append(holds, h)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		if len(holds) == 0 {
			sold, err := occupiedBy(ctx, tx, showID, reservationID)
			if err != nil {
				return err
			}
			if !sold {
				return ErrHoldNotFound
			}
			res.AlreadyOccupied = true
			return nil
		}
		for _, h := range holds {
			if h.ExpiredAt(now) {
				return ErrHoldExpired
			}
		}

		query := `INSERT INTO show_seat_occupied (show_id, seat_id, reservation_id, claimant_id) VALUES `
		vals := make([]any, 0, len(holds)*4)
		for i, h := range holds {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, ?)"
			vals = append(vals, string(showID), h.SeatID, string(reservationID), string(h.ClaimantID))
			res.Moved = append(res.Moved, h.SeatID)
		}
		if _, err := tx.ExecContext(ctx, query, vals...); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM show_seat_holds WHERE show_id = ? AND reservation_id = ?`,
			string(showID), string(reservationID))
		return err
	})
	telemetry.RecordError(span, err)
	return res, err
}

// SweepExpired deletes lapsed hold rows for the show.
func (l *MySQLLedger) SweepExpired(ctx context.Context, showID model.ShowID, now time.Time) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.SweepExpired", attribute.String("show_id", string(showID)))
	defer span.End()

	var swept []string
	err := l.withShowLock(ctx, showID, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT seat_id FROM show_seat_holds WHERE show_id = ? AND expires_at <= ? ORDER BY seat_id`,
			string(showID), now.UTC())
		if err != nil {
			return err
		}
		swept = nil
		for rows.Next() {
			var seat string
			if err := rows.Scan(&seat); err != nil {
				rows.Close()
				return err
			}
			swept = append(swept, seat)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if len(swept) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM show_seat_holds WHERE show_id = ? AND expires_at <= ?`,
			string(showID), now.UTC())
		return err
	})
	telemetry.RecordError(span, err)
	return swept, err
}

func seatsOf(ctx context.Context, tx *sql.Tx, q string, showID model.ShowID, reservationID model.ReservationID) ([]string, error) {
	rows, err := tx.QueryContext(ctx, q, string(showID), string(reservationID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var seats []string
	for rows.Next() {
		var seat string
		if err := rows.Scan(&seat); err != nil {
			return nil, err
		}
		seats = append(seats, seat)
	}
	return seats, rows.Err()
}

func occupiedBy(ctx context.Context, tx *sql.Tx, showID model.ShowID, reservationID model.ReservationID) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM show_seat_occupied WHERE show_id = ? AND reservation_id = ?`,
		string(showID), string(reservationID)).Scan(&n)
	return n > 0, err
}

// inClause returns "(?, ?, ...)" and the matching arguments.
func inClause(values []string) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ")", args
}
