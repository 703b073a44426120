package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

// ShowStore looks up and records shows. Get returns ErrShowNotFound for
// unknown ids.
type ShowStore interface {
	Get(ctx context.Context, id model.ShowID) (*model.Show, error)
	Upsert(ctx context.Context, s *model.Show) error
	List(ctx context.Context) ([]model.Show, error)
}

// ShowRepo manages persistence for shows. The shows row doubles as the
// per-show lock taken by MySQLLedger.
type ShowRepo struct {
	db *sql.DB
}

// NewShowRepo returns a ShowRepo bound to db.
func NewShowRepo(db *sql.DB) *ShowRepo { return &ShowRepo{db: db} }

// DB exposes the underlying sql.DB.
func (r *ShowRepo) DB() *sql.DB { return r.db }

const showColumns = `id, title, starts_at, price_cents, layout_ref, created_at, updated_at`

// Get fetches a show by id.
func (r *ShowRepo) Get(ctx context.Context, id model.ShowID) (*model.Show, error) {
	var s model.Show
	err := r.db.QueryRowContext(ctx, `SELECT `+showColumns+` FROM shows WHERE id = ?`, string(id)).Scan(
		&s.ID, &s.Title, &s.StartsAt, &s.PriceCents, &s.LayoutRef, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShowNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert inserts the show or updates its descriptive fields. Seat state is
// kept in separate tables and is never touched here.
func (r *ShowRepo) Upsert(ctx context.Context, s *model.Show) error {
	now := time.Now().UTC()
	const q = `INSERT INTO shows (id, title, starts_at, price_cents, layout_ref, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?)
               ON DUPLICATE KEY UPDATE title = VALUES(title), starts_at = VALUES(starts_at),
                   price_cents = VALUES(price_cents), layout_ref = VALUES(layout_ref), updated_at = VALUES(updated_at)`
	if _, err := r.db.ExecContext(ctx, q,
		string(s.ID), s.Title, s.StartsAt.UTC(), s.PriceCents, s.LayoutRef, now, now,
	); err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return nil
}

// List returns every show ordered by start time.
func (r *ShowRepo) List(ctx context.Context) ([]model.Show, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+showColumns+` FROM shows ORDER BY starts_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Show
	for rows.Next() {
		var s model.Show
		if err := rows.Scan(&s.ID, &s.Title, &s.StartsAt, &s.PriceCents, &s.LayoutRef, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
