package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/repository"
	"github.com/iliyamo/cinema-seat-hold/internal/telemetry"
)

// Requester is the caller of an operation on an existing reservation.
// Admin callers may act on any reservation.
type Requester struct {
	ClaimantID model.ClaimantID
	Admin      bool
}

// HoldManager turns a shopper's seat selection into a pending reservation
// and lets the shopper give it back.
type HoldManager struct {
	deps      Deps
	cfg       Config
	lifecycle *Lifecycle
	events    *dispatcher
}

// NewHoldManager returns a HoldManager sharing lifecycle's collaborators
// and policy. lifecycle also runs the deferred expiry checks scheduled for
// new reservations.
func NewHoldManager(lifecycle *Lifecycle) *HoldManager {
	return &HoldManager{
		deps:      lifecycle.deps,
		cfg:       lifecycle.cfg,
		lifecycle: lifecycle,
		events:    lifecycle.events,
	}
}

// CreateReservation claims seatIDs for claimant and records a pending
// reservation that expires after the hold TTL. Either every seat is held
// or none is.
func (m *HoldManager) CreateReservation(ctx context.Context, showID model.ShowID, claimant model.ClaimantID, seatIDs []string) (*model.Reservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "HoldManager.CreateReservation",
		attribute.String("show_id", string(showID)),
		attribute.Int("seats", len(seatIDs)),
	)
	defer span.End()

	res, err := m.createReservation(ctx, showID, claimant, seatIDs)
	if !IsUserError(err) {
		telemetry.RecordError(span, err)
	}
	return res, err
}

func (m *HoldManager) createReservation(ctx context.Context, showID model.ShowID, claimant model.ClaimantID, seatIDs []string) (*model.Reservation, error) {
	seats, err := normalizeSeats(seatIDs, m.cfg.MaxSeatsPerReservation)
	if err != nil {
		return nil, err
	}

	show, err := m.deps.Shows.Get(ctx, showID)
	if errors.Is(err, repository.ErrShowNotFound) {
		return nil, ErrInvalidShow
	}
	if err != nil {
		return nil, fmt.Errorf("load show: %w", err)
	}

	now := m.cfg.Now()
	expiresAt := now.Add(m.cfg.HoldTTL)
	res := &model.Reservation{
		ID:          model.ReservationID(uuid.NewString()),
		ShowID:      showID,
		ClaimantID:  claimant,
		SeatIDs:     seats,
		AmountCents: totalPrice(m.cfg.Price, show, seats),
		Status:      model.StatusPending,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
	}

	err = m.deps.Ledger.Claim(ctx, repository.ClaimRequest{
		ShowID:        showID,
		SeatIDs:       seats,
		ReservationID: res.ID,
		ClaimantID:    claimant,
		ExpiresAt:     expiresAt,
		Now:           now,
	})
	switch {
	case errors.Is(err, repository.ErrShowNotFound):
		return nil, ErrInvalidShow
	case err != nil:
		return nil, err
	}

	if err := m.deps.Reservations.Create(ctx, res); err != nil {
		// Give the seats back so a failed insert does not leave holds
		// without a reservation until the sweep finds them.
		if _, relErr := m.deps.Ledger.Release(context.WithoutCancel(ctx), showID, res.ID); relErr != nil {
			m.deps.Log.Error("release after failed reservation insert",
				zap.String("reservation_id", string(res.ID)), zap.Error(relErr))
		}
		return nil, fmt.Errorf("store reservation: %w", err)
	}

	id := res.ID
	m.deps.Timers.Schedule(id, expiresAt.Sub(now)+m.cfg.ExpiryGrace, func() {
		if err := m.lifecycle.ExpireOne(context.Background(), id); err != nil {
			m.deps.Log.Warn("deferred expiry failed", zap.String("reservation_id", string(id)), zap.Error(err))
		}
	})
	m.deps.Changes.Publish(ctx, showID)

	m.deps.Log.Info("reservation created",
		zap.String("reservation_id", string(res.ID)),
		zap.String("show_id", string(showID)),
		zap.String("claimant_id", string(claimant)),
		zap.Strings("seats", seats),
		zap.Time("expires_at", expiresAt),
	)
	return res, nil
}

// ReleaseReservation cancels a pending reservation and frees its seats.
// It returns ErrAlreadyTerminal, with the current record, when the
// reservation was already confirmed or cancelled.
func (m *HoldManager) ReleaseReservation(ctx context.Context, id model.ReservationID, who Requester) (*model.Reservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "HoldManager.ReleaseReservation",
		attribute.String("reservation_id", string(id)))
	defer span.End()

	res, err := m.deps.Reservations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !who.Admin && res.ClaimantID != who.ClaimantID {
		return nil, ErrNotAuthorized
	}
	if res.IsTerminal() {
		return res, ErrAlreadyTerminal
	}

	rel, err := m.deps.Ledger.Release(ctx, res.ShowID, id)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("release seats: %w", err)
	}
	if rel.Occupied {
		// A confirm got to the ledger first; the seats are sold.
		return res, ErrAlreadyTerminal
	}

	cur, err := m.deps.Reservations.MarkCancelled(ctx, id, model.CancelReleased, m.cfg.Now())
	if errors.Is(err, repository.ErrNotPending) {
		return cur, ErrAlreadyTerminal
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("cancel reservation: %w", err)
	}

	m.deps.Timers.Cancel(id)
	m.events.cancelled(cur)
	m.deps.Changes.Publish(ctx, res.ShowID)
	m.deps.Log.Info("reservation released",
		zap.String("reservation_id", string(id)),
		zap.Strings("seats", rel.Released),
	)
	return cur, nil
}

// ListForClaimant returns the claimant's reservations, newest first.
func (m *HoldManager) ListForClaimant(ctx context.Context, claimant model.ClaimantID) ([]*model.Reservation, error) {
	return m.deps.Reservations.ListByClaimant(ctx, claimant)
}

// Get returns a reservation the requester is allowed to see.
func (m *HoldManager) Get(ctx context.Context, id model.ReservationID, who Requester) (*model.Reservation, error) {
	res, err := m.deps.Reservations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !who.Admin && res.ClaimantID != who.ClaimantID {
		return nil, ErrNotAuthorized
	}
	return res, nil
}

// Wait blocks until queued event publications finished.
func (m *HoldManager) Wait() { m.events.wait() }

// normalizeSeats trims and de-duplicates the selection, keeping the
// first-seen order.
func normalizeSeats(seatIDs []string, max int) ([]string, error) {
	seen := make(map[string]struct{}, len(seatIDs))
	out := make([]string, 0, len(seatIDs))
	for _, s := range seatIDs {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("%w: empty seat id", ErrInvalidSeats)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no seats selected", ErrInvalidSeats)
	}
	if len(out) > max {
		return nil, fmt.Errorf("%w: at most %d seats per reservation", ErrInvalidSeats, max)
	}
	return out, nil
}
