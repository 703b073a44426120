package repository

import (
	"context"
	"time"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

// ClaimRequest describes an all-or-nothing claim of seats for a pending
// reservation.
type ClaimRequest struct {
	ShowID        model.ShowID
	SeatIDs       []string
	ReservationID model.ReservationID
	ClaimantID    model.ClaimantID
	ExpiresAt     time.Time
	Now           time.Time
}

// ReleaseResult reports what Release did. Occupied is true when the
// reservation's seats were already sold, meaning a confirm won the race.
type ReleaseResult struct {
	Released []string
	Occupied bool
}

// ConfirmResult reports what Confirm did. AlreadyOccupied is true when the
// seats had been moved by an earlier confirm.
type ConfirmResult struct {
	Moved           []string
	AlreadyOccupied bool
}

// SeatLedger is the per-show record of which seats are sold and which are
// temporarily held. All mutating methods are serialized per show, so two
// operations on different shows never wait for each other. A hold whose
// expiry is not after the supplied now is treated as absent.
type SeatLedger interface {
	// Snapshot returns sold seats and live holds. It does not take the
	// per-show write lock.
	Snapshot(ctx context.Context, showID model.ShowID, now time.Time) (model.SeatSnapshot, error)
	// Claim holds every requested seat for the reservation or none of them.
	Claim(ctx context.Context, req ClaimRequest) error
	// Release drops every hold owned by the reservation. It is idempotent.
	Release(ctx context.Context, showID model.ShowID, reservationID model.ReservationID) (ReleaseResult, error)
	// Confirm moves the reservation's holds into the sold set.
	Confirm(ctx context.Context, showID model.ShowID, reservationID model.ReservationID, now time.Time) (ConfirmResult, error)
	// SweepExpired drops holds that lapsed at or before now and returns
	// their seat ids. Sold seats are never touched.
	SweepExpired(ctx context.Context, showID model.ShowID, now time.Time) ([]string, error)
}
