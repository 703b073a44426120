package model

import "time"

// Reservation statuses. PENDING is the only non-terminal state; a
// reservation moves to CONFIRMED or CANCELLED exactly once.
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusCancelled = "CANCELLED"
)

// Cancel reasons recorded on cancelled reservations.
const (
	CancelReleased = "released"  // the claimant (or an admin) gave the seats back
	CancelExpired  = "expired"   // the hold TTL elapsed before payment
	CancelHoldLost = "hold_lost" // the ledger no longer had the holds at confirm time
)

// Reservation records a claimant's attempt to buy a set of seats for a
// show. The seats themselves live in the seat ledger; this record tracks
// the lifecycle and the amount charged.
//
// Fields:
//
//	ID           – reservation identifier (UUIDv4).
//	ShowID       – show being reserved.
//	ClaimantID   – shopper who owns the reservation.
//	SeatIDs      – seats claimed, in request order.
//	AmountCents  – total price computed at claim time.
//	Status       – PENDING, CONFIRMED or CANCELLED.
//	ExpiresAt    – hold expiry while pending; nil once confirmed.
//	PaymentRef   – external payment reference recorded on confirmation.
//	CancelReason – why a cancelled reservation was cancelled.
//	CreatedAt    – creation timestamp.
//	UpdatedAt    – last update timestamp.
type Reservation struct {
	ID           ReservationID `json:"id"`
	ShowID       ShowID        `json:"show_id"`
	ClaimantID   ClaimantID    `json:"claimant_id"`
	SeatIDs      []string      `json:"seat_ids"`
	AmountCents  int64         `json:"amount_cents"`
	Status       string        `json:"status"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	PaymentRef   *string       `json:"payment_ref,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// IsPending reports whether the reservation can still be confirmed or released.
func (r *Reservation) IsPending() bool { return r.Status == StatusPending }

// IsTerminal reports whether the reservation is confirmed or cancelled.
func (r *Reservation) IsTerminal() bool {
	return r.Status == StatusConfirmed || r.Status == StatusCancelled
}

// ExpiredAt reports whether a pending reservation's hold has lapsed at now.
// Expiry is inclusive: a hold whose expiry equals now is already gone.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return r.IsPending() && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Clone returns a deep copy so stores can hand out records without sharing
// slices or pointers with their internal state.
func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	cp := *r
	cp.SeatIDs = append([]string(nil), r.SeatIDs...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	if r.PaymentRef != nil {
		p := *r.PaymentRef
		cp.PaymentRef = &p
	}
	return &cp
}
