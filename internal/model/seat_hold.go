package model

import "time"

// HoldEntry is a temporary, expiring claim on one seat of a show. A hold
// whose ExpiresAt is not after the current time is treated as absent.
//
// Fields:
//
//	SeatID        – seat being held.
//	ReservationID – pending reservation that owns the hold.
//	ClaimantID    – shopper behind the reservation.
//	ExpiresAt     – when the hold lapses.
type HoldEntry struct {
	SeatID        string        `json:"seat_id"`        // show_seat_holds.seat_id
	ReservationID ReservationID `json:"reservation_id"` // show_seat_holds.reservation_id
	ClaimantID    ClaimantID    `json:"claimant_id"`    // show_seat_holds.claimant_id
	ExpiresAt     time.Time     `json:"expires_at"`     // show_seat_holds.expires_at
}

// ExpiredAt reports whether the hold has lapsed at now.
func (h HoldEntry) ExpiredAt(now time.Time) bool { return !now.Before(h.ExpiresAt) }

// OccupiedEntry is a permanently sold seat. It never expires.
//
// Fields:
//
//	SeatID        – seat that was sold.
//	ReservationID – confirmed reservation that owns the seat.
//	ClaimantID    – shopper who bought it.
type OccupiedEntry struct {
	SeatID        string        `json:"seat_id"`        // show_seat_occupied.seat_id
	ReservationID ReservationID `json:"reservation_id"` // show_seat_occupied.reservation_id
	ClaimantID    ClaimantID    `json:"claimant_id"`    // show_seat_occupied.claimant_id
}
