// Package repository holds the seat ledger and the show and reservation
// stores, each with an in-memory and a MySQL implementation. The sentinel
// errors below are shared by every backend so the service layer can tell
// failure scenarios apart without knowing which store it talks to.
package repository

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShowNotFound is returned when an operation names a show that was never
// registered. It is a precondition failure and must not be retried.
var ErrShowNotFound = errors.New("show not found")

// ErrSeatUnavailable is returned by Claim when at least one requested seat
// is occupied or held by another reservation. Use errors.As with
// *SeatUnavailableError to get the conflicting seats.
var ErrSeatUnavailable = errors.New("seat unavailable")

// ErrHoldExpired is returned by Confirm when the reservation's holds have
// lapsed.
var ErrHoldExpired = errors.New("hold expired")

// ErrHoldNotFound is returned by Confirm when the ledger has neither holds
// nor occupied seats for the reservation.
var ErrHoldNotFound = errors.New("hold not found")

// ErrReservationNotFound is returned when no reservation has the given id.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrNotPending is returned by the compare-and-set transitions when the
// reservation already left PENDING. The current record is returned with it.
var ErrNotPending = errors.New("reservation not pending")

// ErrDuplicate is returned when a record with the same id already exists.
var ErrDuplicate = errors.New("duplicate record")

// SeatUnavailableError lists the seats that blocked a claim.
type SeatUnavailableError struct {
	Seats []string
}

func (e *SeatUnavailableError) Error() string {
	return fmt.Sprintf("seat unavailable: %s", strings.Join(e.Seats, ","))
}

// Unwrap lets errors.Is match ErrSeatUnavailable.
func (e *SeatUnavailableError) Unwrap() error { return ErrSeatUnavailable }
