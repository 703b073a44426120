package service

import (
	"errors"

	"github.com/iliyamo/cinema-seat-hold/internal/repository"
)

// Errors returned by HoldManager, Lifecycle and Notifier. Handlers map
// them to responses; none of them is raised as a panic.
var (
	// ErrSeatUnavailable means at least one requested seat is sold or held
	// by someone else. UnavailableSeats lists them.
	ErrSeatUnavailable = repository.ErrSeatUnavailable
	// ErrReservationNotFound means the reservation id is unknown.
	ErrReservationNotFound = repository.ErrReservationNotFound

	ErrInvalidShow        = errors.New("invalid show")
	ErrInvalidSeats       = errors.New("invalid seat selection")
	ErrReservationExpired = errors.New("reservation expired")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrAlreadyTerminal    = errors.New("reservation already confirmed or cancelled")
	// ErrAlreadyConfirmed accompanies a successful result when the
	// reservation had been confirmed before.
	ErrAlreadyConfirmed = errors.New("reservation already confirmed")
)

// SeatUnavailableError lists the seats that blocked a claim.
type SeatUnavailableError = repository.SeatUnavailableError

// UnavailableSeats returns the conflicting seats carried by err, if any.
func UnavailableSeats(err error) []string {
	var su *SeatUnavailableError
	if errors.As(err, &su) {
		return su.Seats
	}
	return nil
}

// IsIdempotentSuccess reports whether err marks a repeated operation that
// already succeeded.
func IsIdempotentSuccess(err error) bool {
	return errors.Is(err, ErrAlreadyConfirmed)
}

// IsUserError reports whether err is caused by the request rather than by
// the system.
func IsUserError(err error) bool {
	switch {
	case errors.Is(err, ErrSeatUnavailable),
		errors.Is(err, ErrReservationNotFound),
		errors.Is(err, ErrInvalidShow),
		errors.Is(err, ErrInvalidSeats),
		errors.Is(err, ErrReservationExpired),
		errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrAlreadyTerminal):
		return true
	}
	return false
}
