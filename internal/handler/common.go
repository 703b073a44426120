package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-hold/internal/middleware"
	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/service"
	"github.com/iliyamo/cinema-seat-hold/internal/utils"
)

// reservationView is the JSON shape of a reservation.
type reservationView struct {
	ReservationID string     `json:"reservation_id"`
	ShowID        string     `json:"show_id"`
	ClaimantID    string     `json:"claimant_id"`
	SeatIDs       []string   `json:"seat_ids"`
	AmountCents   int64      `json:"amount_cents"`
	Status        string     `json:"status"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	PaymentRef    *string    `json:"payment_ref,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toView(r *model.Reservation) reservationView {
	return reservationView{
		ReservationID: string(r.ID),
		ShowID:        string(r.ShowID),
		ClaimantID:    string(r.ClaimantID),
		SeatIDs:       r.SeatIDs,
		AmountCents:   r.AmountCents,
		Status:        r.Status,
		ExpiresAt:     r.ExpiresAt,
		PaymentRef:    r.PaymentRef,
		CancelReason:  r.CancelReason,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// requester builds the service requester from the JWT stored by
// middleware.JWTAuth.
func requester(c echo.Context) service.Requester {
	return service.Requester{
		ClaimantID: model.ClaimantID(middleware.ClaimantID(c)),
		Admin:      middleware.Role(c) == utils.RoleAdmin,
	}
}

// serviceError maps service errors to responses. Errors not caused by the
// request are handed to echo's error handler so they are logged as 500s.
func serviceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrSeatUnavailable):
		return c.JSON(http.StatusConflict, echo.Map{
			"error":       "seat unavailable",
			"unavailable": service.UnavailableSeats(err),
		})
	case errors.Is(err, service.ErrInvalidShow):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "show not found"})
	case errors.Is(err, service.ErrReservationNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "reservation not found"})
	case errors.Is(err, service.ErrInvalidSeats):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotAuthorized):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, service.ErrReservationExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "reservation expired"})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
