package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/service"
)

// ReservationHandler exposes the reservation lifecycle to authenticated
// callers. JWT authentication has already run.
type ReservationHandler struct {
	Holds     *service.HoldManager
	Lifecycle *service.Lifecycle
}

// NewReservationHandler wires the handler. Both dependencies are required.
func NewReservationHandler(holds *service.HoldManager, lifecycle *service.Lifecycle) *ReservationHandler {
	if holds == nil || lifecycle == nil {
		panic("nil service passed to NewReservationHandler")
	}
	return &ReservationHandler{Holds: holds, Lifecycle: lifecycle}
}

// Create handles POST /v1/shows/:id/reservations with body
// {"seat_ids": [...]}. It answers 201 with the pending reservation or 409
// listing the seats that are taken.
func (h *ReservationHandler) Create(c echo.Context) error {
	who := requester(c)
	if who.ClaimantID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		SeatIDs []string `json:"seat_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if len(body.SeatIDs) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seat_ids is required"})
	}

	res, err := h.Holds.CreateReservation(c.Request().Context(), model.ShowID(c.Param("id")), who.ClaimantID, body.SeatIDs)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusCreated, toView(res))
}

// Get handles GET /v1/reservations/:id for the owner or an admin.
func (h *ReservationHandler) Get(c echo.Context) error {
	res, err := h.Holds.Get(c.Request().Context(), model.ReservationID(c.Param("id")), requester(c))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, toView(res))
}

// ListMine handles GET /v1/my-reservations.
func (h *ReservationHandler) ListMine(c echo.Context) error {
	who := requester(c)
	list, err := h.Holds.ListForClaimant(c.Request().Context(), who.ClaimantID)
	if err != nil {
		return serviceError(c, err)
	}
	out := make([]reservationView, 0, len(list))
	for _, r := range list {
		out = append(out, toView(r))
	}
	return c.JSON(http.StatusOK, echo.Map{"reservations": out})
}

// Release handles DELETE /v1/reservations/:id. Releasing a reservation that
// is already confirmed or cancelled is answered with 200 and
// already_terminal so clients can retry safely.
func (h *ReservationHandler) Release(c echo.Context) error {
	res, err := h.Holds.ReleaseReservation(c.Request().Context(), model.ReservationID(c.Param("id")), requester(c))
	if errors.Is(err, service.ErrAlreadyTerminal) {
		return c.JSON(http.StatusOK, echo.Map{"reservation": toView(res), "already_terminal": true})
	}
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"reservation": toView(res), "already_terminal": false})
}

// Confirm handles POST /v1/reservations/:id/confirm with body
// {"payment_ref": "..."}. Only trusted callers reach it.
func (h *ReservationHandler) Confirm(c echo.Context) error {
	var body struct {
		PaymentRef string `json:"payment_ref"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	body.PaymentRef = strings.TrimSpace(body.PaymentRef)
	if body.PaymentRef == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "payment_ref is required"})
	}

	res, err := h.Lifecycle.Confirm(c.Request().Context(), model.ReservationID(c.Param("id")), body.PaymentRef)
	if service.IsIdempotentSuccess(err) {
		return c.JSON(http.StatusOK, echo.Map{"reservation": toView(res), "already_confirmed": true})
	}
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"reservation": toView(res), "already_confirmed": false})
}
