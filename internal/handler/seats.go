package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/service"
)

// SeatHandler serves seat availability to shoppers. Only seat states are
// exposed; claimants and reservation ids stay private.
type SeatHandler struct {
	Notifier *service.Notifier
}

// NewSeatHandler returns a SeatHandler reading through n.
func NewSeatHandler(n *service.Notifier) *SeatHandler {
	if n == nil {
		panic("nil notifier passed to NewSeatHandler")
	}
	return &SeatHandler{Notifier: n}
}

type heldSeat struct {
	SeatID    string    `json:"seat_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type seatMapView struct {
	ShowID   string     `json:"show_id"`
	TakenAt  time.Time  `json:"taken_at"`
	Reserved []string   `json:"reserved"`
	Held     []heldSeat `json:"held"`
}

func toSeatMap(s model.SeatSnapshot) seatMapView {
	v := seatMapView{
		ShowID:   string(s.ShowID),
		TakenAt:  s.TakenAt,
		Reserved: make([]string, 0, len(s.Occupied)),
		Held:     make([]heldSeat, 0, len(s.Held)),
	}
	for _, o := range s.Occupied {
		v.Reserved = append(v.Reserved, o.SeatID)
	}
	for _, h := range s.Held {
		v.Held = append(v.Held, heldSeat{SeatID: h.SeatID, ExpiresAt: h.ExpiresAt})
	}
	return v
}

// GetSeats handles GET /v1/shows/:id/seats. Seats that are not listed are
// free.
func (h *SeatHandler) GetSeats(c echo.Context) error {
	snap, err := h.Notifier.Snapshot(c.Request().Context(), model.ShowID(c.Param("id")))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, toSeatMap(snap))
}

// StreamSeats handles GET /v1/shows/:id/seats/stream as Server-Sent Events.
// Each "snapshot" event carries the full seat map; the stream lasts until
// the client disconnects.
func (h *SeatHandler) StreamSeats(c echo.Context) error {
	ctx := c.Request().Context()
	updates, err := h.Notifier.Subscribe(ctx, model.ShowID(c.Param("id")))
	if err != nil {
		return serviceError(c, err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for snap := range updates {
		data, err := json.Marshal(toSeatMap(snap))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "event: snapshot\ndata: %s\n\n", data); err != nil {
			// The client is gone; cancelling the request context ends the
			// subscription.
			return nil
		}
		res.Flush()
	}
	return nil
}
