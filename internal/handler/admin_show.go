package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/repository"
)

// AdminShowHandler lets operators register the shows seats can be held for.
type AdminShowHandler struct {
	Shows repository.ShowStore
}

// NewAdminShowHandler returns the handler.
func NewAdminShowHandler(shows repository.ShowStore) *AdminShowHandler {
	return &AdminShowHandler{Shows: shows}
}

// Put handles PUT /v1/admin/shows/:id. It creates the show or updates its
// descriptive fields; seat state is not touched.
func (h *AdminShowHandler) Put(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid show id"})
	}
	var body struct {
		Title      string `json:"title"`
		StartsAt   string `json:"starts_at"`
		PriceCents int64  `json:"price_cents"`
		LayoutRef  string `json:"layout_ref"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(body.Title) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "title is required"})
	}
	if body.PriceCents < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "price_cents must not be negative"})
	}
	startsAt, err := time.Parse(time.RFC3339, body.StartsAt)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "starts_at must be RFC3339"})
	}

	show := &model.Show{
		ID:         model.ShowID(id),
		Title:      strings.TrimSpace(body.Title),
		StartsAt:   startsAt.UTC(),
		PriceCents: body.PriceCents,
		LayoutRef:  body.LayoutRef,
	}
	if err := h.Shows.Upsert(c.Request().Context(), show); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "database error").SetInternal(err)
	}
	return c.JSON(http.StatusOK, show)
}
