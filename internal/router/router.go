// Package router registers the HTTP routes of the API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-hold/internal/handler"
	"github.com/iliyamo/cinema-seat-hold/internal/middleware"
	"github.com/iliyamo/cinema-seat-hold/internal/utils"
)

// Handlers bundles everything the routes dispatch to.
type Handlers struct {
	Health       echo.HandlerFunc
	Seats        *handler.SeatHandler
	Reservations *handler.ReservationHandler
	Webhook      *handler.PaymentWebhook
	AdminShows   *handler.AdminShowHandler
}

// Options carries the middleware that depends on runtime configuration.
type Options struct {
	JWTSecret string
	// RateLimit guards reservation creation. Nil disables it.
	RateLimit echo.MiddlewareFunc
}

// RegisterRoutes registers the health check and the public seat views.
// Guests may watch availability without a token.
func RegisterRoutes(e *echo.Echo, h Handlers) {
	health := h.Health
	if health == nil {
		health = handler.Health(nil)
	}
	e.GET("/healthz", health)
	e.GET("/v1/shows/:id/seats", h.Seats.GetSeats)
	e.GET("/v1/shows/:id/seats/stream", h.Seats.StreamSeats)
}

// RegisterReservations registers the authenticated reservation endpoints.
func RegisterReservations(e *echo.Echo, h Handlers, opts Options) {
	g := e.Group("/v1",
		middleware.JWTAuth(opts.JWTSecret),
		middleware.RequireRole(utils.RoleCustomer, utils.RoleAdmin),
	)
	create := []echo.MiddlewareFunc{}
	if opts.RateLimit != nil {
		create = append(create, opts.RateLimit)
	}
	g.POST("/shows/:id/reservations", h.Reservations.Create, create...)
	g.GET("/reservations/:id", h.Reservations.Get)
	g.GET("/my-reservations", h.Reservations.ListMine)
	g.DELETE("/reservations/:id", h.Reservations.Release)
	g.POST("/reservations/:id/confirm", h.Reservations.Confirm, middleware.RequireRole(utils.RoleAdmin))
}

// RegisterAdmin registers operator endpoints.
func RegisterAdmin(e *echo.Echo, h Handlers, opts Options) {
	g := e.Group("/v1/admin",
		middleware.JWTAuth(opts.JWTSecret),
		middleware.RequireRole(utils.RoleAdmin),
	)
	g.PUT("/shows/:id", h.AdminShows.Put)
}

// RegisterPayments registers the payment provider callback. It is
// authenticated by its body signature, not by a JWT.
func RegisterPayments(e *echo.Echo, h Handlers) {
	e.POST("/v1/payments/webhook", h.Webhook.Handle)
}

// RegisterAll registers every route group.
func RegisterAll(e *echo.Echo, h Handlers, opts Options) {
	RegisterRoutes(e, h)
	RegisterReservations(e, h, opts)
	RegisterAdmin(e, h, opts)
	RegisterPayments(e, h)
}
