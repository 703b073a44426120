package model

import "time"

// Show represents a scheduled screening that seats can be held for.
// Scheduling itself happens elsewhere; this service only records the
// fields it needs to price and lock seats.
//
// Fields:
//
//	ID         – external show identifier.
//	Title      – movie title shown to shoppers.
//	StartsAt   – when the show begins.
//	PriceCents – flat per-seat price used by the default pricing function.
//	LayoutRef  – opaque reference to the seat map owned by another service.
//	CreatedAt  – creation timestamp.
//	UpdatedAt  – last update timestamp.
type Show struct {
	ID         ShowID    `json:"id"`          // shows.id
	Title      string    `json:"title"`       // shows.title
	StartsAt   time.Time `json:"starts_at"`   // shows.starts_at
	PriceCents int64     `json:"price_cents"` // shows.price_cents
	LayoutRef  string    `json:"layout_ref"`  // shows.layout_ref
	CreatedAt  time.Time `json:"created_at"`  // shows.created_at
	UpdatedAt  time.Time `json:"updated_at"`  // shows.updated_at
}
