package service

import "github.com/iliyamo/cinema-seat-hold/internal/model"

// PriceFunc returns the price of one seat of a show in cents. Pricing rules
// are owned elsewhere; the hold manager only sums what this returns.
type PriceFunc func(show *model.Show, seatID string) int64

// FlatPrice charges the show's per-seat price for every seat.
func FlatPrice(show *model.Show, _ string) int64 { return show.PriceCents }

func totalPrice(price PriceFunc, show *model.Show, seats []string) int64 {
	var total int64
	for _, s := range seats {
		total += price(show, s)
	}
	return total
}
