package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-hold/internal/repository"
)

// Config tunes the hold and lifecycle policies.
type Config struct {
	// HoldTTL is how long claimed seats stay held without payment.
	HoldTTL time.Duration
	// ExpiryGrace delays the per-reservation expiry check past the TTL.
	ExpiryGrace time.Duration
	// MaxSeatsPerReservation caps a single selection.
	MaxSeatsPerReservation int
	// SweepBatchSize is how many expired reservations one sweep page loads.
	SweepBatchSize int
	// Price computes per-seat prices.
	Price PriceFunc
	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HoldTTL:                10 * time.Minute,
		ExpiryGrace:            time.Second,
		MaxSeatsPerReservation: 10,
		SweepBatchSize:         100,
		Price:                  FlatPrice,
		Now:                    func() time.Time { return time.Now().UTC() },
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HoldTTL <= 0 {
		c.HoldTTL = def.HoldTTL
	}
	if c.ExpiryGrace < 0 {
		c.ExpiryGrace = 0
	}
	if c.MaxSeatsPerReservation <= 0 {
		c.MaxSeatsPerReservation = def.MaxSeatsPerReservation
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = def.SweepBatchSize
	}
	if c.Price == nil {
		c.Price = def.Price
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}

// Deps are the collaborators shared by HoldManager and Lifecycle. Shows,
// Ledger and Reservations are required; the rest default to in-process
// or no-op implementations.
type Deps struct {
	Shows        repository.ShowStore
	Ledger       repository.SeatLedger
	Reservations repository.ReservationStore
	Changes      ChangeBus
	Events       EventPublisher
	Timers       *ExpiryScheduler
	Log          *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Changes == nil {
		d.Changes = NewLocalChangeBus()
	}
	if d.Events == nil {
		d.Events = NoopPublisher{}
	}
	if d.Timers == nil {
		d.Timers = NewExpiryScheduler(d.Log)
	}
	return d
}
