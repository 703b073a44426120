package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

// EventPublisher forwards lifecycle events to downstream consumers such as
// ticket issuance and notification dispatch. Delivery is best effort.
type EventPublisher interface {
	PublishConfirmed(ctx context.Context, r *model.Reservation) error
	PublishCancelled(ctx context.Context, r *model.Reservation) error
	PublishAnomaly(ctx context.Context, a model.PaymentAnomaly) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) PublishConfirmed(context.Context, *model.Reservation) error { return nil }
func (NoopPublisher) PublishCancelled(context.Context, *model.Reservation) error { return nil }
func (NoopPublisher) PublishAnomaly(context.Context, model.PaymentAnomaly) error  { return nil }

// dispatcher runs publications in the background so a slow broker never
// delays a state transition. Failures are only logged.
type dispatcher struct {
	events  EventPublisher
	log     *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func newDispatcher(events EventPublisher, log *zap.Logger) *dispatcher {
	return &dispatcher{events: events, log: log, timeout: 10 * time.Second}
}

func (d *dispatcher) send(name string, id model.ReservationID, fn func(ctx context.Context, p EventPublisher) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := fn(ctx, d.events); err != nil {
			d.log.Warn("publish event failed",
				zap.String("event", name),
				zap.String("reservation_id", string(id)),
				zap.Error(err),
			)
		}
	}()
}

func (d *dispatcher) confirmed(r *model.Reservation) {
	d.send("reservation.confirmed", r.ID, func(ctx context.Context, p EventPublisher) error {
		return p.PublishConfirmed(ctx, r)
	})
}

func (d *dispatcher) cancelled(r *model.Reservation) {
	d.send("reservation.cancelled", r.ID, func(ctx context.Context, p EventPublisher) error {
		return p.PublishCancelled(ctx, r)
	})
}

func (d *dispatcher) anomaly(a model.PaymentAnomaly) {
	d.send("reservation.anomaly", a.ReservationID, func(ctx context.Context, p EventPublisher) error {
		return p.PublishAnomaly(ctx, a)
	})
}

// wait blocks until every in-flight publication returned.
func (d *dispatcher) wait() { d.wg.Wait() }
