package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/repository"
)

var t0 = time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu        sync.Mutex
	confirmed []model.ReservationID
	cancelled []model.ReservationID
	anomalies []model.PaymentAnomaly
}

func (p *recordingPublisher) PublishConfirmed(_ context.Context, r *model.Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, r.ID)
	return nil
}

func (p *recordingPublisher) PublishCancelled(_ context.Context, r *model.Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, r.ID)
	return nil
}

func (p *recordingPublisher) PublishAnomaly(_ context.Context, a model.PaymentAnomaly) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anomalies = append(p.anomalies, a)
	return nil
}

func (p *recordingPublisher) counts() (confirmed, cancelled, anomalies int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.confirmed), len(p.cancelled), len(p.anomalies)
}

type testEnv struct {
	clock  *fakeClock
	shows  *repository.MemoryShowStore
	ledger *repository.MemoryLedger
	store  repository.ReservationStore
	bus    *LocalChangeBus
	events *recordingPublisher
	timers *ExpiryScheduler
	lc     *Lifecycle
	hm     *HoldManager
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithStore(t, repository.NewMemoryReservationStore())
}

func newTestEnvWithStore(t *testing.T, store repository.ReservationStore) *testEnv {
	t.Helper()
	e := &testEnv{
		clock: &fakeClock{now: t0},
		shows: repository.NewMemoryShowStore(
			model.Show{ID: "S1", Title: "Dune", StartsAt: t0.Add(time.Hour), PriceCents: 1200},
			model.Show{ID: "S2", Title: "Alien", StartsAt: t0.Add(2 * time.Hour), PriceCents: 900},
		),
		store:  store,
		bus:    NewLocalChangeBus(),
		events: &recordingPublisher{},
		timers: NewExpiryScheduler(nil),
	}
	e.ledger = repository.NewMemoryLedger(e.shows)
	e.lc = NewLifecycle(Deps{
		Shows:        e.shows,
		Ledger:       e.ledger,
		Reservations: e.store,
		Changes:      e.bus,
		Events:       e.events,
		Timers:       e.timers,
	}, Config{
		HoldTTL:     600 * time.Second,
		ExpiryGrace: time.Second,
		Now:         e.clock.Now,
	})
	e.hm = NewHoldManager(e.lc)
	t.Cleanup(func() {
		e.timers.Stop()
		e.lc.Wait()
	})
	return e
}

func (e *testEnv) snapshot(t *testing.T, show model.ShowID) model.SeatSnapshot {
	t.Helper()
	snap, err := e.ledger.Snapshot(context.Background(), show, e.clock.Now())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func claimOrphan(show model.ShowID, seat string, expires time.Time) repository.ClaimRequest {
	return repository.ClaimRequest{
		ShowID:        show,
		SeatIDs:       []string{seat},
		ReservationID: "orphan",
		ClaimantID:    "nobody",
		ExpiresAt:     expires,
		Now:           t0,
	}
}
