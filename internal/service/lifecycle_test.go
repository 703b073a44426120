package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/repository"
)

func TestConfirm(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1", "A2"})
	require.NoError(t, err)

	e.clock.Advance(5 * time.Minute)
	cur, err := e.lc.Confirm(ctx, res.ID, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, cur.Status)
	assert.Nil(t, cur.ExpiresAt)
	require.NotNil(t, cur.PaymentRef)
	assert.Equal(t, "pay-1", *cur.PaymentRef)
	assert.Zero(t, e.timers.Pending())

	snap := e.snapshot(t, "S1")
	require.Len(t, snap.Occupied, 2)
	assert.Equal(t, model.ClaimantID("alice"), snap.Occupied[0].ClaimantID)
	assert.Empty(t, snap.Held)

	e.lc.Wait()
	confirmed, _, _ := e.events.counts()
	assert.Equal(t, 1, confirmed)
}

func TestConfirmIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1"})
	require.NoError(t, err)

	_, err = e.lc.Confirm(ctx, res.ID, "pay-1")
	require.NoError(t, err)
	once := e.snapshot(t, "S1")

	cur, err := e.lc.Confirm(ctx, res.ID, "pay-1")
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)
	assert.True(t, IsIdempotentSuccess(err))
	assert.Equal(t, model.StatusConfirmed, cur.Status)
	assert.Equal(t, once, e.snapshot(t, "S1"))

	e.lc.Wait()
	confirmed, _, _ := e.events.counts()
	assert.Equal(t, 1, confirmed, "a duplicate confirm must not issue a second ticket")
}

func TestConfirmUnknownReservation(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.lc.Confirm(context.Background(), "missing", "pay")
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestConfirmAfterExpiryIsRejectedWithoutSweep(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1"})
	require.NoError(t, err)

	e.clock.Advance(600 * time.Second)
	cur, err := e.lc.Confirm(ctx, res.ID, "pay-late")
	require.ErrorIs(t, err, ErrReservationExpired)
	assert.Equal(t, model.StatusCancelled, cur.Status)
	assert.Equal(t, model.CancelExpired, cur.CancelReason)

	snap := e.snapshot(t, "S1")
	assert.Empty(t, snap.Occupied)
	assert.Empty(t, snap.Held)

	e.lc.Wait()
	_, cancelled, anomalies := e.events.counts()
	assert.Equal(t, 1, cancelled)
	require.Equal(t, 1, anomalies)
	assert.Equal(t, "pay-late", e.events.anomalies[0].PaymentRef)

	// A retry of the same late payment is still rejected and still flagged.
	_, err = e.lc.Confirm(ctx, res.ID, "pay-late")
	assert.ErrorIs(t, err, ErrReservationExpired)
	e.lc.Wait()
	_, _, anomalies = e.events.counts()
	assert.Equal(t, 2, anomalies)
}

func TestConfirmAfterReleaseIsRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1"})
	require.NoError(t, err)
	_, err = e.hm.ReleaseReservation(ctx, res.ID, Requester{ClaimantID: "alice"})
	require.NoError(t, err)

	_, err = e.lc.Confirm(ctx, res.ID, "")
	assert.ErrorIs(t, err, ErrReservationExpired)
	e.lc.Wait()
	_, _, anomalies := e.events.counts()
	assert.Zero(t, anomalies, "no payment reference, nothing to reconcile")
}

func TestConfirmWhenLedgerLostHold(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1"})
	require.NoError(t, err)

	// Holds vanish behind the reservation's back, as after a ledger restart.
	_, err = e.ledger.Release(ctx, "S1", res.ID)
	require.NoError(t, err)

	cur, err := e.lc.Confirm(ctx, res.ID, "pay-1")
	require.ErrorIs(t, err, ErrReservationExpired)
	assert.Equal(t, model.CancelHoldLost, cur.CancelReason)
}

func TestConfirmReleaseRace(t *testing.T) {
	for i := 0; i < 30; i++ {
		e := newTestEnv(t)
		ctx := context.Background()
		res, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1", "A2"})
		require.NoError(t, err)

		var (
			wg                     sync.WaitGroup
			confirmErr, releaseErr error
		)
		wg.Add(2)
		go func() { defer wg.Done(); _, confirmErr = e.lc.Confirm(ctx, res.ID, "pay") }()
		go func() {
			defer wg.Done()
			_, releaseErr = e.hm.ReleaseReservation(ctx, res.ID, Requester{ClaimantID: "alice"})
		}()
		wg.Wait()

		final, err := e.store.Get(ctx, res.ID)
		require.NoError(t, err)
		snap := e.snapshot(t, "S1")
		assert.Empty(t, snap.Held)

		switch final.Status {
		case model.StatusConfirmed:
			assert.NoError(t, confirmErr)
			assert.ErrorIs(t, releaseErr, ErrAlreadyTerminal)
			assert.Len(t, snap.Occupied, 2)
		case model.StatusCancelled:
			assert.NoError(t, releaseErr)
			assert.ErrorIs(t, confirmErr, ErrReservationExpired)
			assert.Empty(t, snap.Occupied)
		default:
			t.Fatalf("reservation left in %s", final.Status)
		}
	}
}

func TestConfirmThenRetryKeepsSeatsSold(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	r1, err := e.hm.CreateReservation(ctx, "S1", "X", []string{"A1", "A2"})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(600*time.Second), *r1.ExpiresAt)

	_, err = e.hm.CreateReservation(ctx, "S1", "Y", []string{"A2"})
	require.ErrorIs(t, err, ErrSeatUnavailable)

	_, err = e.lc.Confirm(ctx, r1.ID, "pay-x")
	require.NoError(t, err)
	snap := e.snapshot(t, "S1")
	assert.Equal(t, model.SeatOccupied, snap.StateOf("A1"))
	assert.Equal(t, model.SeatOccupied, snap.StateOf("A2"))

	_, err = e.hm.CreateReservation(ctx, "S1", "Y", []string{"A2"})
	assert.ErrorIs(t, err, ErrSeatUnavailable)
}

func TestSweepFreesSeatForNextShopper(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	lc := NewLifecycle(Deps{
		Shows:        e.shows,
		Ledger:       e.ledger,
		Reservations: e.store,
		Changes:      e.bus,
		Timers:       e.timers,
	}, Config{HoldTTL: time.Second, Now: e.clock.Now})
	hm := NewHoldManager(lc)

	r2, err := hm.CreateReservation(ctx, "S1", "Z", []string{"B1"})
	require.NoError(t, err)

	e.clock.Advance(2 * time.Second)
	st, err := lc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Expired)

	got, err := e.store.Get(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	_, err = hm.CreateReservation(ctx, "S1", "W", []string{"B1"})
	assert.NoError(t, err)
}

func TestExpireSweepSkipsConfirmedAndDropsOrphans(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	keep, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1"})
	require.NoError(t, err)
	_, err = e.lc.Confirm(ctx, keep.ID, "pay")
	require.NoError(t, err)

	stale, err := e.hm.CreateReservation(ctx, "S2", "bob", []string{"C1", "C2"})
	require.NoError(t, err)

	// A hold with no reservation behind it.
	require.NoError(t, e.ledger.Claim(ctx, claimOrphan("S1", "Z9", t0.Add(time.Minute))))

	e.clock.Advance(11 * time.Minute)
	st, err := e.lc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Expired: 1, OrphanHolds: 1}, st)

	got, err := e.store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, model.SeatOccupied, e.snapshot(t, "S1").StateOf("A1"))
	assert.Equal(t, model.SeatFree, e.snapshot(t, "S1").StateOf("Z9"))
	assert.Equal(t, model.SeatFree, e.snapshot(t, "S2").StateOf("C1"))

	again, err := e.lc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, again)
}

func TestExpireSweepPagesThroughBatches(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	lc := NewLifecycle(Deps{
		Shows:        e.shows,
		Ledger:       e.ledger,
		Reservations: e.store,
		Timers:       e.timers,
	}, Config{HoldTTL: time.Minute, SweepBatchSize: 2, Now: e.clock.Now})
	hm := NewHoldManager(lc)

	for _, seat := range []string{"A", "B", "C", "D", "E"} {
		_, err := hm.CreateReservation(ctx, "S1", "alice", []string{seat})
		require.NoError(t, err)
	}
	e.clock.Advance(time.Minute)

	st, err := lc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Expired)
	assert.Empty(t, e.snapshot(t, "S1").Held)
}

func TestExpireOne(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	res, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1"})
	require.NoError(t, err)

	require.NoError(t, e.lc.ExpireOne(ctx, res.ID))
	got, _ := e.store.Get(ctx, res.ID)
	assert.Equal(t, model.StatusPending, got.Status, "not yet expired")

	e.clock.Advance(10 * time.Minute)
	require.NoError(t, e.lc.ExpireOne(ctx, res.ID))
	got, _ = e.store.Get(ctx, res.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)

	assert.NoError(t, e.lc.ExpireOne(ctx, "missing"))
}

func TestDeferredExpiryTimerFires(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	lc := NewLifecycle(Deps{
		Shows:        e.shows,
		Ledger:       e.ledger,
		Reservations: e.store,
		Timers:       e.timers,
	}, Config{HoldTTL: 20 * time.Millisecond, ExpiryGrace: 10 * time.Millisecond})
	hm := NewHoldManager(lc)

	res, err := hm.CreateReservation(ctx, "S1", "alice", []string{"T1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := e.store.Get(ctx, res.ID)
		return err == nil && got.Status == model.StatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, e.timers.Pending())
}

func TestLifecycleErrorsAreResults(t *testing.T) {
	assert.False(t, IsUserError(errors.New("boom")))
	assert.True(t, IsUserError(ErrReservationExpired))
	assert.False(t, IsIdempotentSuccess(ErrReservationExpired))
}

// flakyConfirmStore fails MarkConfirmed while failures is positive.
type flakyConfirmStore struct {
	*repository.MemoryReservationStore
	failures atomic.Int32
}

func newFlakyConfirmStore(failures int32) *flakyConfirmStore {
	s := &flakyConfirmStore{MemoryReservationStore: repository.NewMemoryReservationStore()}
	s.failures.Store(failures)
	return s
}

func (s *flakyConfirmStore) MarkConfirmed(ctx context.Context, id model.ReservationID, paymentRef string, at time.Time) (*model.Reservation, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return s.MemoryReservationStore.MarkConfirmed(ctx, id, paymentRef, at)
}

func TestConfirmRetryAfterTTLFinishesSoldReservation(t *testing.T) {
	store := newFlakyConfirmStore(1)
	e := newTestEnvWithStore(t, store)
	ctx := context.Background()
	res, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1"})
	require.NoError(t, err)

	_, err = e.lc.Confirm(ctx, res.ID, "pay-1")
	require.Error(t, err)
	stuck, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, stuck.Status)
	require.Equal(t, model.SeatOccupied, e.snapshot(t, "S1").StateOf("A1"))

	e.clock.Advance(11 * time.Minute)
	cur, err := e.lc.Confirm(ctx, res.ID, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, cur.Status)
	require.NotNil(t, cur.PaymentRef)
	assert.Equal(t, "pay-1", *cur.PaymentRef)

	got, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.Equal(t, model.SeatOccupied, e.snapshot(t, "S1").StateOf("A1"))
	assert.Zero(t, e.timers.Pending())

	e.lc.Wait()
	confirmed, cancelled, anomalies := e.events.counts()
	assert.Equal(t, 1, confirmed)
	assert.Zero(t, cancelled)
	assert.Zero(t, anomalies)
}

func TestExpireOneFinishesSoldReservation(t *testing.T) {
	store := newFlakyConfirmStore(1)
	e := newTestEnvWithStore(t, store)
	ctx := context.Background()
	res, err := e.hm.CreateReservation(ctx, "S1", "alice", []string{"A1"})
	require.NoError(t, err)
	_, err = e.lc.Confirm(ctx, res.ID, "pay-1")
	require.Error(t, err)

	e.clock.Advance(11 * time.Minute)
	require.NoError(t, e.lc.ExpireOne(ctx, res.ID))

	got, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.Equal(t, model.SeatOccupied, e.snapshot(t, "S1").StateOf("A1"))
}

// sweepEnv builds a lifecycle over store with a small sweep batch and
// leaves two reservations whose seats were sold but whose status update
// failed, followed by one plain pending reservation that expires later.
func sweepEnv(t *testing.T, store *flakyConfirmStore) (*testEnv, *Lifecycle, model.ReservationID) {
	t.Helper()
	e := newTestEnvWithStore(t, store)
	ctx := context.Background()
	lc := NewLifecycle(Deps{
		Shows:        e.shows,
		Ledger:       e.ledger,
		Reservations: store,
		Changes:      e.bus,
		Events:       e.events,
		Timers:       e.timers,
	}, Config{HoldTTL: time.Minute, SweepBatchSize: 2, Now: e.clock.Now})
	t.Cleanup(lc.Wait)
	hm := NewHoldManager(lc)

	for _, seat := range []string{"A1", "A2"} {
		res, err := hm.CreateReservation(ctx, "S1", "alice", []string{seat})
		require.NoError(t, err)
		_, err = lc.Confirm(ctx, res.ID, "")
		require.Error(t, err)
		e.clock.Advance(time.Second)
	}
	victim, err := hm.CreateReservation(ctx, "S1", "bob", []string{"B1"})
	require.NoError(t, err)
	e.clock.Advance(2 * time.Minute)
	return e, lc, victim.ID
}

func TestExpireSweepSettlesSoldReservations(t *testing.T) {
	store := newFlakyConfirmStore(2)
	e, lc, victim := sweepEnv(t, store)
	ctx := context.Background()

	st, err := lc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Expired: 1, Settled: 2}, st)

	got, err := store.Get(ctx, victim)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	snap := e.snapshot(t, "S1")
	assert.Equal(t, model.SeatOccupied, snap.StateOf("A1"))
	assert.Equal(t, model.SeatOccupied, snap.StateOf("A2"))
	assert.Equal(t, model.SeatFree, snap.StateOf("B1"))

	again, err := lc.ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, again)
}

func TestExpireSweepPagesPastUnresolvedRows(t *testing.T) {
	store := newFlakyConfirmStore(1 << 20)
	_, lc, victim := sweepEnv(t, store)
	ctx := context.Background()

	st, err := lc.ExpireSweep(ctx)
	require.Error(t, err, "the sold rows still cannot be marked confirmed")
	assert.Equal(t, 1, st.Expired)

	got, err := store.Get(ctx, victim)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}
