package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

func newTestNotifier(e *testEnv, interval time.Duration) *Notifier {
	return NewNotifier(e.ledger, e.shows, e.bus, NotifierConfig{Interval: interval, Now: e.clock.Now}, nil)
}

func recv(t *testing.T, ch <-chan model.SeatSnapshot, within time.Duration) model.SeatSnapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "stream closed")
		return snap
	case <-time.After(within):
		t.Fatal("no snapshot received")
	}
	return model.SeatSnapshot{}
}

func TestSubscribeDeliversInitialSnapshotImmediately(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.hm.CreateReservation(context.Background(), "S1", "alice", []string{"A1"})
	require.NoError(t, err)

	n := newTestNotifier(e, time.Hour)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx, "S1")
	require.NoError(t, err)

	select {
	case snap := <-ch:
		assert.Equal(t, model.ShowID("S1"), snap.ShowID)
		assert.Equal(t, model.SeatHeld, snap.StateOf("A1"))
	default:
		t.Fatal("initial snapshot must be available without waiting")
	}
}

func TestSubscribeUnknownShow(t *testing.T) {
	e := newTestEnv(t)
	n := newTestNotifier(e, time.Hour)
	defer n.Close()

	_, err := n.Subscribe(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidShow)
	assert.Zero(t, n.ActiveSubscriptions())
}

func TestSubscribePeriodicSnapshots(t *testing.T) {
	e := newTestEnv(t)
	n := NewNotifier(e.ledger, e.shows, nil, NotifierConfig{Interval: 20 * time.Millisecond, Now: e.clock.Now}, nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx, "S1")
	require.NoError(t, err)

	first := recv(t, ch, time.Second)
	assert.Equal(t, model.SeatFree, first.StateOf("A1"))

	// No change signal is wired, so only the ticker can surface this.
	_, err = e.hm.CreateReservation(context.Background(), "S1", "alice", []string{"A1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return snap.StateOf("A1") == model.SeatHeld
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeWakesOnChange(t *testing.T) {
	e := newTestEnv(t)
	n := newTestNotifier(e, time.Hour)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx, "S1")
	require.NoError(t, err)
	recv(t, ch, time.Second)

	res, err := e.hm.CreateReservation(context.Background(), "S1", "alice", []string{"A1"})
	require.NoError(t, err)
	snap := recv(t, ch, time.Second)
	assert.Equal(t, model.SeatHeld, snap.StateOf("A1"))

	_, err = e.lc.Confirm(context.Background(), res.ID, "pay")
	require.NoError(t, err)
	snap = recv(t, ch, time.Second)
	assert.Equal(t, model.SeatOccupied, snap.StateOf("A1"))
}

func TestSlowSubscriberGetsLatestState(t *testing.T) {
	e := newTestEnv(t)
	n := newTestNotifier(e, time.Hour)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := n.Subscribe(ctx, "S1")
	require.NoError(t, err)

	// Never read the initial snapshot; push several changes.
	for _, seat := range []string{"A1", "A2", "A3"} {
		_, err := e.hm.CreateReservation(context.Background(), "S1", model.ClaimantID(seat), []string{seat})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return len(snap.Held) == 3
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelStopsStream(t *testing.T) {
	e := newTestEnv(t)
	n := newTestNotifier(e, 10*time.Millisecond)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := n.Subscribe(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1, n.ActiveSubscriptions())
	assert.Equal(t, 1, e.bus.Listeners("S1"))

	cancel()
	assert.Eventually(t, func() bool { return n.ActiveSubscriptions() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, e.bus.Listeners("S1"))

	// Drain; the channel must be closed.
	for range ch {
	}
}

func TestCloseEndsAllStreams(t *testing.T) {
	e := newTestEnv(t)
	n := newTestNotifier(e, time.Hour)

	for i := 0; i < 5; i++ {
		_, err := n.Subscribe(context.Background(), "S2")
		require.NoError(t, err)
	}
	assert.Equal(t, 5, n.ActiveSubscriptions())

	n.Close()
	assert.Zero(t, n.ActiveSubscriptions())
	_, err := n.Subscribe(context.Background(), "S2")
	assert.Error(t, err)
}
