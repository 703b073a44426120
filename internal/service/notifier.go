package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/repository"
)

// NotifierConfig tunes the notifier.
type NotifierConfig struct {
	// Interval between two periodic snapshots.
	Interval time.Duration
	// ReadTimeout bounds a single ledger read.
	ReadTimeout time.Duration
	// Now is the clock used to stamp snapshots.
	Now func() time.Time
}

// DefaultNotifierConfig returns the production defaults.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Interval:    5 * time.Second,
		ReadTimeout: 3 * time.Second,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Notifier streams seat availability to viewers of a show. Every message
// is a complete snapshot that replaces the previous one. Viewers of the
// same show share one ledger read per round.
type Notifier struct {
	ledger  repository.SeatLedger
	shows   repository.ShowStore
	changes ChangeBus
	cfg     NotifierConfig
	log     *zap.Logger

	reads  singleflight.Group
	active atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewNotifier returns a notifier reading from ledger and woken early by
// changes. changes may be nil, in which case only the periodic rounds run.
func NewNotifier(ledger repository.SeatLedger, shows repository.ShowStore, changes ChangeBus, cfg NotifierConfig, log *zap.Logger) *Notifier {
	def := DefaultNotifierConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		ledger:  ledger,
		shows:   shows,
		changes: changes,
		cfg:     cfg,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Snapshot returns the current availability of a show.
func (n *Notifier) Snapshot(ctx context.Context, showID model.ShowID) (model.SeatSnapshot, error) {
	v, err, _ := n.reads.Do(string(showID), func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.ReadTimeout)
		defer cancel()
		return n.ledger.Snapshot(rctx, showID, n.cfg.Now())
	})
	if errors.Is(err, repository.ErrShowNotFound) {
		return model.SeatSnapshot{}, ErrInvalidShow
	}
	if err != nil {
		return model.SeatSnapshot{}, err
	}
	return v.(model.SeatSnapshot), nil
}

// Subscribe starts a stream of snapshots for showID. The first snapshot is
// already in the channel when Subscribe returns; later ones follow every
// interval and on change signals. The channel has room for one snapshot and
// a newer one replaces an unread older one, so a slow reader only ever sees
// the latest state. The stream ends, and the channel is closed, when ctx is
// cancelled or the notifier is closed.
func (n *Notifier) Subscribe(ctx context.Context, showID model.ShowID) (<-chan model.SeatSnapshot, error) {
	select {
	case <-n.done:
		return nil, errors.New("notifier closed")
	default:
	}

	first, err := n.Snapshot(ctx, showID)
	if err != nil {
		return nil, err
	}

	out := make(chan model.SeatSnapshot, 1)
	out <- first

	var (
		changed <-chan struct{}
		stop    = func() {}
	)
	if n.changes != nil {
		changed, stop = n.changes.Listen(showID)
	}

	n.active.Add(1)
	n.wg.Add(1)
	go n.stream(ctx, showID, out, changed, stop)
	return out, nil
}

func (n *Notifier) stream(ctx context.Context, showID model.ShowID, out chan model.SeatSnapshot, changed <-chan struct{}, stop func()) {
	ticker := time.NewTicker(n.cfg.Interval)
	defer func() {
		ticker.Stop()
		stop()
		close(out)
		n.active.Add(-1)
		n.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case <-ticker.C:
		case <-changed:
		}
		snap, err := n.Snapshot(ctx, showID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("snapshot for subscriber failed",
				zap.String("show_id", string(showID)), zap.Error(err))
			continue
		}
		deliverLatest(out, snap)
	}
}

// deliverLatest puts snap into out, evicting an unread older snapshot.
// Only the stream goroutine sends on out, so the loop ends after at most
// one eviction.
func deliverLatest(out chan model.SeatSnapshot, snap model.SeatSnapshot) {
	for {
		select {
		case out <- snap:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

// ActiveSubscriptions returns the number of running streams.
func (n *Notifier) ActiveSubscriptions() int { return int(n.active.Load()) }

// Close ends every stream and waits for them to exit.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() { close(n.done) })
	n.wg.Wait()
}
