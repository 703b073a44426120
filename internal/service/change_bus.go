package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

// ChangeBus carries "the seat map of this show changed" signals from the
// mutating operations to the notifier. Signals carry no state; listeners
// react by taking a fresh snapshot, so dropped or merged signals are fine.
type ChangeBus interface {
	Publish(ctx context.Context, showID model.ShowID)
	Listen(showID model.ShowID) (<-chan struct{}, func())
}

// LocalChangeBus fans signals out to listeners in this process.
type LocalChangeBus struct {
	mu        sync.Mutex
	listeners map[model.ShowID]map[chan struct{}]struct{}
}

// NewLocalChangeBus returns an empty bus.
func NewLocalChangeBus() *LocalChangeBus {
	return &LocalChangeBus{listeners: make(map[model.ShowID]map[chan struct{}]struct{})}
}

// Publish wakes every listener of showID. A listener that has not consumed
// its previous signal keeps just the one pending signal.
func (b *LocalChangeBus) Publish(_ context.Context, showID model.ShowID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners[showID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Listen registers a listener for showID. The returned func removes it and
// must be called exactly once.
func (b *LocalChangeBus) Listen(showID model.ShowID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	set, ok := b.listeners[showID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.listeners[showID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners[showID], ch)
			if len(b.listeners[showID]) == 0 {
				delete(b.listeners, showID)
			}
		})
	}
}

// Listeners returns how many listeners are registered for showID.
func (b *LocalChangeBus) Listeners(showID model.ShowID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[showID])
}

// DefaultChangeChannel is the Redis pub/sub channel used by RedisChangeBus.
const DefaultChangeChannel = "seatmap:changed"

// RedisChangeBus relays signals through Redis pub/sub so that viewers
// connected to other instances are woken as well. While subscribed, local
// listeners are woken when the message comes back from Redis. While not
// subscribed, or when publishing fails, signals are delivered locally.
type RedisChangeBus struct {
	rdb        *redis.Client
	channel    string
	local      *LocalChangeBus
	log        *zap.Logger
	subscribed atomic.Bool
	newBackOff func() backoff.BackOff
}

// NewRedisChangeBus returns a bus on channel. Run must be started for
// remote signals to reach local listeners.
func NewRedisChangeBus(rdb *redis.Client, channel string, log *zap.Logger) *RedisChangeBus {
	if channel == "" {
		channel = DefaultChangeChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisChangeBus{
		rdb:     rdb,
		channel: channel,
		local:   NewLocalChangeBus(),
		log:     log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

func (b *RedisChangeBus) Publish(ctx context.Context, showID model.ShowID) {
	err := b.rdb.Publish(ctx, b.channel, string(showID)).Err()
	if err != nil {
		b.log.Warn("change bus publish failed, delivering locally",
			zap.String("show_id", string(showID)), zap.Error(err))
	}
	if err != nil || !b.subscribed.Load() {
		b.local.Publish(ctx, showID)
	}
}

func (b *RedisChangeBus) Listen(showID model.ShowID) (<-chan struct{}, func()) {
	return b.local.Listen(showID)
}

// Run keeps a subscription to the channel and forwards every message to
// local listeners until ctx is done. A failed or dropped subscription is
// retried with exponential backoff.
func (b *RedisChangeBus) Run(ctx context.Context) error {
	bo := b.newBackOff()
	for {
		established, err := b.relay(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		b.log.Warn("change bus: subscription lost", zap.Error(err), zap.Duration("retry_in", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// relay runs one subscription. It reports whether the subscription was
// established before it ended.
func (b *RedisChangeBus) relay(ctx context.Context) (bool, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return false, err
	}
	b.subscribed.Store(true)
	defer b.subscribed.Store(false)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return true, errors.New("subscription channel closed")
			}
			b.local.Publish(ctx, model.ShowID(msg.Payload))
		}
	}
}
