package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

// ExpiryScheduler keeps one deferred check per pending reservation so that
// seats come back shortly after their TTL even between sweeps. The sweep
// remains the backstop for anything a restart or a lost timer missed.
type ExpiryScheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	timers  map[model.ReservationID]*time.Timer
	stopped bool
}

// NewExpiryScheduler returns an empty scheduler.
func NewExpiryScheduler(log *zap.Logger) *ExpiryScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExpiryScheduler{log: log, timers: make(map[model.ReservationID]*time.Timer)}
}

// Schedule runs fn after delay unless Cancel(id) or Stop is called first.
// Scheduling an id again replaces its previous timer.
func (s *ExpiryScheduler) Schedule(id model.ReservationID, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[id]; ok {
		prev.Stop()
	}
	var t *time.Timer
	// The callback takes s.mu, so it cannot observe the map before t is stored.
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current := s.timers[id] == t
		if current {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	s.timers[id] = t
}

// Cancel stops the timer for id, if any.
func (s *ExpiryScheduler) Cancel(id model.ReservationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending returns the number of armed timers.
func (s *ExpiryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and rejects further scheduling.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Sweeper is what SweepWorker drives. Lifecycle implements it.
type Sweeper interface {
	ExpireSweep(ctx context.Context) (SweepStats, error)
}

// SweepWorkerConfig contains configuration for the sweep worker.
type SweepWorkerConfig struct {
	// Interval is the time between two sweeps.
	Interval time.Duration
}

// DefaultSweepWorkerConfig returns default configuration.
func DefaultSweepWorkerConfig() SweepWorkerConfig {
	return SweepWorkerConfig{Interval: 30 * time.Second}
}

// SweepWorkerStats summarises the sweeps run so far.
type SweepWorkerStats struct {
	IsRunning        bool
	Runs             int64
	TotalExpired     int64
	TotalOrphans     int64
	LastScanTime     time.Time
	LastExpiredCount int
	LastError        string
}

// SweepWorker runs ExpireSweep periodically.
type SweepWorker struct {
	sweeper Sweeper
	cfg     SweepWorkerConfig
	log     *zap.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stats   SweepWorkerStats
}

// NewSweepWorker creates a worker. It does nothing until Start.
func NewSweepWorker(sweeper Sweeper, cfg SweepWorkerConfig, log *zap.Logger) *SweepWorker {
	if cfg.Interval <= 0 {
		cfg = DefaultSweepWorkerConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SweepWorker{sweeper: sweeper, cfg: cfg, log: log, stopCh: make(chan struct{})}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (w *SweepWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("sweep worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("starting sweep worker", zap.Duration("interval", w.cfg.Interval))
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (w *SweepWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("sweep worker stopped")
}

func (w *SweepWorker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *SweepWorker) runOnce(ctx context.Context) {
	st, err := w.sweeper.ExpireSweep(ctx)

	w.mu.Lock()
	w.stats.Runs++
	w.stats.LastScanTime = time.Now()
	w.stats.LastExpiredCount = st.Expired
	w.stats.TotalExpired += int64(st.Expired)
	w.stats.TotalOrphans += int64(st.OrphanHolds)
	w.stats.LastError = ""
	if err != nil {
		w.stats.LastError = err.Error()
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if st.Expired > 0 || st.Settled > 0 || st.OrphanHolds > 0 {
		w.log.Info("expiry sweep",
			zap.Int("expired", st.Expired),
			zap.Int("settled", st.Settled),
			zap.Int("orphan_holds", st.OrphanHolds),
			zap.Int("skipped", st.Skipped),
		)
	}
}

// Stats returns a copy of the worker statistics.
func (w *SweepWorker) Stats() SweepWorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.IsRunning = w.running
	return st
}
