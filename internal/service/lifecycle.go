package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
	"github.com/iliyamo/cinema-seat-hold/internal/repository"
	"github.com/iliyamo/cinema-seat-hold/internal/telemetry"
)

// Lifecycle drives reservations from PENDING to CONFIRMED or CANCELLED.
// The seat ledger decides every race: whichever of confirm and release
// reaches the show's critical section first wins, and the reservation
// record is then updated with a compare-and-set that only succeeds from
// PENDING.
type Lifecycle struct {
	deps   Deps
	cfg    Config
	events *dispatcher
}

// NewLifecycle wires a Lifecycle.
func NewLifecycle(deps Deps, cfg Config) *Lifecycle {
	deps = deps.withDefaults()
	return &Lifecycle{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		events: newDispatcher(deps.Events, deps.Log),
	}
}

// Confirm finalizes a paid reservation. A reservation that was already
// confirmed is returned together with ErrAlreadyConfirmed, which callers
// should treat as success. A reservation whose hold lapsed is cancelled and
// ErrReservationExpired is returned; if a payment reference was supplied
// the mismatch is raised as a payment anomaly.
func (l *Lifecycle) Confirm(ctx context.Context, id model.ReservationID, paymentRef string) (*model.Reservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "Lifecycle.Confirm", attribute.String("reservation_id", string(id)))
	defer span.End()

	res, err := l.confirm(ctx, id, paymentRef)
	if errors.Is(err, ErrReservationExpired) && paymentRef != "" && res != nil {
		l.raiseAnomaly(res, paymentRef, "payment received after reservation expired")
	}
	if err != nil && !IsUserError(err) && !IsIdempotentSuccess(err) {
		telemetry.RecordError(span, err)
	}
	return res, err
}

func (l *Lifecycle) confirm(ctx context.Context, id model.ReservationID, paymentRef string) (*model.Reservation, error) {
	res, err := l.deps.Reservations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case model.StatusConfirmed:
		return res, ErrAlreadyConfirmed
	case model.StatusCancelled:
		return res, ErrReservationExpired
	}

	now := l.cfg.Now()
	if res.ExpiredAt(now) {
		return l.expireOnConfirm(ctx, res, paymentRef, now, model.CancelExpired)
	}

	_, err = l.deps.Ledger.Confirm(ctx, res.ShowID, id, now)
	switch {
	case errors.Is(err, repository.ErrHoldExpired):
		return l.expireOnConfirm(ctx, res, paymentRef, now, model.CancelExpired)
	case errors.Is(err, repository.ErrHoldNotFound):
		return l.expireOnConfirm(ctx, res, paymentRef, now, model.CancelHoldLost)
	case err != nil:
		return nil, fmt.Errorf("confirm seats: %w", err)
	}
	return l.settleSold(ctx, res, paymentRef, now)
}

// settleSold moves res to CONFIRMED once the ledger holds its seats as
// occupied. It also completes a confirm whose seat sale went through but
// whose status update did not, whenever that is noticed.
func (l *Lifecycle) settleSold(ctx context.Context, res *model.Reservation, paymentRef string, now time.Time) (*model.Reservation, error) {
	cur, err := l.deps.Reservations.MarkConfirmed(ctx, res.ID, paymentRef, now)
	if errors.Is(err, repository.ErrNotPending) {
		if cur.Status == model.StatusConfirmed {
			return cur, ErrAlreadyConfirmed
		}
		// The ledger sold the seats to this reservation, so nothing may
		// have cancelled it.
		l.deps.Log.Error("confirmed seats for a cancelled reservation",
			zap.String("reservation_id", string(res.ID)), zap.String("status", cur.Status))
		return cur, fmt.Errorf("reservation %s is %s after its seats were sold", res.ID, cur.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("mark confirmed: %w", err)
	}

	l.deps.Timers.Cancel(res.ID)
	l.events.confirmed(cur)
	l.deps.Changes.Publish(ctx, cur.ShowID)
	l.deps.Log.Info("reservation confirmed",
		zap.String("reservation_id", string(res.ID)),
		zap.String("show_id", string(cur.ShowID)),
		zap.String("payment_ref", paymentRef),
	)
	return cur, nil
}

// expireOnConfirm cancels res because its hold is gone at confirm time.
// Seats the ledger already sold to res are settled instead.
func (l *Lifecycle) expireOnConfirm(ctx context.Context, res *model.Reservation, paymentRef string, now time.Time, reason string) (*model.Reservation, error) {
	out, cur, err := l.expire(ctx, res, now, reason)
	if err != nil {
		return nil, err
	}
	switch out {
	case expireSold:
		return l.settleSold(ctx, res, paymentRef, now)
	case expireNotPending:
		if cur.Status == model.StatusConfirmed {
			return cur, ErrAlreadyConfirmed
		}
		return cur, ErrReservationExpired
	}
	return cur, ErrReservationExpired
}

type expireOutcome int

const (
	expireCancelled  expireOutcome = iota // this call cancelled the reservation
	expireSold                            // the ledger had already sold the seats
	expireNotPending                      // someone else moved the reservation first
)

// expire frees the reservation's seats and cancels it with reason. The
// ledger release comes first so a confirm racing with the expiry is decided
// by the ledger.
func (l *Lifecycle) expire(ctx context.Context, res *model.Reservation, now time.Time, reason string) (expireOutcome, *model.Reservation, error) {
	rel, err := l.deps.Ledger.Release(ctx, res.ShowID, res.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("release seats: %w", err)
	}
	if rel.Occupied {
		return expireSold, nil, nil
	}

	cur, err := l.deps.Reservations.MarkCancelled(ctx, res.ID, reason, now)
	if errors.Is(err, repository.ErrNotPending) {
		return expireNotPending, cur, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("mark cancelled: %w", err)
	}

	l.deps.Timers.Cancel(res.ID)
	l.events.cancelled(cur)
	l.deps.Changes.Publish(ctx, res.ShowID)
	l.deps.Log.Info("reservation expired",
		zap.String("reservation_id", string(res.ID)),
		zap.String("reason", reason),
		zap.Strings("seats", rel.Released),
	)
	return expireCancelled, cur, nil
}

func (l *Lifecycle) raiseAnomaly(res *model.Reservation, paymentRef, reason string) {
	a := model.PaymentAnomaly{
		ReservationID: res.ID,
		ShowID:        res.ShowID,
		ClaimantID:    res.ClaimantID,
		PaymentRef:    paymentRef,
		Reason:        reason,
		DetectedAt:    l.cfg.Now(),
	}
	l.deps.Log.Error("payment anomaly",
		zap.String("reservation_id", string(a.ReservationID)),
		zap.String("show_id", string(a.ShowID)),
		zap.String("claimant_id", string(a.ClaimantID)),
		zap.String("payment_ref", a.PaymentRef),
		zap.String("reason", a.Reason),
	)
	l.events.anomaly(a)
}

// ExpireOne is the deferred per-reservation check. It does nothing unless
// the reservation is still pending and its hold has lapsed.
func (l *Lifecycle) ExpireOne(ctx context.Context, id model.ReservationID) error {
	res, err := l.deps.Reservations.Get(ctx, id)
	if errors.Is(err, repository.ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := l.cfg.Now()
	if !res.ExpiredAt(now) {
		return nil
	}
	out, _, err := l.expire(ctx, res, now, model.CancelExpired)
	if err != nil || out != expireSold {
		return err
	}
	_, err = l.settleSold(ctx, res, "", now)
	if errors.Is(err, ErrAlreadyConfirmed) {
		return nil
	}
	return err
}

// SweepStats reports what one ExpireSweep did.
type SweepStats struct {
	Expired     int // pending reservations cancelled
	Settled     int // pending reservations whose seats were already sold
	Skipped     int // expired reservations a confirm or release got to first
	OrphanHolds int // lapsed holds with no pending reservation behind them
}

// ExpireSweep cancels every pending reservation whose hold lapsed and then
// drops lapsed holds left in the ledger. Each reservation is handled in its
// own show's critical section; no lock spans shows.
func (l *Lifecycle) ExpireSweep(ctx context.Context) (SweepStats, error) {
	ctx, span := telemetry.StartSpan(ctx, "Lifecycle.ExpireSweep")
	defer span.End()

	st, err := l.sweep(ctx)
	span.SetAttributes(
		attribute.Int("expired", st.Expired),
		attribute.Int("settled", st.Settled),
		attribute.Int("orphan_holds", st.OrphanHolds),
	)
	telemetry.RecordError(span, err)
	return st, err
}

func (l *Lifecycle) sweep(ctx context.Context) (SweepStats, error) {
	var (
		st   SweepStats
		errs []error
	)
	now := l.cfg.Now()

	// Rows that fail stay pending, so paging is by cursor rather than by
	// re-reading the head of the list.
	var after *repository.ExpiryCursor
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		batch, err := l.deps.Reservations.ListExpiredPending(ctx, now, after, l.cfg.SweepBatchSize)
		if err != nil {
			return st, fmt.Errorf("list expired: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, res := range batch {
			if err := l.sweepOne(ctx, res, now, &st); err != nil {
				errs = append(errs, fmt.Errorf("expire %s: %w", res.ID, err))
			}
		}
		if len(batch) < l.cfg.SweepBatchSize {
			break
		}
		after = repository.CursorAfter(batch[len(batch)-1])
	}

	shows, err := l.deps.Shows.List(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list shows: %w", err))
		return st, errors.Join(errs...)
	}
	for _, sh := range shows {
		swept, err := l.deps.Ledger.SweepExpired(ctx, sh.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep show %s: %w", sh.ID, err))
			continue
		}
		if len(swept) > 0 {
			st.OrphanHolds += len(swept)
			l.deps.Changes.Publish(ctx, sh.ID)
		}
	}
	return st, errors.Join(errs...)
}

func (l *Lifecycle) sweepOne(ctx context.Context, res *model.Reservation, now time.Time, st *SweepStats) error {
	out, _, err := l.expire(ctx, res, now, model.CancelExpired)
	if err != nil {
		return err
	}
	switch out {
	case expireCancelled:
		st.Expired++
	case expireNotPending:
		st.Skipped++
	case expireSold:
		l.deps.Log.Warn("expired reservation has sold seats",
			zap.String("reservation_id", string(res.ID)))
		_, err := l.settleSold(ctx, res, "", now)
		switch {
		case errors.Is(err, ErrAlreadyConfirmed):
			st.Skipped++
		case err != nil:
			return err
		default:
			st.Settled++
		}
	}
	return nil
}

// Wait blocks until queued event publications finished.
func (l *Lifecycle) Wait() { l.events.wait() }
