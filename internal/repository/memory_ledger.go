package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

// showSeats is the ledger state of one show. mu serializes writers for the
// show; snapshots take the read lock only.
type showSeats struct {
	mu       sync.RWMutex
	occupied map[string]model.OccupiedEntry
	held     map[string]model.HoldEntry
}

// MemoryLedger is a process-local SeatLedger. Each show has its own lock,
// so claims for different shows proceed in parallel.
type MemoryLedger struct {
	shows ShowStore

	mu    sync.RWMutex
	state map[model.ShowID]*showSeats
}

// NewMemoryLedger returns an empty ledger. shows decides which show ids
// exist; state for a show is created on first use.
func NewMemoryLedger(shows ShowStore) *MemoryLedger {
	return &MemoryLedger{shows: shows, state: make(map[model.ShowID]*showSeats)}
}

func (l *MemoryLedger) seats(ctx context.Context, showID model.ShowID) (*showSeats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	s, ok := l.state[showID]
	l.mu.RUnlock()
	if ok {
		return s, nil
	}

	if _, err := l.shows.Get(ctx, showID); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.state[showID]; !ok {
		s = &showSeats{
			occupied: make(map[string]model.OccupiedEntry),
			held:     make(map[string]model.HoldEntry),
		}
		l.state[showID] = s
	}
	return s, nil
}

func (l *MemoryLedger) Snapshot(ctx context.Context, showID model.ShowID, now time.Time) (model.SeatSnapshot, error) {
	s, err := l.seats(ctx, showID)
	if err != nil {
		return model.SeatSnapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := model.SeatSnapshot{
		ShowID:   showID,
		Occupied: make([]model.OccupiedEntry, 0, len(s.occupied)),
		Held:     make([]model.HoldEntry, 0, len(s.held)),
		TakenAt:  now,
	}
	for _, o := range s.occupied {
		snap.Occupied = append(snap.Occupied, o)
	}
	for _, h := range s.held {
		if !h.ExpiredAt(now) {
			snap.Held = append(snap.Held, h)
		}
	}
	slices.SortFunc(snap.Occupied, func(a, b model.OccupiedEntry) int { return strings.Compare(a.SeatID, b.SeatID) })
	slices.SortFunc(snap.Held, func(a, b model.HoldEntry) int { return strings.Compare(a.SeatID, b.SeatID) })
	return snap, nil
}

func (l *MemoryLedger) Claim(ctx context.Context, req ClaimRequest) error {
	s, err := l.seats(ctx, req.ShowID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var conflicts []string
	for _, seat := range req.SeatIDs {
		if _, sold := s.occupied[seat]; sold {
			conflicts = append(conflicts, seat)
			continue
		}
		h, held := s.held[seat]
		if !held {
			continue
		}
		if h.ExpiredAt(req.Now) {
			delete(s.held, seat)
			continue
		}
		if h.ReservationID != req.ReservationID {
			conflicts = append(conflicts, seat)
		}
	}
	if len(conflicts) > 0 {
		return &SeatUnavailableError{Seats: conflicts}
	}

	for _, seat := range req.SeatIDs {
		s.held[seat] = model.HoldEntry{
			SeatID:        seat,
			ReservationID: req.ReservationID,
			ClaimantID:    req.ClaimantID,
			ExpiresAt:     req.ExpiresAt,
		}
	}
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, showID model.ShowID, reservationID model.ReservationID) (ReleaseResult, error) {
	s, err := l.seats(ctx, showID)
	if err != nil {
		return ReleaseResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ReleaseResult
	for seat, h := range s.held {
		if h.ReservationID == reservationID {
			delete(s.held, seat)
			res.Released = append(res.Released, seat)
		}
	}
	for _, o := range s.occupied {
		if o.ReservationID == reservationID {
			res.Occupied = true
			break
		}
	}
	slices.Sort(res.Released)
	return res, nil
}

func (l *MemoryLedger) Confirm(ctx context.Context, showID model.ShowID, reservationID model.ReservationID, now time.Time) (ConfirmResult, error) {
	s, err := l.seats(ctx, showID)
	if err != nil {
		return ConfirmResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var holds []model.HoldEntry
	for _, h := range s.held {
		if h.ReservationID == reservationID {
			holds = append(holds, h)
		}
	}
	if len(holds) == 0 {
		for _, o := range s.occupied {
			if o.ReservationID == reservationID {
				return ConfirmResult{AlreadyOccupied: true}, nil
			}
		}
		return ConfirmResult{}, ErrHoldNotFound
	}
	for _, h := range holds {
		if h.ExpiredAt(now) {
			return ConfirmResult{}, ErrHoldExpired
		}
	}

	var res ConfirmResult
	for _, h := range holds {
		delete(s.held, h.SeatID)
		s.occupied[h.SeatID] = model.OccupiedEntry{
			SeatID:        h.SeatID,
			ReservationID: h.ReservationID,
			ClaimantID:    h.ClaimantID,
		}
		res.Moved = append(res.Moved, h.SeatID)
	}
	slices.Sort(res.Moved)
	return res, nil
}

func (l *MemoryLedger) SweepExpired(ctx context.Context, showID model.ShowID, now time.Time) ([]string, error) {
	s, err := l.seats(ctx, showID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []string
	for seat, h := range s.held {
		if h.ExpiredAt(now) {
			delete(s.held, seat)
			swept = append(swept, seat)
		}
	}
	slices.Sort(swept)
	return swept, nil
}
