package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/cinema-seat-hold/internal/model"
)

// MemoryShowStore is a process-local ShowStore.
type MemoryShowStore struct {
	mu    sync.RWMutex
	shows map[model.ShowID]model.Show
}

// NewMemoryShowStore returns a store preloaded with shows.
func NewMemoryShowStore(shows ...model.Show) *MemoryShowStore {
	s := &MemoryShowStore{shows: make(map[model.ShowID]model.Show, len(shows))}
	for _, sh := range shows {
		s.shows[sh.ID] = sh
	}
	return s
}

func (s *MemoryShowStore) Get(_ context.Context, id model.ShowID) (*model.Show, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shows[id]
	if !ok {
		return nil, ErrShowNotFound
	}
	return &sh, nil
}

func (s *MemoryShowStore) Upsert(_ context.Context, sh *model.Show) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.shows[sh.ID]; ok {
		sh.CreatedAt = prev.CreatedAt
	} else if sh.CreatedAt.IsZero() {
		sh.CreatedAt = now
	}
	sh.UpdatedAt = now
	s.shows[sh.ID] = *sh
	return nil
}

func (s *MemoryShowStore) List(_ context.Context) ([]model.Show, error) {
	s.mu.RLock()
	out := make([]model.Show, 0, len(s.shows))
	for _, sh := range s.shows {
		out = append(out, sh)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.Show) int {
		if c := a.StartsAt.Compare(b.StartsAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, nil
}

// MemoryReservationStore is a process-local ReservationStore. Records are
// cloned on the way in and out.
type MemoryReservationStore struct {
	mu   sync.RWMutex
	byID map[model.ReservationID]*model.Reservation
}

// NewMemoryReservationStore returns an empty store.
func NewMemoryReservationStore() *MemoryReservationStore {
	return &MemoryReservationStore{byID: make(map[model.ReservationID]*model.Reservation)}
}

func (s *MemoryReservationStore) Create(_ context.Context, r *model.Reservation) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; ok {
		return ErrDuplicate
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	s.byID[r.ID] = r.Clone()
	return nil
}

func (s *MemoryReservationStore) Get(_ context.Context, id model.ReservationID) (*model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryReservationStore) MarkConfirmed(_ context.Context, id model.ReservationID, paymentRef string, at time.Time) (*model.Reservation, error) {
	return s.transition(id, func(r *model.Reservation) {
		r.Status = model.StatusConfirmed
		r.ExpiresAt = nil
		if paymentRef != "" {
			ref := paymentRef
			r.PaymentRef = &ref
		}
		r.UpdatedAt = at
	})
}

func (s *MemoryReservationStore) MarkCancelled(_ context.Context, id model.ReservationID, reason string, at time.Time) (*model.Reservation, error) {
	return s.transition(id, func(r *model.Reservation) {
		r.Status = model.StatusCancelled
		r.CancelReason = reason
		r.UpdatedAt = at
	})
}

func (s *MemoryReservationStore) transition(id model.ReservationID, apply func(*model.Reservation)) (*model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if !r.IsPending() {
		return r.Clone(), ErrNotPending
	}
	apply(r)
	return r.Clone(), nil
}

func (s *MemoryReservationStore) ListExpiredPending(_ context.Context, now time.Time, after *ExpiryCursor, limit int) ([]*model.Reservation, error) {
	s.mu.RLock()
	var out []*model.Reservation
	for _, r := range s.byID {
		if !r.ExpiredAt(now) {
			continue
		}
		if after != nil && compareExpiry(*r.ExpiresAt, r.ID, after.ExpiresAt, after.ID) <= 0 {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *model.Reservation) int {
		return compareExpiry(*a.ExpiresAt, a.ID, *b.ExpiresAt, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func compareExpiry(at time.Time, id model.ReservationID, bt time.Time, bid model.ReservationID) int {
	if c := at.Compare(bt); c != 0 {
		return c
	}
	return strings.Compare(string(id), string(bid))
}

func (s *MemoryReservationStore) ListByClaimant(_ context.Context, claimant model.ClaimantID) ([]*model.Reservation, error) {
	s.mu.RLock()
	var out []*model.Reservation
	for _, r := range s.byID {
		if r.ClaimantID == claimant {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *model.Reservation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, nil
}
