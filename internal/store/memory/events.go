// SPDX-License-Identifier: Apache-2.0

// Package memory holds in-process implementations of the event, checkpoint
// and reservation stores. They back tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/domain"
)

type EventStore struct {
	mu     sync.RWMutex
	events []domain.Event
	nextID int64
}

func NewEventStore() *EventStore {
	return &EventStore{nextID: 1}
}

// Append assigns sequence ids in argument order and returns the stored events.
func (s *EventStore) Append(_ context.Context, evs ...domain.NewEvent) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Event, 0, len(evs))
	for _, ne := range evs {
		ts := ne.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		ev := domain.Event{
			ID:          s.nextID,
			AggregateID: ne.AggregateID,
			Type:        ne.Type,
			Timestamp:   ts,
			Payload:     append([]byte(nil), ne.Payload...),
		}
		s.nextID++
		s.events = append(s.events, ev)
		out = append(out, ev)
	}
	return out, nil
}

func (s *EventStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

func (s *EventStore) LatestEventID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].ID, nil
}

func (s *EventStore) CountRange(_ context.Context, fromID, toID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lo, hi := s.bounds(fromID, toID)
	return int64(hi - lo), nil
}

func (s *EventStore) ReadRange(_ context.Context, fromID, toID int64, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := s.bounds(fromID, toID)
	if limit > 0 && hi-lo > limit {
		hi = lo + limit
	}
	out := make([]domain.Event, hi-lo)
	copy(out, s.events[lo:hi])
	return out, nil
}

// bounds returns the slice window holding ids in [fromID, toID].
func (s *EventStore) bounds(fromID, toID int64) (int, int) {
	if fromID > toID {
		return 0, 0
	}
	lo := sort.Search(len(s.events), func(i int) bool { return s.events[i].ID >= fromID })
	hi := sort.Search(len(s.events), func(i int) bool { return s.events[i].ID > toID })
	return lo, hi
}
