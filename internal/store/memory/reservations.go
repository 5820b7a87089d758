// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/reservation"
)

type rowKey struct {
	scope string
	value string
}

type ReservationStore struct {
	mu   sync.Mutex
	rows map[rowKey]domain.ReservedValue
}

func NewReservationStore() *ReservationStore {
	return &ReservationStore{rows: make(map[rowKey]domain.ReservedValue)}
}

func (s *ReservationStore) Get(_ context.Context, scope, value string) (domain.ReservedValue, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rv, ok := s.rows[rowKey{scope, value}]
	return clone(rv), ok, nil
}

func (s *ReservationStore) ListByConfirmationToken(_ context.Context, scope, token string) ([]domain.ReservedValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ReservedValue
	for k, rv := range s.rows {
		if k.scope == scope && rv.HasConfirmationToken(token) {
			out = append(out, clone(rv))
		}
	}
	sortByValue(out)
	return out, nil
}

func (s *ReservationStore) ListAvailable(_ context.Context, scope string, now time.Time, limit int) ([]domain.ReservedValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ReservedValue
	for k, rv := range s.rows {
		if k.scope == scope && rv.Expired(now) {
			out = append(out, clone(rv))
		}
	}
	sortByValue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ReservationStore) Insert(_ context.Context, rv domain.ReservedValue, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey{rv.Scope, rv.Value}
	if _, exists := s.rows[k]; exists {
		return false, nil
	}
	if s.tokenHeldElsewhere(k, rv.ConfirmationToken, now) {
		return false, reservation.ErrConfirmationTokenInUse
	}

	rv.Version = 1
	s.rows[k] = clone(rv)
	return true, nil
}

func (s *ReservationStore) CompareAndSwap(_ context.Context, expectedVersion int64, rv domain.ReservedValue, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey{rv.Scope, rv.Value}
	cur, exists := s.rows[k]
	if !exists || cur.Version != expectedVersion {
		return false, nil
	}
	if s.tokenHeldElsewhere(k, rv.ConfirmationToken, now) {
		return false, reservation.ErrConfirmationTokenInUse
	}

	rv.Version = expectedVersion + 1
	s.rows[k] = clone(rv)
	return true, nil
}

// tokenHeldElsewhere reports whether another live row of the scope carries
// token. Caller holds mu.
func (s *ReservationStore) tokenHeldElsewhere(self rowKey, token *string, now time.Time) bool {
	if token == nil {
		return false
	}
	for k, rv := range s.rows {
		if k == self || k.scope != self.scope {
			continue
		}
		if rv.HasConfirmationToken(*token) && rv.Live(now) {
			return true
		}
	}
	return false
}

func clone(rv domain.ReservedValue) domain.ReservedValue {
	if rv.ConfirmationToken != nil {
		t := *rv.ConfirmationToken
		rv.ConfirmationToken = &t
	}
	if rv.Expiration != nil {
		e := *rv.Expiration
		rv.Expiration = &e
	}
	return rv
}

func sortByValue(rows []domain.ReservedValue) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Value < rows[j].Value })
}
