// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/adiadia/readmodel-runtime/internal/domain"
)

type CheckpointStore struct {
	mu  sync.RWMutex
	cps map[string]domain.Checkpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{cps: make(map[string]domain.Checkpoint)}
}

func (s *CheckpointStore) GetAll(_ context.Context) ([]domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *CheckpointStore) Get(_ context.Context, name string) (domain.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[name]
	return cp, ok, nil
}

// Save replaces the stored checkpoint. It refuses to move CurrentAsOfEventID
// backwards.
func (s *CheckpointStore) Save(_ context.Context, cp domain.Checkpoint) error {
	if cp.Name == "" {
		return fmt.Errorf("checkpoint name is required: %w", domain.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.cps[cp.Name]; ok && cp.CurrentAsOfEventID < prev.CurrentAsOfEventID {
		return fmt.Errorf("%s at %d, got %d: %w", cp.Name, prev.CurrentAsOfEventID, cp.CurrentAsOfEventID, domain.ErrCheckpointRegression)
	}
	s.cps[cp.Name] = cp
	return nil
}
