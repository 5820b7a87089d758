// SPDX-License-Identifier: Apache-2.0

package catchup

import (
	"context"
	"sync"
)

// Locker serialises catch-up runs that share a name. The returned unlock
// func is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, name string) (func(), error)
}

// LocalLocker is a keyed mutex scoped to the current process.
type LocalLocker struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sems: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, name string) (func(), error) {
	sem := l.semaphore(name)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-sem })
	}, nil
}

func (l *LocalLocker) semaphore(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	sem, ok := l.sems[name]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[name] = sem
	}
	return sem
}

// processLocks is shared by engines built without an explicit Locker, so two
// engines with the same name in one process never run concurrently.
var processLocks = NewLocalLocker()
