// SPDX-License-Identifier: Apache-2.0

package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/domain"
)

// ErrConfirmationTokenInUse is returned by a Store when a write would attach
// a confirmation token already held by another live row in the same scope.
var ErrConfirmationTokenInUse = errors.New("confirmation token already in use")

// Store persists reserved values keyed by (Scope, Value). Insert and
// CompareAndSwap are the only writes and each is a single atomic
// conditional write.
type Store interface {
	Get(ctx context.Context, scope, value string) (domain.ReservedValue, bool, error)
	ListByConfirmationToken(ctx context.Context, scope, token string) ([]domain.ReservedValue, error)

	// ListAvailable returns rows of scope whose lease has lapsed at now,
	// ordered by Value.
	ListAvailable(ctx context.Context, scope string, now time.Time, limit int) ([]domain.ReservedValue, error)

	// Insert creates rv with Version 1. It reports false when a row for
	// (rv.Scope, rv.Value) already exists.
	Insert(ctx context.Context, rv domain.ReservedValue, now time.Time) (bool, error)

	// CompareAndSwap replaces the row with rv at Version expectedVersion+1
	// if the stored version still equals expectedVersion.
	CompareAndSwap(ctx context.Context, expectedVersion int64, rv domain.ReservedValue, now time.Time) (bool, error)
}
