// SPDX-License-Identifier: Apache-2.0

package catchup

import (
	"context"

	"github.com/adiadia/readmodel-runtime/internal/domain"
)

// EventStore is the read side of the event log the engine replays.
// Ranges are inclusive on both ends and ReadRange returns events in
// ascending ID order.
type EventStore interface {
	Count(ctx context.Context) (int64, error)
	LatestEventID(ctx context.Context) (int64, error)
	CountRange(ctx context.Context, fromID, toID int64) (int64, error)
	ReadRange(ctx context.Context, fromID, toID int64, limit int) ([]domain.Event, error)
}

// CheckpointStore persists one checkpoint per projector name. Save must be
// atomic per record.
type CheckpointStore interface {
	GetAll(ctx context.Context) ([]domain.Checkpoint, error)
	Get(ctx context.Context, name string) (domain.Checkpoint, bool, error)
	Save(ctx context.Context, cp domain.Checkpoint) error
}
