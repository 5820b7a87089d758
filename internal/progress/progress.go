// SPDX-License-Identifier: Apache-2.0

// Package progress derives catch-up progress and ETA snapshots from stored
// projector checkpoints. Nothing computed here is persisted.
package progress

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/clock"
	"github.com/adiadia/readmodel-runtime/internal/domain"
)

// Calculate returns one snapshot per checkpoint that has processed at least
// one event, ordered by name. It never fails: fields that cannot be derived
// from partial data are left nil.
func Calculate(checkpoints []domain.Checkpoint, eventStoreCount int64, now time.Time) []domain.Progress {
	if eventStoreCount == 0 {
		return []domain.Progress{}
	}

	out := make([]domain.Progress, 0, len(checkpoints))
	for _, cp := range checkpoints {
		var processed int64
		if cp.InitialCatchupDone() {
			processed = cp.BatchTotalEvents - cp.BatchRemainingEvents
		} else {
			processed = cp.InitialCatchupEvents - cp.BatchRemainingEvents
		}
		if processed == 0 {
			continue
		}

		p := domain.Progress{
			Name:                  cp.Name,
			InitialCatchupEvents:  cp.InitialCatchupEvents,
			EventsRemaining:       cp.BatchRemainingEvents,
			PercentageCompleted:   percentage(cp.BatchRemainingEvents, eventStoreCount),
			LatencyInMilliseconds: cp.LatencyInMilliseconds,
			LastUpdated:           cp.LastUpdated,
			CurrentAsOfEventID:    cp.CurrentAsOfEventID,
			FailedOnEventID:       cp.FailedOnEventID,
			Error:                 cp.Error,
		}

		if elapsed, ok := elapsedSinceStart(cp, now); ok {
			remaining := time.Duration(math.Round(float64(elapsed) * float64(cp.BatchRemainingEvents) / float64(processed)))
			p.TimeRemainingForCatchup = &remaining
		}

		if cp.InitialCatchupStartTime != nil {
			end := now
			if cp.InitialCatchupEndTime != nil {
				end = *cp.InitialCatchupEndTime
			}
			taken := end.Sub(*cp.InitialCatchupStartTime)
			p.TimeTakenForInitialCatchup = &taken
		}

		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// elapsedSinceStart measures the current batch after the initial catch-up has
// finished, and the whole initial catch-up before that.
func elapsedSinceStart(cp domain.Checkpoint, now time.Time) (time.Duration, bool) {
	start := cp.InitialCatchupStartTime
	if cp.InitialCatchupDone() {
		start = cp.BatchStartTime
	}
	if start == nil {
		return 0, false
	}
	return now.Sub(*start), true
}

func percentage(remaining, total int64) float64 {
	pct := (1 - float64(remaining)/float64(total)) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

type CheckpointLister interface {
	GetAll(ctx context.Context) ([]domain.Checkpoint, error)
}

type EventCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Calculator reads the stores and applies Calculate. It only reads, so it is
// safe to call while a catch-up run is writing checkpoints.
type Calculator struct {
	Checkpoints CheckpointLister
	Events      EventCounter
	Clock       clock.Clock
}

func (c *Calculator) Calculate(ctx context.Context) ([]domain.Progress, error) {
	count, err := c.Events.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	if count == 0 {
		return []domain.Progress{}, nil
	}

	now := clock.OrSystem(c.Clock).Now()

	checkpoints, err := c.Checkpoints.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	return Calculate(checkpoints, count, now), nil
}
