// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventTypeCommandScheduled tags events that carry a ScheduledCommand payload.
const EventTypeCommandScheduled = "CommandScheduled"

type ScheduledCommand struct {
	AggregateID string          `json:"aggregate_id"`
	CommandName string          `json:"command_name"`
	DueTime     *time.Time      `json:"due_time,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// CommandApplier applies a scheduled command to its target aggregate. Due-time
// and dependency bookkeeping belong to the scheduler, not to this contract.
type CommandApplier interface {
	ApplyScheduledCommand(ctx context.Context, cmd ScheduledCommand) error
}
