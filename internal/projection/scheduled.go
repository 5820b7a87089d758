// SPDX-License-Identifier: Apache-2.0

package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adiadia/readmodel-runtime/internal/domain"
)

// ScheduledCommands delivers CommandScheduled events to applier.
func ScheduledCommands(name string, applier domain.CommandApplier) *Func {
	return New(name, func(ctx context.Context, ev domain.Event) error {
		var cmd domain.ScheduledCommand
		if err := json.Unmarshal(ev.Payload, &cmd); err != nil {
			return fmt.Errorf("decode scheduled command in event %d: %w", ev.ID, err)
		}
		if cmd.AggregateID == "" {
			cmd.AggregateID = ev.AggregateID
		}
		return applier.ApplyScheduledCommand(ctx, cmd)
	}, domain.EventTypeCommandScheduled)
}
