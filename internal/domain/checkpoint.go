// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// Checkpoint is the durable cursor of one projector against one read-model
// store. It is keyed by Name and never deleted.
type Checkpoint struct {
	Name                    string     `json:"name"`
	CurrentAsOfEventID      int64      `json:"current_as_of_event_id"`
	InitialCatchupStartTime *time.Time `json:"initial_catchup_start_time,omitempty"`
	InitialCatchupEndTime   *time.Time `json:"initial_catchup_end_time,omitempty"`
	InitialCatchupEvents    int64      `json:"initial_catchup_events"`
	BatchStartTime          *time.Time `json:"batch_start_time,omitempty"`
	BatchTotalEvents        int64      `json:"batch_total_events"`
	BatchRemainingEvents    int64      `json:"batch_remaining_events"`
	LatencyInMilliseconds   int64      `json:"latency_ms"`
	LastUpdated             *time.Time `json:"last_updated,omitempty"`
	FailedOnEventID         *int64     `json:"failed_on_event_id,omitempty"`
	Error                   string     `json:"error,omitempty"`
}

// InitialCatchupDone reports whether the projector has drained its first backlog.
func (c Checkpoint) InitialCatchupDone() bool {
	return c.InitialCatchupEndTime != nil
}

// Failed reports whether the projector is stalled on a poison event.
func (c Checkpoint) Failed() bool {
	return c.FailedOnEventID != nil
}
