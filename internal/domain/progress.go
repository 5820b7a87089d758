// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// Progress is a derived snapshot of one projector's catch-up state. Nil
// durations mean the value cannot be computed yet.
type Progress struct {
	Name                       string         `json:"name"`
	InitialCatchupEvents       int64          `json:"initial_catchup_events"`
	TimeTakenForInitialCatchup *time.Duration `json:"time_taken_for_initial_catchup,omitempty"`
	TimeRemainingForCatchup    *time.Duration `json:"time_remaining_for_catchup,omitempty"`
	EventsRemaining            int64          `json:"events_remaining"`
	PercentageCompleted        float64        `json:"percentage_completed"`
	LatencyInMilliseconds      int64          `json:"latency_ms"`
	LastUpdated                *time.Time     `json:"last_updated,omitempty"`
	CurrentAsOfEventID         int64          `json:"current_as_of_event_id"`
	FailedOnEventID            *int64         `json:"failed_on_event_id,omitempty"`
	Error                      string         `json:"error,omitempty"`
}
