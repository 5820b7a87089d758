// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"
)

// Event is one immutable entry of the event log. ID is the global sequence
// number: strictly increasing and never reused.
type Event struct {
	ID          int64           `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        string          `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEvent is an event that has not been assigned a sequence id yet.
type NewEvent struct {
	AggregateID string
	Type        string
	Timestamp   time.Time
	Payload     json.RawMessage
}
