// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// ReservedValue is a claim on Value within Scope. A nil Expiration means the
// claim is confirmed and permanent. Version increments on every write and is
// the compare-and-swap guard used by reservation stores.
type ReservedValue struct {
	Value             string     `json:"value"`
	Scope             string     `json:"scope"`
	OwnerToken        string     `json:"owner_token"`
	ConfirmationToken *string    `json:"confirmation_token,omitempty"`
	Expiration        *time.Time `json:"expiration,omitempty"`
	Version           int64      `json:"version"`
}

func (r ReservedValue) Confirmed() bool {
	return r.Expiration == nil
}

// Expired reports whether an unconfirmed lease has lapsed at now.
func (r ReservedValue) Expired(now time.Time) bool {
	return r.Expiration != nil && !r.Expiration.After(now)
}

// Live reports whether the row still blocks other owners at now.
func (r ReservedValue) Live(now time.Time) bool {
	return !r.Expired(now)
}

// HasConfirmationToken reports whether token is attached to the row.
func (r ReservedValue) HasConfirmationToken(token string) bool {
	return r.ConfirmationToken != nil && *r.ConfirmationToken == token
}
