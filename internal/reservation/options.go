// SPDX-License-Identifier: Apache-2.0

package reservation

import "time"

type Option func(*options)

type options struct {
	lease    time.Duration
	leaseSet bool
	token    *string
}

// WithLease overrides the default lease. Negative leases are accepted and
// produce rows that are already free, which is how pools are seeded.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		o.lease = d
		o.leaseSet = true
	}
}

// WithConfirmationToken attaches an idempotency key to the reservation.
func WithConfirmationToken(token string) Option {
	return func(o *options) {
		if token == "" {
			o.token = nil
			return
		}
		t := token
		o.token = &t
	}
}
