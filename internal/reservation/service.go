// SPDX-License-Identifier: Apache-2.0

// Package reservation implements lease-based claims on values within a
// scope: unique names, coupon pools and similar resources that must have at
// most one holder.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/clock"
	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/adiadia/readmodel-runtime/internal/metrics"
)

const (
	DefaultLease = time.Minute

	// maxAttempts bounds how often a lost compare-and-swap is re-read and
	// re-decided before the caller is told it did not get the value.
	maxAttempts = 8

	availablePageSize = 16
)

const (
	opReserve    = "reserve"
	opReserveAny = "reserve_any"
	opConfirm    = "confirm"
	opCancel     = "cancel"
)

type Deps struct {
	Store        Store
	Clock        clock.Clock
	Logger       *slog.Logger
	DefaultLease time.Duration
}

type Service struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	lease  time.Duration
}

func NewService(deps Deps) *Service {
	lease := deps.DefaultLease
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Service{
		store:  deps.Store,
		clock:  clock.OrSystem(deps.Clock),
		logger: logging.OrDefault(deps.Logger).With(logging.Component("reservation")),
		lease:  lease,
	}
}

func (s *Service) options(opts []Option) options {
	o := options{lease: s.lease}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.leaseSet {
		o.lease = s.lease
	}
	return o
}

// Reserve claims value in scope for ownerToken. It succeeds when the value is
// free, already held by ownerToken, or held under a lapsed lease.
func (s *Service) Reserve(ctx context.Context, value, scope, ownerToken string, opts ...Option) (bool, error) {
	if err := validate(value, scope, ownerToken); err != nil {
		return false, err
	}
	o := s.options(opts)

	ok, err := s.reserve(ctx, value, scope, ownerToken, o)
	s.record(opReserve, ok, err, logging.Scope(scope), "value", value)
	return ok, err
}

func (s *Service) reserve(ctx context.Context, value, scope, owner string, o options) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := s.clock.Now()
		exp := now.Add(o.lease)

		cur, found, err := s.store.Get(ctx, scope, value)
		if err != nil {
			return false, fmt.Errorf("get reservation: %w", err)
		}

		if !found {
			rv := domain.ReservedValue{
				Value:             value,
				Scope:             scope,
				OwnerToken:        owner,
				ConfirmationToken: o.token,
				Expiration:        &exp,
			}
			inserted, err := s.store.Insert(ctx, rv, now)
			if errors.Is(err, ErrConfirmationTokenInUse) {
				return false, nil
			}
			if err != nil {
				return false, fmt.Errorf("insert reservation: %w", err)
			}
			if inserted {
				return true, nil
			}
			continue
		}

		var next domain.ReservedValue
		switch {
		case cur.OwnerToken == owner && cur.Confirmed():
			return true, nil
		case cur.OwnerToken == owner:
			next = cur
			next.Expiration = &exp
			if o.token != nil {
				next.ConfirmationToken = o.token
			}
		case cur.Live(now):
			return false, nil
		default:
			next = domain.ReservedValue{
				Value:             value,
				Scope:             scope,
				OwnerToken:        owner,
				ConfirmationToken: o.token,
				Expiration:        &exp,
			}
		}

		swapped, err := s.store.CompareAndSwap(ctx, cur.Version, next, now)
		if errors.Is(err, ErrConfirmationTokenInUse) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("update reservation: %w", err)
		}
		if swapped {
			return true, nil
		}
	}
	return false, nil
}

// ReserveAny claims one free value of scope for ownerToken and returns it.
// Free values are tried in ascending order. When a confirmation token is
// given and already attached to a reservation of the same owner, that
// reservation is extended and its value returned instead.
func (s *Service) ReserveAny(ctx context.Context, scope, ownerToken string, opts ...Option) (string, bool, error) {
	if err := errors.Join(required("scope", scope), required("owner token", ownerToken)); err != nil {
		return "", false, err
	}
	o := s.options(opts)

	value, ok, err := s.reserveAny(ctx, scope, ownerToken, o)
	s.record(opReserveAny, ok, err, logging.Scope(scope), "value", value)
	return value, ok, err
}

func (s *Service) reserveAny(ctx context.Context, scope, owner string, o options) (string, bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := s.clock.Now()
		exp := now.Add(o.lease)

		if o.token != nil {
			held, err := s.store.ListByConfirmationToken(ctx, scope, *o.token)
			if err != nil {
				return "", false, fmt.Errorf("find reservation by confirmation token: %w", err)
			}

			cur, decided, result := decideByToken(held, owner, now)
			if decided {
				return cur.Value, result, nil
			}
			if cur.Value != "" {
				next := cur
				next.Expiration = &exp
				swapped, err := s.store.CompareAndSwap(ctx, cur.Version, next, now)
				if err != nil && !errors.Is(err, ErrConfirmationTokenInUse) {
					return "", false, fmt.Errorf("extend reservation: %w", err)
				}
				if swapped {
					return cur.Value, true, nil
				}
				continue
			}
		}

		candidates, err := s.store.ListAvailable(ctx, scope, now, availablePageSize)
		if err != nil {
			return "", false, fmt.Errorf("list available values: %w", err)
		}
		if len(candidates) == 0 {
			return "", false, nil
		}

		for _, cand := range candidates {
			next := domain.ReservedValue{
				Value:             cand.Value,
				Scope:             scope,
				OwnerToken:        owner,
				ConfirmationToken: o.token,
				Expiration:        &exp,
			}
			swapped, err := s.store.CompareAndSwap(ctx, cand.Version, next, now)
			if errors.Is(err, ErrConfirmationTokenInUse) {
				// Another caller attached the token first; re-read so the
				// same-owner retry path can pick it up.
				break
			}
			if err != nil {
				return "", false, fmt.Errorf("claim value: %w", err)
			}
			if swapped {
				return cand.Value, true, nil
			}
		}
	}
	return "", false, nil
}

// decideByToken inspects the rows holding a confirmation token. It returns
// decided=true with a final answer, or the row to extend, or a zero row when
// the token is not held and a fresh value should be allocated.
func decideByToken(held []domain.ReservedValue, owner string, now time.Time) (domain.ReservedValue, bool, bool) {
	for _, rv := range held {
		switch {
		case rv.OwnerToken == owner && rv.Confirmed():
			return rv, true, true
		case rv.OwnerToken == owner:
			return rv, false, false
		case rv.Live(now):
			return domain.ReservedValue{}, true, false
		}
	}
	return domain.ReservedValue{}, false, false
}

// Confirm makes the reservation held by ownerToken permanent. The
// reservation is looked up by value first and then by confirmation token.
func (s *Service) Confirm(ctx context.Context, valueOrConfirmationToken, scope, ownerToken string) (bool, error) {
	if err := validate(valueOrConfirmationToken, scope, ownerToken); err != nil {
		return false, err
	}

	ok, err := s.confirm(ctx, valueOrConfirmationToken, scope, ownerToken)
	s.record(opConfirm, ok, err, logging.Scope(scope), "value", valueOrConfirmationToken)
	return ok, err
}

func (s *Service) confirm(ctx context.Context, key, scope, owner string) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := s.clock.Now()

		cur, found, err := s.findOwned(ctx, key, scope, owner)
		if err != nil {
			return false, err
		}
		if !found || cur.Expired(now) {
			return false, nil
		}
		if cur.Confirmed() {
			return true, nil
		}

		next := cur
		next.Expiration = nil
		if next.ConfirmationToken == nil {
			token := key
			next.ConfirmationToken = &token
		}

		swapped, err := s.store.CompareAndSwap(ctx, cur.Version, next, now)
		if errors.Is(err, ErrConfirmationTokenInUse) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("confirm reservation: %w", err)
		}
		if swapped {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) findOwned(ctx context.Context, key, scope, owner string) (domain.ReservedValue, bool, error) {
	rv, found, err := s.store.Get(ctx, scope, key)
	if err != nil {
		return domain.ReservedValue{}, false, fmt.Errorf("get reservation: %w", err)
	}
	if found && rv.OwnerToken == owner {
		return rv, true, nil
	}

	held, err := s.store.ListByConfirmationToken(ctx, scope, key)
	if err != nil {
		return domain.ReservedValue{}, false, fmt.Errorf("find reservation by confirmation token: %w", err)
	}
	for _, rv := range held {
		if rv.OwnerToken == owner {
			return rv, true, nil
		}
	}
	return domain.ReservedValue{}, false, nil
}

// Cancel frees a live, unconfirmed reservation held by ownerToken. The row
// is kept with a lapsed lease so pooled values stay allocatable.
func (s *Service) Cancel(ctx context.Context, value, scope, ownerToken string) (bool, error) {
	if err := validate(value, scope, ownerToken); err != nil {
		return false, err
	}

	ok, err := s.cancel(ctx, value, scope, ownerToken)
	s.record(opCancel, ok, err, logging.Scope(scope), "value", value)
	return ok, err
}

func (s *Service) cancel(ctx context.Context, value, scope, owner string) (bool, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := s.clock.Now()

		cur, found, err := s.store.Get(ctx, scope, value)
		if err != nil {
			return false, fmt.Errorf("get reservation: %w", err)
		}
		if !found || cur.OwnerToken != owner || cur.Confirmed() || cur.Expired(now) {
			return false, nil
		}

		next := cur
		released := now
		next.Expiration = &released
		next.ConfirmationToken = nil

		swapped, err := s.store.CompareAndSwap(ctx, cur.Version, next, now)
		if err != nil {
			return false, fmt.Errorf("cancel reservation: %w", err)
		}
		if swapped {
			return true, nil
		}
	}
	return false, nil
}

// Get returns the stored row for value in scope.
func (s *Service) Get(ctx context.Context, value, scope string) (domain.ReservedValue, bool, error) {
	if err := errors.Join(required("value", value), required("scope", scope)); err != nil {
		return domain.ReservedValue{}, false, err
	}
	rv, found, err := s.store.Get(ctx, scope, value)
	if err != nil {
		return domain.ReservedValue{}, false, fmt.Errorf("get reservation: %w", err)
	}
	return rv, found, nil
}

func (s *Service) record(op string, ok bool, err error, attrs ...any) {
	switch {
	case err != nil:
		metrics.IncReservationOp(op, metrics.OutcomeError)
		s.logger.Error("reservation operation failed", append(attrs, "operation", op, logging.Error(err))...)
	case ok:
		metrics.IncReservationOp(op, metrics.OutcomeGranted)
		s.logger.Debug("reservation granted", append(attrs, "operation", op)...)
	default:
		metrics.IncReservationOp(op, metrics.OutcomeDenied)
		s.logger.Debug("reservation denied", append(attrs, "operation", op)...)
	}
}

func validate(value, scope, owner string) error {
	return errors.Join(
		required("value", value),
		required("scope", scope),
		required("owner token", owner),
	)
}

func required(name, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required: %w", name, domain.ErrInvalidArgument)
	}
	return nil
}
