// SPDX-License-Identifier: Apache-2.0

package reservation_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiadia/readmodel-runtime/internal/clock"
	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/reservation"
	"github.com/adiadia/readmodel-runtime/internal/store/memory"
)

type fixture struct {
	svc   *reservation.Service
	store *memory.ReservationStore
	clock *clock.Virtual
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.NewReservationStore()
	vc := clock.NewVirtual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return fixture{
		svc:   reservation.NewService(reservation.Deps{Store: store, Clock: vc}),
		store: store,
		clock: vc,
	}
}

func token() string {
	return gofakeit.UUID()
}

func (f fixture) seedPool(t *testing.T, scope string, values ...string) {
	t.Helper()
	for _, v := range values {
		ok, err := f.svc.Reserve(context.Background(), v, scope, v, reservation.WithLease(-24*time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestReserveDefaultLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	value, scope, owner := gofakeit.Username(), gofakeit.Word(), token()

	ok, err := f.svc.Reserve(ctx, value, scope, owner)
	require.NoError(t, err)
	require.True(t, ok)

	rv, found, err := f.svc.Get(ctx, value, scope)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, rv.Expiration)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *rv.Expiration)
	assert.Equal(t, owner, rv.OwnerToken)
}

func TestReserveRejectsOtherOwnerUntilLeaseLapses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	value, scope := gofakeit.Username(), gofakeit.Word()
	first, second := token(), token()

	ok, err := f.svc.Reserve(ctx, value, scope, first)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.Reserve(ctx, value, scope, second)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.AdvanceBy(time.Minute)

	ok, err = f.svc.Reserve(ctx, value, scope, second)
	require.NoError(t, err)
	assert.True(t, ok, "lapsed lease is free")
}

func TestReserveConfirmIsIdempotentForOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	value, scope, owner := gofakeit.Username(), gofakeit.Word(), token()

	ok, err := f.svc.Reserve(ctx, value, scope, owner)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.Confirm(ctx, value, scope, owner)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.Confirm(ctx, value, scope, owner)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Reserve(ctx, value, scope, owner)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Reserve(ctx, value, scope, token())
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.AdvanceBy(365 * 24 * time.Hour)

	ok, err = f.svc.Reserve(ctx, value, scope, token())
	require.NoError(t, err)
	assert.False(t, ok, "confirmed values never lapse")

	rv, _, err := f.svc.Get(ctx, value, scope)
	require.NoError(t, err)
	assert.Nil(t, rv.Expiration)
	require.NotNil(t, rv.ConfirmationToken)
	assert.Equal(t, value, *rv.ConfirmationToken)
}

func TestConcurrentReserveHasOneWinner(t *testing.T) {
	f := newFixture(t)
	value, scope := gofakeit.Username(), gofakeit.Word()

	const contenders = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			ok, err := f.svc.Reserve(context.Background(), value, scope, owner)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(token())
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestConfirmRequiresOwnerAndLiveLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	value, scope, owner := gofakeit.Username(), gofakeit.Word(), token()

	ok, err := f.svc.Confirm(ctx, value, scope, owner)
	require.NoError(t, err)
	assert.False(t, ok, "nothing to confirm")

	ok, err = f.svc.Reserve(ctx, value, scope, owner)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.Confirm(ctx, value, scope, token())
	require.NoError(t, err)
	assert.False(t, ok, "wrong owner")

	f.clock.AdvanceBy(2 * time.Minute)

	ok, err = f.svc.Confirm(ctx, value, scope, owner)
	require.NoError(t, err)
	assert.False(t, ok, "lapsed lease")
}

func TestConfirmByConfirmationToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope, owner, code := gofakeit.Word(), token(), token()
	f.seedPool(t, scope, "c-1", "c-2")

	value, ok, err := f.svc.ReserveAny(ctx, scope, owner, reservation.WithConfirmationToken(code))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.Confirm(ctx, code, scope, owner)
	require.NoError(t, err)
	require.True(t, ok)

	rv, _, err := f.svc.Get(ctx, value, scope)
	require.NoError(t, err)
	assert.True(t, rv.Confirmed())
	assert.True(t, rv.HasConfirmationToken(code))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	value, scope, owner, other := gofakeit.Username(), gofakeit.Word(), token(), token()

	ok, err := f.svc.Reserve(ctx, value, scope, owner)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.Cancel(ctx, value, scope, other)
	require.NoError(t, err)
	assert.False(t, ok)

	rv, _, err := f.svc.Get(ctx, value, scope)
	require.NoError(t, err)
	assert.Equal(t, owner, rv.OwnerToken, "wrong token leaves reservation intact")

	ok, err = f.svc.Reserve(ctx, value, scope, other)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.Cancel(ctx, value, scope, owner)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.Reserve(ctx, value, scope, other)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCancelConfirmedFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	value, scope, owner := gofakeit.Username(), gofakeit.Word(), token()

	_, err := f.svc.Reserve(ctx, value, scope, owner)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, value, scope, owner)
	require.NoError(t, err)

	ok, err := f.svc.Cancel(ctx, value, scope, owner)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserveAnyEmptyScope(t *testing.T) {
	f := newFixture(t)

	value, ok, err := f.svc.ReserveAny(context.Background(), gofakeit.Word(), token())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, value)
}

func TestReserveAnyAllocatesInValueOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope := gofakeit.Word()
	f.seedPool(t, scope, "coupon-3", "coupon-1", "coupon-2")

	var got []string
	for i := 0; i < 3; i++ {
		v, ok, err := f.svc.ReserveAny(ctx, scope, token())
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []string{"coupon-1", "coupon-2", "coupon-3"}, got)

	_, ok, err := f.svc.ReserveAny(ctx, scope, token())
	require.NoError(t, err)
	assert.False(t, ok, "pool exhausted")
}

func TestReserveAnySameTokenReturnsSameValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope, owner, code := gofakeit.Word(), token(), token()
	f.seedPool(t, scope, "a", "b", "c")

	first, ok, err := f.svc.ReserveAny(ctx, scope, owner, reservation.WithConfirmationToken(code))
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.AdvanceBy(30 * time.Second)

	second, ok, err := f.svc.ReserveAny(ctx, scope, owner, reservation.WithConfirmationToken(code))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, second)

	rv, _, err := f.svc.Get(ctx, first, scope)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *rv.Expiration, "lease extended")

	available, err := f.store.ListAvailable(ctx, scope, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, available, 2, "no duplicate allocation")
}

func TestReserveAnyTokenHeldByOtherOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope, code := gofakeit.Word(), token()
	f.seedPool(t, scope, "a", "b")

	_, ok, err := f.svc.ReserveAny(ctx, scope, token(), reservation.WithConfirmationToken(code))
	require.NoError(t, err)
	require.True(t, ok)

	value, ok, err := f.svc.ReserveAny(ctx, scope, token(), reservation.WithConfirmationToken(code))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, value)
}

func TestReserveAnyReclaimsCancelledValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	scope, owner := gofakeit.Word(), token()
	f.seedPool(t, scope, "only")

	v, ok, err := f.svc.ReserveAny(ctx, scope, owner)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = f.svc.ReserveAny(ctx, scope, token())
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.svc.Cancel(ctx, v, scope, owner)
	require.NoError(t, err)
	require.True(t, ok)

	again, ok, err := f.svc.ReserveAny(ctx, scope, token())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v, again)
}

func TestConfirmedValueKeepsItsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.svc.Reserve(ctx, "alice", "usernames", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.svc.Reserve(ctx, "bob", "usernames", "pool", reservation.WithLease(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.Confirm(ctx, "alice", "usernames", "o1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = f.svc.ReserveAny(ctx, "usernames", "o2", reservation.WithConfirmationToken("alice"))
	require.NoError(t, err)
	assert.False(t, ok, "confirmed rows keep holding their token")

	v, ok, err := f.svc.ReserveAny(ctx, "usernames", "o1", reservation.WithConfirmationToken("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	rv, _, err := f.svc.Get(ctx, "bob", "usernames")
	require.NoError(t, err)
	assert.Equal(t, "pool", rv.OwnerToken)
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reserve(ctx, "", "s", "o")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = f.svc.ReserveAny(ctx, "s", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.Confirm(ctx, "v", "", "o")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.Cancel(ctx, "v", "s", "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

type failingStore struct {
	reservation.Store
}

var errUnavailable = errors.New("store unavailable")

func (failingStore) Get(context.Context, string, string) (domain.ReservedValue, bool, error) {
	return domain.ReservedValue{}, false, errUnavailable
}

func (failingStore) ListByConfirmationToken(context.Context, string, string) ([]domain.ReservedValue, error) {
	return nil, errUnavailable
}

func (failingStore) ListAvailable(context.Context, string, time.Time, int) ([]domain.ReservedValue, error) {
	return nil, errUnavailable
}

func (failingStore) Insert(context.Context, domain.ReservedValue, time.Time) (bool, error) {
	return false, errUnavailable
}

func (failingStore) CompareAndSwap(context.Context, int64, domain.ReservedValue, time.Time) (bool, error) {
	return false, errUnavailable
}

func TestInfrastructureErrorsPropagate(t *testing.T) {
	svc := reservation.NewService(reservation.Deps{Store: failingStore{}})
	ctx := context.Background()

	_, err := svc.Reserve(ctx, "v", "s", "o")
	assert.ErrorIs(t, err, errUnavailable, "reserve")

	_, _, err = svc.ReserveAny(ctx, "s", "o")
	assert.ErrorIs(t, err, errUnavailable, "reserve any")

	_, _, err = svc.ReserveAny(ctx, "s", "o", reservation.WithConfirmationToken("order-1"))
	assert.ErrorIs(t, err, errUnavailable, "reserve any with token")

	_, err = svc.Confirm(ctx, "v", "s", "o")
	assert.ErrorIs(t, err, errUnavailable, "confirm")

	_, err = svc.Cancel(ctx, "v", "s", "o")
	assert.ErrorIs(t, err, errUnavailable, "cancel")

	_, _, err = svc.Get(ctx, "v", "s")
	assert.ErrorIs(t, err, errUnavailable, "get")
}

func TestConfirmOnSkipsClaimWithoutScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.svc.Reserve(ctx, "alice", "usernames", "o1")
	require.NoError(t, err)
	require.True(t, ok)

	p := reservation.ConfirmOn("reservation-confirmations", f.svc, "",
		[]string{reservation.EventTypeConfirmationRequested}, reservation.JSONClaim)

	ev := domain.Event{
		ID:      1,
		Type:    reservation.EventTypeConfirmationRequested,
		Payload: json.RawMessage(`{"value":"alice","owner_token":"o1"}`),
	}
	require.NoError(t, p.Apply(ctx, ev))

	rv, found, err := f.svc.Get(ctx, "alice", "usernames")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rv.Confirmed())
}

func TestConfirmOnProjector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := token()

	ok, err := f.svc.Reserve(ctx, "alice", "usernames", owner)
	require.NoError(t, err)
	require.True(t, ok)

	p := reservation.ConfirmOn("username-confirmer", f.svc, "usernames", []string{"UserCreated"},
		func(ev domain.Event) (reservation.Claim, bool) {
			var body struct {
				UserName string `json:"user_name"`
				Owner    string `json:"owner"`
			}
			if err := json.Unmarshal(ev.Payload, &body); err != nil {
				return reservation.Claim{}, false
			}
			return reservation.Claim{Value: body.UserName, OwnerToken: body.Owner}, true
		})

	payload, err := json.Marshal(map[string]string{"user_name": "alice", "owner": owner})
	require.NoError(t, err)
	ev := domain.Event{ID: 1, Type: "UserCreated", Payload: payload}

	require.True(t, p.Matches(ev))
	assert.False(t, p.Matches(domain.Event{Type: "UserRenamed"}))
	require.NoError(t, p.Apply(ctx, ev))

	rv, _, err := f.svc.Get(ctx, "alice", "usernames")
	require.NoError(t, err)
	assert.True(t, rv.Confirmed())
}

func TestConfirmOnJSONClaimWithScopeOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := token()

	ok, err := f.svc.Reserve(ctx, "SAVE10", "coupons", owner)
	require.NoError(t, err)
	require.True(t, ok)

	p := reservation.ConfirmOn("confirmations", f.svc, "", []string{reservation.EventTypeConfirmationRequested}, reservation.JSONClaim)

	payload, err := json.Marshal(reservation.Claim{Scope: "coupons", Value: "SAVE10", OwnerToken: owner})
	require.NoError(t, err)
	require.NoError(t, p.Apply(ctx, domain.Event{ID: 7, Type: reservation.EventTypeConfirmationRequested, Payload: payload}))

	rv, found, err := f.svc.Get(ctx, "SAVE10", "coupons")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rv.Confirmed())
}

func TestJSONClaim(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		ok      bool
	}{
		{name: "complete", payload: `{"scope":"s","value":"v","owner_token":"o"}`, ok: true},
		{name: "no scope", payload: `{"value":"v","owner_token":"o"}`, ok: true},
		{name: "missing owner", payload: `{"value":"v"}`},
		{name: "missing value", payload: `{"owner_token":"o"}`},
		{name: "not json", payload: `nope`},
		{name: "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := reservation.JSONClaim(domain.Event{Payload: json.RawMessage(tt.payload)})
			assert.Equal(t, tt.ok, ok)
		})
	}
}
