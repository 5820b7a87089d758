//go:build integration

// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/adiadia/readmodel-runtime/internal/catchup"
	"github.com/adiadia/readmodel-runtime/internal/clock"
	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/persistence/postgres"
	"github.com/adiadia/readmodel-runtime/internal/projection"
	"github.com/adiadia/readmodel-runtime/internal/reservation"
)

func TestEventRepositoryIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	events := NewEventRepository(pool, quietLogger())

	latest, err := events.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	appended, err := events.Append(ctx,
		domain.NewEvent{AggregateID: "user-1", Type: "UserCreated", Payload: json.RawMessage(`{"name":"a"}`)},
		domain.NewEvent{AggregateID: "user-1", Type: "UserRenamed"},
		domain.NewEvent{AggregateID: "user-2", Type: "UserCreated", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
	)
	require.NoError(t, err)
	require.Len(t, appended, 3)
	assert.Less(t, appended[0].ID, appended[1].ID)
	assert.True(t, appended[2].Timestamp.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

	count, err := events.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	n, err := events.CountRange(ctx, appended[1].ID, appended[2].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	page, err := events.ReadRange(ctx, appended[0].ID, appended[2].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "UserCreated", page[0].Type)
	assert.JSONEq(t, `{"name":"a"}`, string(page[0].Payload))
	assert.Empty(t, page[1].Payload)
}

func TestCheckpointRepositoryIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	checkpoints := NewCheckpointRepository(pool, quietLogger())

	_, found, err := checkpoints.Get(ctx, "users")
	require.NoError(t, err)
	assert.False(t, found)

	started := time.Now().UTC().Truncate(time.Microsecond)
	failedOn := int64(8)
	require.NoError(t, checkpoints.Save(ctx, domain.Checkpoint{
		Name:                    "users",
		CurrentAsOfEventID:      7,
		InitialCatchupStartTime: &started,
		InitialCatchupEvents:    10,
		BatchRemainingEvents:    3,
		FailedOnEventID:         &failedOn,
		Error:                   "boom",
	}))

	cp, found, err := checkpoints.Get(ctx, "users")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), cp.CurrentAsOfEventID)
	require.NotNil(t, cp.InitialCatchupStartTime)
	assert.True(t, cp.InitialCatchupStartTime.Equal(started))
	assert.Nil(t, cp.InitialCatchupEndTime)
	require.NotNil(t, cp.FailedOnEventID)
	assert.Equal(t, int64(8), *cp.FailedOnEventID)

	err = checkpoints.Save(ctx, domain.Checkpoint{Name: "users", CurrentAsOfEventID: 6})
	require.ErrorIs(t, err, domain.ErrCheckpointRegression)

	require.NoError(t, checkpoints.Save(ctx, domain.Checkpoint{Name: "orders", CurrentAsOfEventID: 1}))

	all, err := checkpoints.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "orders", all[0].Name)
}

func TestReservationRepositoryIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)

	svc := reservation.NewService(reservation.Deps{
		Store:  NewReservationRepository(pool, quietLogger()),
		Logger: quietLogger(),
	})

	const contenders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			ok, err := svc.Reserve(ctx, "alice", "usernames", owner)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	for _, v := range []string{"c-2", "c-1"} {
		ok, err := svc.Reserve(ctx, v, "coupons", v, reservation.WithLease(-24*time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
	}

	first, ok, err := svc.ReserveAny(ctx, "coupons", "buyer", reservation.WithConfirmationToken("order-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c-1", first)

	again, ok, err := svc.ReserveAny(ctx, "coupons", "buyer", reservation.WithConfirmationToken("order-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, again)

	_, ok, err = svc.ReserveAny(ctx, "coupons", "other", reservation.WithConfirmationToken("order-1"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Confirm(ctx, "order-1", "coupons", "buyer")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Cancel(ctx, first, "coupons", "buyer")
	require.NoError(t, err)
	assert.False(t, ok, "confirmed values cannot be cancelled")
}

func TestCatchupWithAdvisoryLockIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	logger := quietLogger()

	events := NewEventRepository(pool, logger)
	for i := 0; i < 5; i++ {
		_, err := events.Append(ctx, domain.NewEvent{AggregateID: "agg", Type: "Tick"})
		require.NoError(t, err)
	}

	var applied int
	engine, err := catchup.New(catchup.Deps{
		Name:        "integration",
		Events:      events,
		Checkpoints: NewCheckpointRepository(pool, logger),
		Locker:      postgres.NewAdvisoryLocker(pool, logger),
		Clock:       clock.System{},
		Logger:      logger,
		BatchSize:   2,
		Projectors: []projection.Projector{
			projection.New("ticks", func(context.Context, domain.Event) error {
				applied++
				return nil
			}, "Tick"),
		},
	})
	require.NoError(t, err)

	res, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.EventsRead)
	assert.Equal(t, 5, applied)

	cp, found, err := NewCheckpointRepository(pool, logger).Get(ctx, "ticks")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(5), cp.InitialCatchupEvents)
	assert.Zero(t, cp.BatchRemainingEvents)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func truncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE events, projector_checkpoints, reserved_values RESTART IDENTITY`)
	return err
}

// integrationPool connects to DATABASE_URL when set and otherwise starts a
// throwaway Postgres container. The schema is bootstrapped and truncated.
func integrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("readmodel_test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			t.Skipf("skip integration test: set DATABASE_URL or enable docker (%v)", err)
		}
		t.Cleanup(func() {
			if err := container.Terminate(context.Background()); err != nil {
				t.Logf("terminate container: %v", err)
			}
		})

		databaseURL, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("container connection string: %v", err)
		}
	}

	pool, err := postgres.NewPool(ctx, databaseURL, 4)
	if err != nil {
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.EnsureSchema(ctx, pool, quietLogger()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := truncateAll(ctx, pool); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	return pool
}
