// SPDX-License-Identifier: Apache-2.0

// Package app wires stores, locks and services from configuration for the
// api, worker and cli binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/adiadia/readmodel-runtime/internal/catchup"
	"github.com/adiadia/readmodel-runtime/internal/clock"
	"github.com/adiadia/readmodel-runtime/internal/config"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/adiadia/readmodel-runtime/internal/persistence/postgres"
	redisstore "github.com/adiadia/readmodel-runtime/internal/persistence/redis"
	"github.com/adiadia/readmodel-runtime/internal/progress"
	"github.com/adiadia/readmodel-runtime/internal/projection"
	"github.com/adiadia/readmodel-runtime/internal/repository"
	"github.com/adiadia/readmodel-runtime/internal/reservation"
	"github.com/adiadia/readmodel-runtime/internal/store/memory"
)

// Stack holds the long-lived dependencies of one process.
type Stack struct {
	cfg    config.Config
	logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis *goredis.Client

	Events       *repository.EventRepository
	Checkpoints  *repository.CheckpointRepository
	Reservations *reservation.Service
	Progress     *progress.Calculator
	Locker       catchup.Locker
	Health       *postgres.SchemaHealthChecker
}

// Open connects to Postgres (and Redis when a backend asks for it), applies
// the schema when auto_migrate is on and builds the services.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stack, error) {
	logger = logging.OrDefault(logger)
	s := &Stack{cfg: cfg, logger: logger}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		return nil, err
	}
	s.Pool = pool

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			s.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	} else if err := postgres.SchemaReady(ctx, pool); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.UsesRedis() {
		client, err := redisstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Redis = client
	}

	s.Events = repository.NewEventRepository(pool, logger)
	s.Checkpoints = repository.NewCheckpointRepository(pool, logger)
	s.Health = postgres.NewSchemaHealthChecker(pool)
	s.Progress = &progress.Calculator{
		Checkpoints: s.Checkpoints,
		Events:      s.Events,
		Clock:       clock.System{},
	}

	s.Reservations = reservation.NewService(reservation.Deps{
		Store:        s.reservationStore(),
		Logger:       logger,
		DefaultLease: cfg.Reservation.DefaultLease,
	})
	s.Locker = s.locker()

	return s, nil
}

func (s *Stack) reservationStore() reservation.Store {
	switch s.cfg.Reservation.Backend {
	case config.BackendRedis:
		return redisstore.NewReservationStore(s.Redis, "")
	case config.BackendMemory:
		s.logger.Warn("reservations are kept in memory and lost on exit")
		return memory.NewReservationStore()
	default:
		return repository.NewReservationRepository(s.Pool, s.logger)
	}
}

func (s *Stack) locker() catchup.Locker {
	switch s.cfg.Lock.Backend {
	case config.BackendRedis:
		return redisstore.NewLocker(s.Redis, redisstore.LockerOptions{Logger: s.logger})
	case config.BackendLocal:
		return catchup.NewLocalLocker()
	default:
		return postgres.NewAdvisoryLocker(s.Pool, s.logger)
	}
}

// DefaultProjectors are the projectors every hosting binary runs: confirming
// reservations named by ReservationConfirmationRequested events.
func (s *Stack) DefaultProjectors() []projection.Projector {
	return []projection.Projector{
		reservation.ConfirmOn(
			"reservation-confirmations",
			s.Reservations,
			"",
			[]string{reservation.EventTypeConfirmationRequested},
			reservation.JSONClaim,
		),
	}
}

// Engine builds the catch-up engine named in configuration. extra projectors
// run alongside DefaultProjectors.
func (s *Stack) Engine(extra ...projection.Projector) (*catchup.Engine, error) {
	return catchup.New(catchup.Deps{
		Name:           s.cfg.Catchup.Name,
		Projectors:     append(s.DefaultProjectors(), extra...),
		Events:         s.Events,
		Checkpoints:    s.Checkpoints,
		Clock:          clock.System{},
		Locker:         s.Locker,
		Logger:         s.logger,
		BatchSize:      s.cfg.Catchup.BatchSize,
		StartAtEventID: s.cfg.Catchup.StartAtEventID,
	})
}

func (s *Stack) Close() {
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			s.logger.Warn("redis close failed", logging.Error(err))
		}
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
