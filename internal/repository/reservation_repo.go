// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/adiadia/readmodel-runtime/internal/reservation"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const reservedValueColumns = `scope, value, owner_token, confirmation_token, expiration, version`

// ReservationRepository stores reserved values in Postgres. Every write is a
// single conditional statement keyed by (scope, value); confirmation token
// uniqueness among live rows is checked under a transaction-scoped advisory
// lock on (scope, token).
type ReservationRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewReservationRepository(pool *pgxpool.Pool, logger *slog.Logger) *ReservationRepository {
	return &ReservationRepository{
		pool:   pool,
		logger: logging.OrDefault(logger),
	}
}

func scanReservedValue(row pgx.Row) (domain.ReservedValue, error) {
	var rv domain.ReservedValue
	err := row.Scan(
		&rv.Scope,
		&rv.Value,
		&rv.OwnerToken,
		&rv.ConfirmationToken,
		&rv.Expiration,
		&rv.Version,
	)
	return rv, err
}

func (r *ReservationRepository) Get(ctx context.Context, scope, value string) (domain.ReservedValue, bool, error) {
	rv, err := scanReservedValue(r.pool.QueryRow(ctx, `
		SELECT `+reservedValueColumns+`
		FROM reserved_values
		WHERE scope = $1 AND value = $2
	`, scope, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ReservedValue{}, false, nil
	}
	if err != nil {
		r.logger.Error("get reserved value failed", logging.Scope(scope), "value", value, logging.Error(err))
		return domain.ReservedValue{}, false, err
	}
	return rv, true, nil
}

func (r *ReservationRepository) ListByConfirmationToken(ctx context.Context, scope, token string) ([]domain.ReservedValue, error) {
	return r.list(ctx, `
		SELECT `+reservedValueColumns+`
		FROM reserved_values
		WHERE scope = $1 AND confirmation_token = $2
		ORDER BY value
	`, scope, token)
}

func (r *ReservationRepository) ListAvailable(ctx context.Context, scope string, now time.Time, limit int) ([]domain.ReservedValue, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+reservedValueColumns+`
		FROM reserved_values
		WHERE scope = $1
		  AND expiration IS NOT NULL
		  AND expiration <= $2
		ORDER BY value
		LIMIT $3
	`, scope, now, limit)
}

func (r *ReservationRepository) list(ctx context.Context, query string, args ...any) ([]domain.ReservedValue, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("list reserved values query failed", logging.Error(err))
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ReservedValue, error) {
		return scanReservedValue(row)
	})
	if err != nil {
		r.logger.Error("scan reserved value rows failed", logging.Error(err))
		return nil, err
	}
	return out, nil
}

func (r *ReservationRepository) Insert(ctx context.Context, rv domain.ReservedValue, now time.Time) (bool, error) {
	return r.write(ctx, rv, now, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		return tx.Exec(ctx, `
			INSERT INTO reserved_values (`+reservedValueColumns+`)
			VALUES ($1, $2, $3, $4, $5, 1)
			ON CONFLICT (scope, value) DO NOTHING
		`,
			rv.Scope,
			rv.Value,
			rv.OwnerToken,
			rv.ConfirmationToken,
			rv.Expiration,
		)
	})
}

func (r *ReservationRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, rv domain.ReservedValue, now time.Time) (bool, error) {
	return r.write(ctx, rv, now, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		return tx.Exec(ctx, `
			UPDATE reserved_values
			SET owner_token = $3,
			    confirmation_token = $4,
			    expiration = $5,
			    version = version + 1
			WHERE scope = $1
			  AND value = $2
			  AND version = $6
		`,
			rv.Scope,
			rv.Value,
			rv.OwnerToken,
			rv.ConfirmationToken,
			rv.Expiration,
			expectedVersion,
		)
	})
}

// write runs one conditional statement and, when rv carries a confirmation
// token, rejects it if another live row of the scope already holds it.
func (r *ReservationRepository) write(ctx context.Context, rv domain.ReservedValue, now time.Time, stmt func(pgx.Tx) (pgconn.CommandTag, error)) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", logging.Error(err))
		return false, err
	}
	defer tx.Rollback(ctx)

	if rv.ConfirmationToken != nil {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1::text || ':' || $2::text, 0))`,
			rv.Scope, *rv.ConfirmationToken,
		); err != nil {
			return false, fmt.Errorf("acquire confirmation token lock: %w", err)
		}
	}

	tag, err := stmt(tx)
	if err != nil {
		r.logger.Error("write reserved value failed", logging.Scope(rv.Scope), "value", rv.Value, logging.Error(err))
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if rv.ConfirmationToken != nil {
		var held bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM reserved_values
				WHERE scope = $1
				  AND confirmation_token = $2
				  AND value <> $3
				  AND (expiration IS NULL OR expiration > $4)
			)
		`, rv.Scope, *rv.ConfirmationToken, rv.Value, now).Scan(&held); err != nil {
			return false, fmt.Errorf("check confirmation token: %w", err)
		}
		if held {
			return false, reservation.ErrConfirmationTokenInUse
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit reserved value: %w", err)
	}
	return true, nil
}
