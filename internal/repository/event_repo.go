// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// appendLockID serialises appends so sequence ids become visible in order.
// Without it a reader could see id n+1 committed before id n and skip n.
const appendLockID int64 = 0x524d525f41505044 // "RMR_APPD"

type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	return &EventRepository{
		pool:   pool,
		logger: logging.OrDefault(logger),
	}
}

func (r *EventRepository) Append(ctx context.Context, evs ...domain.NewEvent) ([]domain.Event, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", logging.Error(err))
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockID); err != nil {
		return nil, fmt.Errorf("acquire append lock: %w", err)
	}

	out := make([]domain.Event, 0, len(evs))
	for _, ne := range evs {
		ev := domain.Event{
			AggregateID: ne.AggregateID,
			Type:        ne.Type,
			Payload:     ne.Payload,
		}

		var payload any
		if len(ne.Payload) > 0 {
			payload = []byte(ne.Payload)
		}
		var ts any
		if !ne.Timestamp.IsZero() {
			ts = ne.Timestamp
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO events (aggregate_id, type, occurred_at, payload)
			VALUES ($1, $2, COALESCE($3::timestamptz, NOW()), $4)
			RETURNING id, occurred_at
		`,
			ne.AggregateID,
			ne.Type,
			ts,
			payload,
		).Scan(&ev.ID, &ev.Timestamp); err != nil {
			r.logger.Error("insert event failed",
				"aggregate_id", ne.AggregateID,
				"event_type", ne.Type,
				logging.Error(err),
			)
			return nil, err
		}
		out = append(out, ev)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit events: %w", err)
	}
	return out, nil
}

func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (r *EventRepository) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

func (r *EventRepository) CountRange(ctx context.Context, fromID, toID int64) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM events WHERE id BETWEEN $1 AND $2
	`, fromID, toID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events %d..%d: %w", fromID, toID, err)
	}
	return n, nil
}

func (r *EventRepository) ReadRange(ctx context.Context, fromID, toID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, aggregate_id, type, occurred_at, payload
		FROM events
		WHERE id BETWEEN $1 AND $2
		ORDER BY id ASC
		LIMIT $3
	`,
		fromID,
		toID,
		limit,
	)
	if err != nil {
		r.logger.Error("read events query failed",
			"from_event_id", fromID,
			"to_event_id", toID,
			logging.Error(err),
		)
		return nil, err
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Event, error) {
		var (
			ev      domain.Event
			payload []byte
		)
		err := row.Scan(&ev.ID, &ev.AggregateID, &ev.Type, &ev.Timestamp, &payload)
		ev.Payload = payload
		return ev, err
	})
	if err != nil {
		r.logger.Error("scan event rows failed", "from_event_id", fromID, logging.Error(err))
		return nil, err
	}
	return out, nil
}
