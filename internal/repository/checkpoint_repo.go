// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const checkpointColumns = `
	name,
	current_as_of_event_id,
	initial_catchup_start_time,
	initial_catchup_end_time,
	initial_catchup_events,
	batch_start_time,
	batch_total_events,
	batch_remaining_events,
	latency_ms,
	last_updated,
	failed_on_event_id,
	error`

type CheckpointRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewCheckpointRepository(pool *pgxpool.Pool, logger *slog.Logger) *CheckpointRepository {
	return &CheckpointRepository{
		pool:   pool,
		logger: logging.OrDefault(logger),
	}
}

func scanCheckpoint(row pgx.Row) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := row.Scan(
		&cp.Name,
		&cp.CurrentAsOfEventID,
		&cp.InitialCatchupStartTime,
		&cp.InitialCatchupEndTime,
		&cp.InitialCatchupEvents,
		&cp.BatchStartTime,
		&cp.BatchTotalEvents,
		&cp.BatchRemainingEvents,
		&cp.LatencyInMilliseconds,
		&cp.LastUpdated,
		&cp.FailedOnEventID,
		&cp.Error,
	)
	return cp, err
}

func (r *CheckpointRepository) GetAll(ctx context.Context) ([]domain.Checkpoint, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+checkpointColumns+` FROM projector_checkpoints ORDER BY name`)
	if err != nil {
		r.logger.Error("list checkpoints query failed", logging.Error(err))
		return nil, err
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Checkpoint, error) {
		return scanCheckpoint(row)
	})
	if err != nil {
		r.logger.Error("scan checkpoint rows failed", logging.Error(err))
		return nil, err
	}
	return out, nil
}

func (r *CheckpointRepository) Get(ctx context.Context, name string) (domain.Checkpoint, bool, error) {
	cp, err := scanCheckpoint(r.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM projector_checkpoints WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		r.logger.Error("get checkpoint failed", logging.Projector(name), logging.Error(err))
		return domain.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Save upserts the checkpoint in one statement. A write that would move
// current_as_of_event_id backwards matches no row and is reported as
// domain.ErrCheckpointRegression.
func (r *CheckpointRepository) Save(ctx context.Context, cp domain.Checkpoint) error {
	if cp.Name == "" {
		return fmt.Errorf("checkpoint name is required: %w", domain.ErrInvalidArgument)
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO projector_checkpoints (`+checkpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (name) DO UPDATE SET
			current_as_of_event_id     = EXCLUDED.current_as_of_event_id,
			initial_catchup_start_time = EXCLUDED.initial_catchup_start_time,
			initial_catchup_end_time   = EXCLUDED.initial_catchup_end_time,
			initial_catchup_events     = EXCLUDED.initial_catchup_events,
			batch_start_time           = EXCLUDED.batch_start_time,
			batch_total_events         = EXCLUDED.batch_total_events,
			batch_remaining_events     = EXCLUDED.batch_remaining_events,
			latency_ms                 = EXCLUDED.latency_ms,
			last_updated               = EXCLUDED.last_updated,
			failed_on_event_id         = EXCLUDED.failed_on_event_id,
			error                      = EXCLUDED.error
		WHERE projector_checkpoints.current_as_of_event_id <= EXCLUDED.current_as_of_event_id
	`,
		cp.Name,
		cp.CurrentAsOfEventID,
		cp.InitialCatchupStartTime,
		cp.InitialCatchupEndTime,
		cp.InitialCatchupEvents,
		cp.BatchStartTime,
		cp.BatchTotalEvents,
		cp.BatchRemainingEvents,
		cp.LatencyInMilliseconds,
		cp.LastUpdated,
		cp.FailedOnEventID,
		cp.Error,
	)
	if err != nil {
		r.logger.Error("save checkpoint failed", logging.Projector(cp.Name), logging.Error(err))
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s to %d: %w", cp.Name, cp.CurrentAsOfEventID, domain.ErrCheckpointRegression)
	}
	return nil
}
