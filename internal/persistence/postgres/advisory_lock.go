// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLocker serialises catch-up runs across processes with a
// session-level advisory lock. The lock lives on a dedicated pooled
// connection until unlock is called.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewAdvisoryLocker(pool *pgxpool.Pool, logger *slog.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{
		pool:   pool,
		logger: logging.OrDefault(logger),
	}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, name string) (func(), error) {
	if l.pool == nil {
		return nil, errors.New("nil database pool")
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire db connection for run lock: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, name); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock %q: %w", name, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, name); err != nil {
				// Closing the session drops every advisory lock it holds.
				l.logger.Error("advisory unlock failed", logging.Catchup(name), logging.Error(err))
				_ = conn.Conn().Close(unlockCtx)
			}
			conn.Release()
		})
	}, nil
}
