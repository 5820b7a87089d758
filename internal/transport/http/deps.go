// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/readmodel-runtime/internal/catchup"
	"github.com/adiadia/readmodel-runtime/internal/domain"
)

// ProgressReader is satisfied by *progress.Calculator.
type ProgressReader interface {
	Calculate(ctx context.Context) ([]domain.Progress, error)
}

// CatchupRunner runs one catch-up pass in-process. *catchup.Engine
// satisfies it.
type CatchupRunner interface {
	Run(ctx context.Context) (catchup.RunResult, error)
}

// CatchupNotifier asks a worker to run catch-up. The NATS publisher
// satisfies it.
type CatchupNotifier interface {
	Notify(ctx context.Context) error
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
