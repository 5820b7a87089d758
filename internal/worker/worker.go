// SPDX-License-Identifier: Apache-2.0

// Package worker drives catch-up runs on a fixed interval and on external
// triggers.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/catchup"
	"github.com/adiadia/readmodel-runtime/internal/logging"
)

const DefaultInterval = 800 * time.Millisecond

// Runner is satisfied by *catchup.Engine.
type Runner interface {
	Name() string
	Run(ctx context.Context) (catchup.RunResult, error)
}

type Deps struct {
	Runner   Runner
	Interval time.Duration
	// Trigger, when set, requests an immediate run in addition to the ticker.
	Trigger <-chan struct{}
	Logger  *slog.Logger
}

type Worker struct {
	runner   Runner
	interval time.Duration
	trigger  <-chan struct{}
	logger   *slog.Logger
}

func New(deps Deps) *Worker {
	interval := deps.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Worker{
		runner:   deps.Runner,
		interval: interval,
		trigger:  deps.Trigger,
		logger:   logging.OrDefault(deps.Logger).With(logging.Component("worker")),
	}
}

// RunOnce performs a single catch-up pass. Failed projectors are logged and
// do not make the pass an error; only infrastructure failures do.
func (w *Worker) RunOnce(ctx context.Context) error {
	res, err := w.runner.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, catchup.ErrClosed) {
			return err
		}
		w.logger.Error("catch-up run failed", logging.Catchup(w.runner.Name()), logging.Error(err))
		return err
	}

	if res.EventsRead == 0 {
		return nil
	}

	attrs := []any{
		logging.Catchup(w.runner.Name()),
		"events_read", res.EventsRead,
	}
	if len(res.Failed) > 0 {
		w.logger.Warn("catch-up run degraded", append(attrs, "failed_projectors", res.Failed)...)
		return nil
	}
	w.logger.Info("catch-up run completed", attrs...)
	return nil
}

// Start runs catch-up passes until ctx is done or the runner is closed.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("worker started", logging.Catchup(w.runner.Name()), "interval", w.interval.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); errors.Is(err, catchup.ErrClosed) {
			w.logger.Info("worker stopped: catch-up closed")
			return nil
		}

		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-ticker.C:
		case <-w.trigger:
			w.logger.Debug("catch-up triggered")
		}
	}
}
