// SPDX-License-Identifier: Apache-2.0

// Package catchup replays the event log into registered projectors and keeps
// a durable checkpoint per projector so progress can be reported and runs can
// resume where the last one stopped.
package catchup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adiadia/readmodel-runtime/internal/clock"
	"github.com/adiadia/readmodel-runtime/internal/domain"
	"github.com/adiadia/readmodel-runtime/internal/logging"
	"github.com/adiadia/readmodel-runtime/internal/metrics"
	"github.com/adiadia/readmodel-runtime/internal/projection"
)

const defaultBatchSize = 100

var (
	ErrClosed             = errors.New("catch-up engine closed")
	ErrDuplicateProjector = errors.New("duplicate projector name")
)

type Deps struct {
	Name        string
	Projectors  []projection.Projector
	Events      EventStore
	Checkpoints CheckpointStore
	Clock       clock.Clock
	Locker      Locker
	Logger      *slog.Logger

	// BatchSize is the page size used when reading the event log. A
	// checkpoint is written for every projector after each page.
	BatchSize int

	// StartAtEventID makes projectors without a checkpoint begin at this
	// event instead of the start of the log.
	StartAtEventID int64
}

// RunResult summarises one catch-up pass.
type RunResult struct {
	EventsRead int            `json:"events_read"`
	Applied    map[string]int `json:"applied"`
	Failed     []string       `json:"failed,omitempty"`
}

type Engine struct {
	name        string
	projectors  []projection.Projector
	index       *projection.Index
	events      EventStore
	checkpoints CheckpointStore
	clock       clock.Clock
	locker      Locker
	logger      *slog.Logger
	batchSize   int
	startAt     int64

	closed atomic.Bool
}

func New(deps Deps) (*Engine, error) {
	if deps.Name == "" {
		return nil, fmt.Errorf("catch-up name is required: %w", domain.ErrInvalidArgument)
	}
	if deps.Events == nil || deps.Checkpoints == nil {
		return nil, fmt.Errorf("event and checkpoint stores are required: %w", domain.ErrInvalidArgument)
	}

	seen := make(map[string]struct{}, len(deps.Projectors))
	for _, p := range deps.Projectors {
		if p == nil || p.Name() == "" {
			return nil, fmt.Errorf("projector name is required: %w", domain.ErrInvalidArgument)
		}
		if _, dup := seen[p.Name()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProjector, p.Name())
		}
		seen[p.Name()] = struct{}{}
	}

	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	locker := deps.Locker
	if locker == nil {
		locker = processLocks
	}

	projectors := append([]projection.Projector(nil), deps.Projectors...)

	return &Engine{
		name:        deps.Name,
		projectors:  projectors,
		index:       projection.NewIndex(projectors),
		events:      deps.Events,
		checkpoints: deps.Checkpoints,
		clock:       clock.OrSystem(deps.Clock),
		locker:      locker,
		logger:      logging.OrDefault(deps.Logger).With(logging.Component("catchup"), logging.Catchup(deps.Name)),
		batchSize:   batch,
		startAt:     deps.StartAtEventID,
	}, nil
}

func (e *Engine) Name() string { return e.name }

// Close detaches the projectors. A run in progress stops at the next page
// boundary and later calls to Run return ErrClosed.
func (e *Engine) Close() {
	e.closed.Store(true)
}

// cursor is the in-memory state of one projector during a run.
type cursor struct {
	proj projection.Projector
	cp   domain.Checkpoint

	start     int64
	total     int64
	processed int64

	lastID int64
	lastAt time.Time
	dirty  bool

	applied int
	failed  bool
}

func (c *cursor) remaining() int64 {
	return c.total - c.processed
}

// Run brings every projector up to the latest event present when the run
// started. Handler faults are recorded on the projector's checkpoint and do
// not fail the run; store errors do.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	if e.closed.Load() {
		return RunResult{}, ErrClosed
	}

	unlock, err := e.locker.Lock(ctx, e.name)
	if err != nil {
		return RunResult{}, fmt.Errorf("acquire run lock %q: %w", e.name, err)
	}
	defer unlock()

	began := time.Now()
	res, err := e.run(ctx)
	metrics.ObserveCatchupRunDuration(time.Since(began))

	switch {
	case err != nil:
		metrics.IncCatchupRun(metrics.RunErrored)
	case len(res.Failed) > 0:
		metrics.IncCatchupRun(metrics.RunDegraded)
	default:
		metrics.IncCatchupRun(metrics.RunSucceeded)
	}

	return res, err
}

func (e *Engine) run(ctx context.Context) (res RunResult, err error) {
	res = RunResult{Applied: make(map[string]int, len(e.projectors))}

	if e.closed.Load() {
		return res, ErrClosed
	}

	high, err := e.events.LatestEventID(ctx)
	if err != nil {
		return res, fmt.Errorf("read latest event id: %w", err)
	}

	cursors, err := e.prepare(ctx, high)
	if err != nil {
		return res, err
	}
	defer func() {
		for _, c := range cursors {
			res.Applied[c.proj.Name()] = c.applied
			if c.failed {
				res.Failed = append(res.Failed, c.proj.Name())
			}
			metrics.AddEventsApplied(c.proj.Name(), c.applied)
		}
	}()

	from := int64(0)
	for _, c := range cursors {
		if c.total == 0 {
			continue
		}
		if from == 0 || c.start < from {
			from = c.start
		}
	}
	if from == 0 {
		e.logger.Debug("catch-up idle", "latest_event_id", high)
		return res, nil
	}

	e.logger.Info("catch-up started", "from_event_id", from, "to_event_id", high)

	for from <= high {
		if e.closed.Load() {
			return res, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("catch-up interrupted: %w", err)
		}

		page, err := e.events.ReadRange(ctx, from, high, e.batchSize)
		if err != nil {
			return res, fmt.Errorf("read events %d..%d: %w", from, high, err)
		}
		if len(page) == 0 {
			break
		}
		res.EventsRead += len(page)

		for _, ev := range page {
			if err := e.dispatch(ctx, cursors, ev); err != nil {
				return res, err
			}
		}

		if err := e.commitPage(ctx, cursors); err != nil {
			return res, err
		}

		from = page[len(page)-1].ID + 1
		if !anyHealthy(cursors) {
			break
		}
	}

	e.logger.Info("catch-up finished", "events_read", res.EventsRead, "to_event_id", high)
	return res, nil
}

// prepare loads checkpoints and opens the batch window for each projector
// that has events to process. New projectors always get a checkpoint so
// their initial catch-up size is fixed on the first run.
func (e *Engine) prepare(ctx context.Context, high int64) ([]*cursor, error) {
	now := e.clock.Now()
	cursors := make([]*cursor, 0, len(e.projectors))

	for _, p := range e.projectors {
		cp, found, err := e.checkpoints.Get(ctx, p.Name())
		if err != nil {
			return nil, fmt.Errorf("load checkpoint %q: %w", p.Name(), err)
		}

		c := &cursor{proj: p}

		if !found {
			start := int64(1)
			if e.startAt > 0 {
				start = e.startAt
			}
			initial, err := e.countRange(ctx, start, high)
			if err != nil {
				return nil, err
			}
			started := now
			cp = domain.Checkpoint{
				Name:                    p.Name(),
				CurrentAsOfEventID:      start - 1,
				InitialCatchupStartTime: &started,
				InitialCatchupEvents:    initial,
			}
		}

		c.start = cp.CurrentAsOfEventID + 1
		c.lastID = cp.CurrentAsOfEventID

		total, err := e.countRange(ctx, c.start, high)
		if err != nil {
			return nil, err
		}
		c.total = total

		if total > 0 {
			batchStart := now
			cp.BatchStartTime = &batchStart
			cp.BatchTotalEvents = total
			cp.BatchRemainingEvents = total
		}
		if !found && total == 0 && cp.InitialCatchupEndTime == nil {
			ended := now
			cp.InitialCatchupEndTime = &ended
		}

		c.cp = cp
		if !found || total > 0 {
			if err := e.save(ctx, c); err != nil {
				return nil, err
			}
		}

		cursors = append(cursors, c)
	}

	return cursors, nil
}

func (e *Engine) countRange(ctx context.Context, from, to int64) (int64, error) {
	if from > to {
		return 0, nil
	}
	n, err := e.events.CountRange(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("count events %d..%d: %w", from, to, err)
	}
	return n, nil
}

func (e *Engine) dispatch(ctx context.Context, cursors []*cursor, ev domain.Event) error {
	for _, i := range e.index.Candidates(ev) {
		c := cursors[i]
		if c.failed || ev.ID < c.start || !c.proj.Matches(ev) {
			continue
		}

		if err := applySafely(ctx, c.proj, ev); err != nil {
			if err := e.fail(ctx, c, ev, err); err != nil {
				return err
			}
			continue
		}
		c.applied++
	}

	for _, c := range cursors {
		if c.failed || ev.ID < c.start {
			continue
		}
		c.processed++
		c.lastID = ev.ID
		c.lastAt = ev.Timestamp
		c.dirty = true
	}
	return nil
}

func applySafely(ctx context.Context, p projection.Projector, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("projector panicked: %v", r)
		}
	}()
	return p.Apply(ctx, ev)
}

// fail parks the projector on ev. Its checkpoint keeps the last event it
// handled so the next run retries from ev.
func (e *Engine) fail(ctx context.Context, c *cursor, ev domain.Event, cause error) error {
	c.failed = true

	e.logger.Warn("projector failed",
		logging.Projector(c.proj.Name()),
		logging.EventID(ev.ID),
		"event_type", ev.Type,
		logging.Error(cause),
	)
	metrics.IncProjectorFailure(c.proj.Name())

	failedOn := ev.ID
	c.cp.FailedOnEventID = &failedOn
	c.cp.Error = cause.Error()
	e.advance(c)

	return e.save(ctx, c)
}

func (e *Engine) commitPage(ctx context.Context, cursors []*cursor) error {
	for _, c := range cursors {
		if c.failed || !c.dirty {
			continue
		}
		e.advance(c)
		if c.cp.FailedOnEventID != nil && c.cp.CurrentAsOfEventID >= *c.cp.FailedOnEventID {
			c.cp.FailedOnEventID = nil
			c.cp.Error = ""
		}
		if err := e.save(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// advance copies cursor state into the checkpoint.
func (e *Engine) advance(c *cursor) {
	if !c.dirty {
		return
	}
	now := e.clock.Now()

	c.cp.CurrentAsOfEventID = c.lastID
	c.cp.BatchRemainingEvents = c.remaining()
	c.cp.LastUpdated = &now
	c.cp.LatencyInMilliseconds = now.Sub(c.lastAt).Milliseconds()

	if c.cp.BatchRemainingEvents == 0 && c.cp.InitialCatchupEndTime == nil {
		c.cp.InitialCatchupEndTime = &now
	}
}

func (e *Engine) save(ctx context.Context, c *cursor) error {
	if err := e.checkpoints.Save(ctx, c.cp); err != nil {
		return fmt.Errorf("save checkpoint %q: %w", c.proj.Name(), err)
	}
	c.dirty = false
	metrics.SetEventsRemaining(c.proj.Name(), c.cp.BatchRemainingEvents)
	return nil
}

func anyHealthy(cursors []*cursor) bool {
	for _, c := range cursors {
		if !c.failed {
			return true
		}
	}
	return false
}
