package wal

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/Felmond13/manifold/errs"
)

// Checkpointer periodically runs a flush callback that persists every column
// family's cached writes and trims the shared WAL, bounding how
// much log a crash recovery ever has to replay. Scheduling is delegated to
// gocron rather than a hand-rolled ticker goroutine, matching how the rest
// of this codebase reaches for an ecosystem scheduler instead of
// re-implementing one.
type Checkpointer struct {
	scheduler gocron.Scheduler
	wal       *WAL
	logger    *slog.Logger
}

// NewCheckpointer builds a Checkpointer that, once Start is called, runs
// flushAll every interval. flushAll must durably persist every column family
// (fsync included) and drop the WAL entries it covered before returning nil;
// a failure is logged and leaves the WAL as it is.
func NewCheckpointer(w *WAL, interval time.Duration, flushAll func(ctx context.Context) error, logger *slog.Logger) (*Checkpointer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, errs.Wrap(errs.Io, "create checkpoint scheduler", err)
	}
	c := &Checkpointer{scheduler: sched, wal: w, logger: logger.With("component", "checkpoint")}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := flushAll(context.Background()); err != nil {
				c.logger.Error("checkpoint flush failed, wal retained", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "schedule checkpoint job", err)
	}
	return c, nil
}

// Start begins running checkpoints on their schedule.
func (c *Checkpointer) Start() { c.scheduler.Start() }

// Stop halts the scheduler and waits for any in-flight checkpoint to finish.
func (c *Checkpointer) Stop() error {
	if err := c.scheduler.Shutdown(); err != nil {
		return errs.Wrap(errs.Io, "stop checkpoint scheduler", err)
	}
	return nil
}
