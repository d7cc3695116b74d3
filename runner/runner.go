package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/payslip-imap/model"
	"github.com/dhcgn/payslip-imap/schedule"
)

// Task performs one mailbox run.
type Task func(ctx context.Context) model.Outcome

type Clock interface {
	Now() time.Time
}

// Sleeper blocks for d or until ctx is done, whichever comes first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type Option func(*Runner)

func WithClock(c Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func WithSleeper(s Sleeper) Option {
	return func(r *Runner) { r.sleeper = s }
}

// Runner is the long running control loop. It sleeps until the window opens,
// runs the task, and lets the scheduler decide how long to wait afterwards.
type Runner struct {
	sched   *schedule.Scheduler
	task    Task
	clock   Clock
	sleeper Sleeper
	logger  *slog.Logger

	mu   sync.Mutex
	runs int
	last model.Outcome
}

func New(sched *schedule.Scheduler, task Task, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if sched == nil {
		return nil, errors.New("scheduler must not be nil")
	}
	if task == nil {
		return nil, errors.New("task must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Runner{
		sched:   sched,
		task:    task,
		clock:   systemClock{},
		sleeper: timerSleeper{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start loops until ctx is cancelled. Cancellation is the normal way to stop
// and is not reported as an error.
func (r *Runner) Start(ctx context.Context) error {
	since := r.clock.Now()
	r.logger.Info("scheduler started", "window", r.sched.Window().String(), "interval", r.sched.NextPollDelay())

	for ctx.Err() == nil {
		now := r.clock.Now()
		if !r.sched.InsideWindow(now) {
			wake := r.sched.NextWindowStart(now)
			r.logger.Info("outside check window", "now", now.Format(time.RFC3339), "next", wake.Format(time.RFC3339))
			if err := r.sleeper.Sleep(ctx, wake.Sub(now)); err != nil {
				break
			}
			continue
		}

		outcome := r.task(ctx)
		r.record(outcome)

		now = r.clock.Now()
		decision := r.sched.Decide(now, outcome)
		wait := decision.Wait(now)
		attrs := []any{"outcome", outcome.Kind.String(), "mode", decision.Mode.String(), "wait", wait}
		if decision.Mode == schedule.Dormant {
			attrs = append(attrs, "wakeAt", decision.WakeAt.Format(time.RFC3339))
		}
		if outcome.Err != nil {
			attrs = append(attrs, "err", outcome.Err)
		}
		r.logger.Info("run finished", attrs...)

		if err := r.sleeper.Sleep(ctx, wait); err != nil {
			break
		}
	}

	runs, _ := r.Stats()
	r.logger.Info("scheduler stopped", "runs", runs, "uptime", r.clock.Now().Sub(since))
	return nil
}

func (r *Runner) record(outcome model.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	r.last = outcome
}

// Stats returns the number of completed runs and the last outcome.
func (r *Runner) Stats() (int, model.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.last
}
