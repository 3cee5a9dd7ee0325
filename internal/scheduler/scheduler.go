// Package scheduler runs periodic sweeps aligned to wall-clock intervals.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is a unit of periodic work.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Scheduler runs a task on interval boundaries (e.g. every hour on the hour).
// A run that errors is logged and the schedule continues.
type Scheduler struct {
	name     string
	interval time.Duration
	task     Task
	runNow   bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler. With runImmediately the task also runs
// once at start, so work left over from downtime is not delayed a full
// interval.
func NewScheduler(name string, interval time.Duration, task Task, runImmediately bool) *Scheduler {
	return &Scheduler{
		name:     name,
		interval: interval,
		task:     task,
		runNow:   runImmediately,
		stopCh:   make(chan struct{}),
	}
}

// nextRun returns the next interval boundary strictly after now.
func nextRun(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// Start blocks running the task until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.runNow {
		s.execute(ctx)
	}

	now := time.Now()
	next := nextRun(now, s.interval)
	slog.Info("scheduler waiting", "task", s.name, "wait", next.Sub(now).Round(time.Second).String(), "next_run", next.Format(time.RFC3339))

	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.stopCh:
			return nil

		case <-timer.C:
			s.execute(ctx)

			now := time.Now()
			next = nextRun(now, s.interval)
			timer.Reset(next.Sub(now))
		}
	}
}

func (s *Scheduler) execute(ctx context.Context) {
	start := time.Now()
	if err := s.task.Execute(ctx); err != nil {
		slog.Error("scheduled task failed", "task", s.name, "err", err)
		return
	}
	slog.Info("scheduled task completed", "task", s.name, "duration", time.Since(start).String())
}

// Stop stops the scheduler. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
