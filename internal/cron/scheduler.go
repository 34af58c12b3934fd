// Package cron runs the host's periodic jobs: marketplace version reports
// and database retention.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 6h" or "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Schedule string
	// RunOnStart fires the job once when the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

type entry struct {
	job     Job
	sched   cronlib.Schedule
	next    time.Time
	lastErr error
	runs    int
}

// Scheduler checks its jobs on every tick and runs the ones that are due,
// one at a time.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, interval: interval}
}

// Add registers job. The schedule is parsed here so a bad expression fails
// at start-up rather than silently never firing.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("cron job %q has no run func", job.Name)
	}
	sched, err := cronParser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("cron job %q: parse schedule %q: %w", job.Name, job.Schedule, err)
	}
	e := &entry{job: job, sched: sched, next: sched.Next(time.Now())}
	if job.RunOnStart {
		e.next = time.Time{}
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.snapshot()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) snapshot() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entry(nil), s.entries...)
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, e := range s.snapshot() {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		due := !e.next.After(now)
		s.mu.Unlock()
		if due {
			s.fire(ctx, e, now)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	start := time.Now()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.runs++
	e.lastErr = err
	e.next = e.sched.Next(now)
	next := e.next
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err, "next_run_at", next)
		return
	}
	s.logger.Info("cron: job fired", "job", e.job.Name, "duration_ms", time.Since(start).Milliseconds(), "next_run_at", next)
}

// Status is the run history of one job.
type Status struct {
	Name    string
	Runs    int
	NextRun time.Time
	LastErr error
}

func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{Name: e.job.Name, Runs: e.runs, NextRun: e.next, LastErr: e.lastErr})
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
