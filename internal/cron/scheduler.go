// Package cron runs the daemon's housekeeping jobs (replay pruning, auth
// sweeps, snapshot retention) on 5-field cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow)
// and @every/@hourly descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one housekeeping task.
type Job struct {
	Name     string
	CronExpr string
	Run      func(ctx context.Context) error
}

type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	// Now is injectable for tests.
	Now func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	nextRun  time.Time
	lastRun  time.Time
	lastErr  error
}

// Scheduler ticks at a fixed interval and runs every job whose next run
// time has passed.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job's expression. Jobs are due immediately
// on the first tick.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{logger: logger, interval: interval, now: now}
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			return nil, fmt.Errorf("cron job %q has no Run func", job.Name)
		}
		sched, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("cron job %q: %w", job.Name, err)
		}
		s.entries = append(s.entries, &entry{job: job, schedule: sched})
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
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

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs the jobs that are due now and returns how many ran.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.nextRun.IsZero() || !now.Before(e.nextRun) {
			due = append(due, e)
			e.nextRun = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
	return len(due)
}

// RunAll runs every job once regardless of schedule.
func (s *Scheduler) RunAll(ctx context.Context) error {
	s.mu.Lock()
	all := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	var errs []error
	now := s.now()
	for _, e := range all {
		if err := s.fire(ctx, e, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) error {
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.lastRun = now
	e.lastErr = err
	next := e.nextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err)
		return err
	}
	s.logger.Debug("cron: job ran", "job", e.job.Name, "next_run_at", next)
	return nil
}

// Status describes one job for status output.
type Status struct {
	Name    string    `json:"name"`
	Expr    string    `json:"expr"`
	LastRun time.Time `json:"last_run,omitempty"`
	NextRun time.Time `json:"next_run,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
}

func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := Status{Name: e.job.Name, Expr: e.job.CronExpr, LastRun: e.lastRun, NextRun: e.nextRun}
		if e.lastErr != nil {
			st.LastErr = e.lastErr.Error()
		}
		out = append(out, st)
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
