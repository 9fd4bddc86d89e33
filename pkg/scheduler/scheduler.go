// Package scheduler drives periodic and on-demand syncs of a reporter
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/Cue/greplin-exception-catcher/pkg/report"
)

const (
	// DefaultSchedule syncs every thirty seconds
	DefaultSchedule = "@every 30s"

	// DefaultTriggerRate allows one manual trigger per second
	DefaultTriggerRate = 1.0

	// DefaultTriggerBurst is the number of triggers accepted back to back
	DefaultTriggerBurst = 3
)

// Syncer is the part of a reporter the scheduler drives
type Syncer interface {
	Sync(ctx context.Context) (report.SyncResult, error)
}

// Config configures a Scheduler
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 30s"
	Schedule string

	// TriggerRate is the sustained rate of accepted manual triggers per second
	TriggerRate float64

	// TriggerBurst is the number of manual triggers accepted at once
	TriggerBurst int

	// Logger
	Logger *slog.Logger
}

// Status summarizes the most recent sync the scheduler ran
type Status struct {
	Runs       int64             `json:"runs"`
	Failures   int64             `json:"failures"`
	LastRun    time.Time         `json:"last_run,omitzero"`
	LastResult report.SyncResult `json:"last_result"`
	LastError  string            `json:"last_error,omitempty"`
}

// Scheduler runs Sync on a cron schedule and whenever Trigger is called.
// Overlapping runs are skipped, both by the cron chain and by the reporter.
type Scheduler struct {
	syncer   Syncer
	schedule cron.Schedule
	spec     string
	limiter  *rate.Limiter
	triggers chan struct{}
	logger   *slog.Logger

	mu     sync.RWMutex
	status Status
}

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a scheduler for s. It fails if the schedule does not parse.
func New(s Syncer, cfg Config) (*Scheduler, error) {
	if s == nil {
		return nil, fmt.Errorf("scheduler: syncer is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.TriggerRate <= 0 {
		cfg.TriggerRate = DefaultTriggerRate
	}
	if cfg.TriggerBurst <= 0 {
		cfg.TriggerBurst = DefaultTriggerBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", cfg.Schedule, err)
	}

	return &Scheduler{
		syncer:   s,
		schedule: schedule,
		spec:     cfg.Schedule,
		limiter:  rate.NewLimiter(rate.Limit(cfg.TriggerRate), cfg.TriggerBurst),
		triggers: make(chan struct{}, 1),
		logger:   cfg.Logger,
	}, nil
}

// Run blocks until ctx is done, syncing on schedule and on trigger. It waits
// for a running sync to finish before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.runOnce(ctx, "schedule") }))
	c.Start()

	s.logger.Info("scheduler started", "schedule", s.spec)

	for {
		select {
		case <-ctx.Done():
			<-c.Stop().Done()
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.triggers:
			s.runOnce(ctx, "trigger")
		}
	}
}

// Trigger asks for a sync as soon as possible. Triggers that arrive while one
// is already pending are merged into it. It returns false when rate limited.
func (s *Scheduler) Trigger() bool {
	if !s.limiter.Allow() {
		s.logger.Debug("trigger rate limited")
		return false
	}
	select {
	case s.triggers <- struct{}{}:
	default:
	}
	return true
}

// Status returns a snapshot of the scheduler's counters
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}

	res, err := s.syncer.Sync(ctx)

	s.mu.Lock()
	s.status.Runs++
	s.status.LastRun = time.Now()
	s.status.LastResult = res
	s.status.LastError = ""
	if err != nil {
		s.status.Failures++
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("sync failed", "reason", reason, "error", err)
		return
	}
	if res.Status == report.SyncSent {
		s.logger.Debug("sync complete",
			"reason", reason,
			"sent", res.Sent,
			"remaining", res.Remaining,
		)
	}
}

// cronLogger routes cron's logging through slog. Cron's info output is
// chatty, so it is logged at debug level.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
