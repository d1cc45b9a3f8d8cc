/*
scheduler.go - Automated assignment sweep

PURPOSE:
  Periodically batch-assigns every package sitting in PUBLISHED, so
  packages whose rules and candidates line up do not wait for an operator.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each sweep is one AssignPublished call attributed to the system actor
  - Packages that fail stay PUBLISHED and are retried on the next sweep
  - The last sweep's summary is kept for the UI and the CLI

CONFIGURATION:
  - Interval: How often to sweep (scheduler.interval, default: 1 hour)
  - Enabled:  Whether the scheduler runs (scheduler.enabled, default: false)
  - Strategy: Strategy override for every package (empty: per rule)

USAGE:
  scheduler := NewAssignmentScheduler(service, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - assignment/batch.go: AssignPublished
  - cmd/server/main.go: Wiring from config
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/disposal-engine/assignment"
	"github.com/warp/disposal-engine/engine"
)

// SweepRun records one scheduler sweep.
type SweepRun struct {
	StartedAt time.Time
	Duration  time.Duration
	Result    engine.BatchResult
	Err       error
}

// AssignmentScheduler runs AssignPublished on an interval.
type AssignmentScheduler struct {
	Service  *assignment.Service
	Interval time.Duration
	Enabled  bool
	Strategy string
	Logger   *slog.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *SweepRun
}

// NewAssignmentScheduler creates a new scheduler.
func NewAssignmentScheduler(svc *assignment.Service, logger *slog.Logger) *AssignmentScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssignmentScheduler{
		Service:  svc,
		Interval: 1 * time.Hour,
		Enabled:  true,
		Logger:   logger,
	}
}

// Start begins the scheduler.
func (s *AssignmentScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(ctx, s.ticker, s.stop)

	s.Logger.Info("scheduler started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *AssignmentScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("scheduler stopped")
}

func (s *AssignmentScheduler) run(ctx context.Context, ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce performs one sweep and records it.
func (s *AssignmentScheduler) RunOnce(ctx context.Context) SweepRun {
	run := SweepRun{StartedAt: time.Now()}
	s.Logger.Info("sweeping published packages")

	run.Result, run.Err = s.Service.AssignPublished(ctx, s.Strategy, engine.SystemActor)
	run.Duration = time.Since(run.StartedAt)

	if run.Err != nil {
		s.Logger.Error("sweep failed", "error", run.Err)
	} else {
		s.Logger.Info("sweep complete",
			"total", run.Result.Total,
			"assigned", run.Result.SuccessCount,
			"failed", run.Result.FailedCount,
			"duration", run.Duration,
		)
	}

	s.mu.Lock()
	s.lastRun = &run
	s.mu.Unlock()
	return run
}

// LastRun returns the most recent sweep, or nil if none ran.
func (s *AssignmentScheduler) LastRun() *SweepRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun == nil {
		return nil
	}
	run := *s.lastRun
	return &run
}
