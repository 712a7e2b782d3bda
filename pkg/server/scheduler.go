package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/pipeline"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still going.
var ErrRunInProgress = errors.New("run already in progress")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Summary, error)
	Tracker() *pipeline.Tracker
}

// Scheduler runs the pipeline every interval and on demand, never more than
// one run at a time.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	base    context.Context
	running bool
	last    *pipeline.Summary
	lastErr error
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. A zero interval disables periodic runs.
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger, base: context.Background()}
}

// Start runs the pipeline immediately and then every interval until ctx is
// done. Runs started by Trigger also stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Trigger()
		if s.interval <= 0 {
			return
		}
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.Trigger() {
					s.logger.Debug("skipping scheduled run, previous run still in progress")
				}
			}
		}
	}()
}

// Trigger starts a run in the background. It returns false when a run is
// already in progress.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	ctx := s.base
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.execute(ctx)
	}()
	return true
}

// RunOnce runs the pipeline on the calling goroutine.
func (s *Scheduler) RunOnce(ctx context.Context) (*pipeline.Summary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()

	return s.execute(ctx)
}

func (s *Scheduler) execute(ctx context.Context) (*pipeline.Summary, error) {
	summary, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("run failed", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if summary != nil || err != nil {
		s.last, s.lastErr = summary, err
	}
	return summary, err
}

// Wait blocks until the periodic loop and any in-flight run have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Running reports whether a run is in progress.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Latest returns the last finished run and its error.
func (s *Scheduler) Latest() (*pipeline.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr
}

// Documents returns the per-document states of the current or last run.
func (s *Scheduler) Documents() []pipeline.DocumentStatus {
	return s.runner.Tracker().Snapshot()
}
