package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Felixdiamond/growth-hub/internal/pipeline"
)

// ErrShuttingDown is returned by Trigger once shutdown has begun.
var ErrShuttingDown = errors.New("shutting down")

// Runner executes a pipeline run.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (*pipeline.Report, error)
}

// SchedulerConfig controls the recurring schedule.
type SchedulerConfig struct {
	ChannelID  string
	Interval   time.Duration
	RunOnStart bool
}

// Scheduler periodically runs the notification pipeline and records each outcome in State.
type Scheduler struct {
	runner Runner
	state  *State
	cfg    SchedulerConfig
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewScheduler creates a Scheduler. A zero interval defaults to one hour.
func NewScheduler(runner Runner, state *State, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		runner: runner,
		state:  state,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Run starts the schedule, blocking until ctx is cancelled.
// A run in progress when ctx is cancelled is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.RunOnStart {
		s.tick(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.state.SetNextRun(s.now().Add(s.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.state.SetNextRun(s.now().Add(s.cfg.Interval))
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.state.ShuttingDown() {
		return
	}
	_, err := s.Trigger(ctx, pipeline.Options{ChannelID: s.cfg.ChannelID})
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.log.Info("scheduled run skipped, previous run still in progress")
	case errors.Is(err, ErrShuttingDown):
		s.log.Info("scheduled run skipped, shutting down")
	}
}

// Trigger runs the pipeline once. The run is detached from ctx cancellation so
// in-flight sends finish; shutdown is observed through State instead.
// It returns ErrShuttingDown without running once shutdown has begun or Wait was called.
func (s *Scheduler) Trigger(ctx context.Context, opts pipeline.Options) (*pipeline.Report, error) {
	if opts.ChannelID == "" {
		opts.ChannelID = s.cfg.ChannelID
	}

	s.mu.Lock()
	if s.closed || s.state.ShuttingDown() {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	report, err := s.runner.Run(context.WithoutCancel(ctx), opts)
	if errors.Is(err, pipeline.ErrRunInProgress) || report == nil || opts.Test {
		return report, err
	}

	s.state.RecordRun(s.now(), report.Status)
	if report.Checked != nil {
		s.state.SetLastCheck(*report.Checked)
	}
	return report, err
}

// Wait blocks until every triggered run has returned or ctx is done.
// Triggers arriving after Wait is called are refused.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
