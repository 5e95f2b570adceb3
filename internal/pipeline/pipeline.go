// Package pipeline runs one fetch, diff and dispatch cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Felixdiamond/growth-hub/internal/alert"
	"github.com/Felixdiamond/growth-hub/internal/backoff"
	"github.com/Felixdiamond/growth-hub/internal/feed"
	"github.com/Felixdiamond/growth-hub/internal/guard"
	"github.com/Felixdiamond/growth-hub/internal/metrics"
	"github.com/Felixdiamond/growth-hub/internal/model"
	"github.com/Felixdiamond/growth-hub/internal/quota"
	"github.com/Felixdiamond/growth-hub/internal/storage"
)

// ErrRunInProgress is returned when another run holds the run guard.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// ErrNoTestRecipient is returned by a test run when neither a test address nor a verified subscriber exists.
var ErrNoTestRecipient = errors.New("no test recipient: set TEST_EMAIL or verify a subscriber")

// Pipeline error stages.
const (
	StageFetch       = "fetch"
	StageSubscribers = "subscribers"
	StagePending     = "pending"
	StageDispatch    = "dispatch"
	StageRecover     = "recover"
)

// DefaultLease is how long a dispatch claim is honoured before it is treated as crashed.
const DefaultLease = 30 * time.Minute

// Store is the persistence the pipeline reads and writes.
type Store interface {
	feed.Store
	ListPendingVideos(ctx context.Context) ([]model.Video, error)
	ClaimVideo(ctx context.Context, videoID string, now time.Time, lease time.Duration) (bool, error)
	ReleaseVideo(ctx context.Context, videoID string) error
	MarkVideoNotified(ctx context.Context, videoID string, res model.DeliveryResult, at time.Time) (bool, error)
	ListVerifiedSubscribers(ctx context.Context) ([]model.Subscriber, error)
	AppendFailedNotification(ctx context.Context, f *model.FailedNotification) error
	AppendPipelineError(ctx context.Context, e *model.PipelineError) error
}

var _ Store = (storage.Storage)(nil)

// Checker finds new videos in a channel feed.
type Checker interface {
	CheckNewVideos(ctx context.Context, channelID string, bypass bool) (*feed.Result, error)
}

// Dispatcher delivers one video to a list of subscribers.
type Dispatcher interface {
	Dispatch(ctx context.Context, v model.Video, subs []model.Subscriber) model.DeliveryResult
	DispatchTest(ctx context.Context, v model.Video, subs []model.Subscriber) model.DeliveryResult
}

// ShutdownSignal reports whether the process has begun shutting down.
type ShutdownSignal interface {
	ShuttingDown() bool
}

// Config holds the runner's tunables.
type Config struct {
	// TestEmail receives test-mode sends. Empty means the first verified subscriber.
	TestEmail string
	// Lease is the dispatch claim lifetime.
	Lease time.Duration
	// FetchRetry governs feed fetch retries.
	FetchRetry backoff.Policy
}

// Deps are the runner's collaborators. Guard, Quota, Shutdown, Alerter and Metrics are optional.
type Deps struct {
	Checker    Checker
	Dispatcher Dispatcher
	Store      Store
	Guard      guard.Guard
	Quota      quota.Quota
	Shutdown   ShutdownSignal
	Alerter    alert.Alerter
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Options select what a single run does.
type Options struct {
	ChannelID string
	// Test sends the latest feed entry to the test recipient without touching the dedup store.
	Test bool
}

// VideoReport is the delivery outcome for one video.
type VideoReport struct {
	VideoID      string              `json:"videoId"`
	Title        string              `json:"title"`
	SuccessCount int                 `json:"successCount"`
	ErrorCount   int                 `json:"errorCount"`
	Skipped      int                 `json:"skipped"`
	FailedEmails []model.FailedEmail `json:"failedEmails,omitempty"`
}

// Report summarises a run.
type Report struct {
	RunID      string          `json:"runId"`
	ChannelID  string          `json:"channelId"`
	Test       bool            `json:"isTest"`
	Status     model.RunStatus `json:"status"`
	Message    string          `json:"message"`
	StartedAt  time.Time       `json:"startedAt"`
	Checked    *time.Time      `json:"checkedAt,omitempty"`
	NewVideos  int             `json:"newVideos"`
	Dispatched []VideoReport   `json:"dispatched"`
	Deferred   int             `json:"deferred"`
	Recovered  int             `json:"recovered"`
}

// Runner executes pipeline runs.
type Runner struct {
	checker    Checker
	dispatcher Dispatcher
	store      Store
	guard      guard.Guard
	quota      quota.Quota
	shutdown   ShutdownSignal
	alerter    alert.Alerter
	metrics    *metrics.Metrics
	log        *slog.Logger
	cfg        Config
	now        func() time.Time
}

// New creates a Runner.
func New(d Deps, cfg Config) *Runner {
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.FetchRetry.MaxAttempts == 0 {
		cfg.FetchRetry = backoff.Default()
	}
	if d.Guard == nil {
		d.Guard = guard.NewLocal()
	}
	if d.Alerter == nil {
		d.Alerter = alert.Nop{}
	}
	return &Runner{
		checker:    d.Checker,
		dispatcher: d.Dispatcher,
		store:      d.Store,
		guard:      d.Guard,
		quota:      d.Quota,
		shutdown:   d.Shutdown,
		alerter:    d.Alerter,
		metrics:    d.Metrics,
		log:        d.Log,
		cfg:        cfg,
		now:        time.Now,
	}
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func staged(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

// Run performs one pipeline cycle. Failures are recorded and alerted before being returned.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	release, ok, err := r.guard.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire run guard: %w", err)
	}
	if !ok {
		r.metrics.PipelineRun(model.RunSkipped)
		return nil, ErrRunInProgress
	}
	defer release()

	report := &Report{
		RunID:      uuid.NewString(),
		ChannelID:  opts.ChannelID,
		Test:       opts.Test,
		StartedAt:  r.now().UTC(),
		Dispatched: []VideoReport{},
	}
	log := r.log.With("run_id", report.RunID)
	log.Info("pipeline run started", "channel_id", opts.ChannelID, "test", opts.Test)

	if opts.Test {
		err = r.runTest(ctx, log, opts, report)
	} else {
		err = r.runNormal(ctx, log, opts, report)
	}

	if err != nil {
		report.Status = model.RunFailed
		report.Message = err.Error()
		stage := StageDispatch
		var se *stageError
		if errors.As(err, &se) {
			stage = se.stage
		}
		r.recordError(ctx, log, report.RunID, stage, err.Error(), !opts.Test)
	} else {
		report.Status = statusOf(report)
	}

	r.metrics.PipelineRun(report.Status)
	log.Info("pipeline run finished",
		"status", report.Status,
		"new_videos", report.NewVideos,
		"dispatched", len(report.Dispatched),
		"deferred", report.Deferred,
		"recovered", report.Recovered,
		"duration_ms", r.now().Sub(report.StartedAt).Milliseconds())
	return report, err
}

func (r *Runner) fetch(ctx context.Context, log *slog.Logger, channelID string, bypass bool) (*feed.Result, error) {
	policy := r.cfg.FetchRetry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("feed fetch failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}

	var res *feed.Result
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.checker.CheckNewVideos(ctx, channelID, bypass)
		return err
	})
	if err != nil {
		return nil, staged(StageFetch, err)
	}
	return res, nil
}

func (r *Runner) runTest(ctx context.Context, log *slog.Logger, opts Options, report *Report) error {
	res, err := r.fetch(ctx, log, opts.ChannelID, true)
	if err != nil {
		return err
	}
	report.NewVideos = len(res.Videos)
	if len(res.Videos) == 0 {
		report.Message = "No videos found in feed"
		return nil
	}

	var recipients []model.Subscriber
	if r.cfg.TestEmail != "" {
		recipients = []model.Subscriber{{Email: r.cfg.TestEmail, Verified: true}}
	} else {
		subs, err := r.store.ListVerifiedSubscribers(ctx)
		if err != nil {
			return staged(StageSubscribers, fmt.Errorf("list subscribers: %w", err))
		}
		if len(subs) == 0 {
			return staged(StageSubscribers, ErrNoTestRecipient)
		}
		recipients = subs[:1]
	}

	latest := res.Videos[0]
	result := r.dispatcher.DispatchTest(ctx, latest, recipients)
	report.Dispatched = append(report.Dispatched, videoReport(latest, result))
	report.Message = "Test notification sent to " + recipients[0].Email
	if result.SuccessCount == 0 {
		return staged(StageDispatch, fmt.Errorf("test notification to %s failed", recipients[0].Email))
	}
	return nil
}

func (r *Runner) runNormal(ctx context.Context, log *slog.Logger, opts Options, report *Report) error {
	res, err := r.fetch(ctx, log, opts.ChannelID, false)
	if err != nil {
		return err
	}
	report.NewVideos = len(res.Videos)
	if !res.CheckedAt.IsZero() {
		checked := res.CheckedAt
		report.Checked = &checked
	}

	subs, err := r.store.ListVerifiedSubscribers(ctx)
	if err != nil {
		return staged(StageSubscribers, fmt.Errorf("list subscribers: %w", err))
	}
	pending, err := r.store.ListPendingVideos(ctx)
	if err != nil {
		return staged(StagePending, fmt.Errorf("list pending videos: %w", err))
	}
	if len(pending) == 0 {
		report.Message = "No pending videos"
		return nil
	}

	for i, v := range pending {
		if r.shutdown != nil && r.shutdown.ShuttingDown() {
			report.Deferred += len(pending) - i
			log.Warn("pipeline stopped by shutdown", "deferred", len(pending)-i)
			break
		}
		if err := r.processVideo(ctx, log, v, subs, report); err != nil {
			return err
		}
	}

	report.Message = "Notification process completed"
	if len(subs) == 0 {
		report.Message = "No verified subscribers to notify"
	}
	return nil
}

func (r *Runner) processVideo(ctx context.Context, log *slog.Logger, v model.Video, subs []model.Subscriber, report *Report) error {
	log = log.With("video_id", v.VideoID)
	now := r.now().UTC()

	if v.DispatchingAt != nil {
		if now.Sub(*v.DispatchingAt) < r.cfg.Lease {
			log.Info("video is being dispatched by another run")
			report.Deferred++
			return nil
		}
		return r.recoverVideo(ctx, log, v, report)
	}

	if len(subs) == 0 {
		if _, err := r.store.MarkVideoNotified(ctx, v.VideoID, model.DeliveryResult{}, now); err != nil {
			return staged(StageDispatch, fmt.Errorf("mark %s notified: %w", v.VideoID, err))
		}
		report.Dispatched = append(report.Dispatched, videoReport(v, model.DeliveryResult{}))
		return nil
	}

	claimed, err := r.store.ClaimVideo(ctx, v.VideoID, now, r.cfg.Lease)
	if err != nil {
		return staged(StageDispatch, fmt.Errorf("claim %s: %w", v.VideoID, err))
	}
	if !claimed {
		report.Deferred++
		return nil
	}

	if r.quota != nil {
		remaining, err := r.quota.Remaining(ctx)
		if err != nil {
			r.release(log, v.VideoID)
			return staged(StageDispatch, fmt.Errorf("check quota: %w", err))
		}
		if remaining < len(subs) {
			log.Warn("daily email quota too low, deferring video", "remaining", remaining, "subscribers", len(subs))
			r.release(log, v.VideoID)
			report.Deferred++
			return nil
		}
	}

	result := r.dispatcher.Dispatch(ctx, v, subs)
	if !result.Attempted() {
		log.Warn("dispatch interrupted before any send, releasing claim", "skipped", len(result.Skipped))
		r.release(log, v.VideoID)
		report.Deferred++
		return nil
	}

	at := r.now().UTC()
	if _, err := r.store.MarkVideoNotified(ctx, v.VideoID, result, at); err != nil {
		return staged(StageDispatch, fmt.Errorf("mark %s notified: %w", v.VideoID, err))
	}
	if failures := append(append([]model.FailedEmail{}, result.FailedEmails...), result.Skipped...); len(failures) > 0 {
		err := r.store.AppendFailedNotification(ctx, &model.FailedNotification{
			VideoID:   v.VideoID,
			Failures:  failures,
			CreatedAt: at,
		})
		if err != nil {
			log.Error("append failed notification", "error", err)
		}
	}
	report.Dispatched = append(report.Dispatched, videoReport(v, result))
	return nil
}

// recoverVideo closes out a video whose claim outlived its lease. Its recipients
// may have been partly notified, so it is marked notified rather than re-sent.
func (r *Runner) recoverVideo(ctx context.Context, log *slog.Logger, v model.Video, report *Report) error {
	if _, err := r.store.MarkVideoNotified(ctx, v.VideoID, model.DeliveryResult{}, r.now().UTC()); err != nil {
		return staged(StageRecover, fmt.Errorf("mark %s notified: %w", v.VideoID, err))
	}
	report.Recovered++
	msg := fmt.Sprintf("video %s was claimed at %s and never completed; marked notified without resending",
		v.VideoID, v.DispatchingAt.UTC().Format(time.RFC3339))
	log.Warn("recovered stale dispatch claim", "claimed_at", v.DispatchingAt)
	r.recordError(ctx, log, report.RunID, StageRecover, msg, true)
	return nil
}

func (r *Runner) release(log *slog.Logger, videoID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.ReleaseVideo(ctx, videoID); err != nil {
		log.Error("release video claim", "error", err)
	}
}

// recordError logs, alerts and, when persist is set, stores a pipeline error.
// Test runs never write to the store.
func (r *Runner) recordError(ctx context.Context, log *slog.Logger, runID, stage, msg string, persist bool) {
	log.Error("pipeline error", "stage", stage, "error", msg)
	if persist {
		err := r.store.AppendPipelineError(ctx, &model.PipelineError{
			RunID:     runID,
			Stage:     stage,
			Message:   msg,
			CreatedAt: r.now().UTC(),
		})
		if err != nil {
			log.Error("append pipeline error", "error", err)
		}
	}
	if err := r.alerter.Alert(ctx, fmt.Sprintf("Growth Hub pipeline %s error (run %s): %s", stage, runID, msg)); err != nil {
		log.Warn("alert failed", "error", err)
	}
}

func videoReport(v model.Video, res model.DeliveryResult) VideoReport {
	return VideoReport{
		VideoID:      v.VideoID,
		Title:        v.Title,
		SuccessCount: res.SuccessCount,
		ErrorCount:   res.ErrorCount,
		Skipped:      len(res.Skipped),
		FailedEmails: res.FailedEmails,
	}
}

func statusOf(r *Report) model.RunStatus {
	if r.Deferred > 0 || r.Recovered > 0 {
		return model.RunPartial
	}
	for _, v := range r.Dispatched {
		if v.ErrorCount > 0 || v.Skipped > 0 {
			return model.RunPartial
		}
	}
	return model.RunSuccess
}
