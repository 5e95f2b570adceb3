// Package dispatch fans a video notification out to subscribers in paced batches.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Felixdiamond/growth-hub/internal/backoff"
	"github.com/Felixdiamond/growth-hub/internal/email"
	"github.com/Felixdiamond/growth-hub/internal/metrics"
	"github.com/Felixdiamond/growth-hub/internal/model"
	"github.com/Felixdiamond/growth-hub/internal/quota"
)

// Reasons recorded for recipients that were never attempted.
const (
	ReasonShutdown = "shutdown"
	ReasonQuota    = "daily quota exhausted"
	ReasonCanceled = "canceled"
)

// Batch size bounds and defaults.
const (
	DefaultBatchSize  = 50
	MaxBatchSize      = 100
	DefaultBatchDelay = time.Second
)

// ShutdownSignal reports whether the process has begun shutting down.
type ShutdownSignal interface {
	ShuttingDown() bool
}

// Config tunes batching and retries.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	Retry      backoff.Policy
}

// Dispatcher sends notification emails.
type Dispatcher struct {
	provider email.Provider
	composer *email.Composer
	quota    quota.Quota
	shutdown ShutdownSignal
	cfg      Config
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// New creates a Dispatcher. q and shutdown may be nil.
func New(provider email.Provider, composer *email.Composer, q quota.Quota, shutdown ShutdownSignal,
	cfg Config, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	return &Dispatcher{
		provider: provider,
		composer: composer,
		quota:    q,
		shutdown: shutdown,
		cfg:      cfg,
		metrics:  m,
		log:      log,
	}
}

// Dispatch sends the new-video notification to every subscriber.
// Per-recipient failures are collected in the result, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, v model.Video, subs []model.Subscriber) model.DeliveryResult {
	return d.run(ctx, v, subs, false)
}

// DispatchTest sends the test variant of the notification.
func (d *Dispatcher) DispatchTest(ctx context.Context, v model.Video, subs []model.Subscriber) model.DeliveryResult {
	return d.run(ctx, v, subs, true)
}

func (d *Dispatcher) run(ctx context.Context, v model.Video, subs []model.Subscriber, test bool) model.DeliveryResult {
	var res model.DeliveryResult
	log := d.log.With("video_id", v.VideoID)

	chunks := chunk(subs, d.cfg.BatchSize)
	for i, batch := range chunks {
		if d.shutdown != nil && d.shutdown.ShuttingDown() {
			res.Skipped = appendSkipped(res.Skipped, chunks[i:], ReasonShutdown)
			log.Warn("dispatch stopped by shutdown", "skipped", len(res.Skipped))
			break
		}

		granted, err := d.reserve(ctx, len(batch))
		if err != nil {
			res.Skipped = appendSkipped(res.Skipped, chunks[i:], fmt.Sprintf("quota unavailable: %v", err))
			log.Error("reserve quota", "error", err)
			break
		}

		if granted > 0 {
			d.sendBatch(ctx, &res, v, batch[:granted], test)
			res.Batches++
			d.metrics.BatchDispatched()
			log.Debug("batch dispatched", "batch", i+1, "of", len(chunks), "size", granted)
		}

		if granted < len(batch) {
			res.Skipped = appendSkipped(res.Skipped, [][]model.Subscriber{batch[granted:]}, ReasonQuota)
			res.Skipped = appendSkipped(res.Skipped, chunks[i+1:], ReasonQuota)
			log.Warn("daily email quota exhausted", "skipped", len(res.Skipped))
			break
		}

		if i == len(chunks)-1 || d.cfg.BatchDelay == 0 {
			continue
		}
		timer := time.NewTimer(d.cfg.BatchDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Skipped = appendSkipped(res.Skipped, chunks[i+1:], ReasonCanceled)
			return res
		case <-timer.C:
		}
	}

	log.Info("dispatch finished",
		"success", res.SuccessCount,
		"errors", res.ErrorCount,
		"skipped", len(res.Skipped),
		"batches", res.Batches)
	return res
}

func (d *Dispatcher) reserve(ctx context.Context, n int) (int, error) {
	if d.quota == nil {
		return n, nil
	}
	return d.quota.Reserve(ctx, n)
}

// sendBatch sends to every recipient in batch concurrently and waits for all of them.
func (d *Dispatcher) sendBatch(ctx context.Context, res *model.DeliveryResult, v model.Video, batch []model.Subscriber, test bool) {
	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, sub := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = d.send(ctx, v, sub.Email, test)
		}()
	}
	wg.Wait()

	kind := metrics.KindNotification
	if test {
		kind = metrics.KindTest
	}
	for i, err := range errs {
		d.metrics.EmailSent(kind, err == nil)
		if err == nil {
			res.SuccessCount++
			continue
		}
		res.ErrorCount++
		res.FailedEmails = append(res.FailedEmails, model.FailedEmail{Email: batch[i].Email, Error: err.Error()})
		d.log.Error("send notification", "video_id", v.VideoID, "email", batch[i].Email, "error", err)
	}
}

func (d *Dispatcher) send(ctx context.Context, v model.Video, to string, test bool) error {
	compose := d.composer.Notification
	if test {
		compose = d.composer.Test
	}
	msg, err := compose(v, to)
	if err != nil {
		return err
	}

	policy := d.cfg.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.log.Warn("email send failed, retrying",
			"video_id", v.VideoID,
			"email", to,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		return d.provider.Send(ctx, msg)
	})
}

func chunk(subs []model.Subscriber, size int) [][]model.Subscriber {
	var out [][]model.Subscriber
	for start := 0; start < len(subs); start += size {
		end := min(start+size, len(subs))
		out = append(out, subs[start:end])
	}
	return out
}

func appendSkipped(dst []model.FailedEmail, chunks [][]model.Subscriber, reason string) []model.FailedEmail {
	for _, c := range chunks {
		for _, s := range c {
			dst = append(dst, model.FailedEmail{Email: s.Email, Error: reason})
		}
	}
	return dst
}
