package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Felixdiamond/growth-hub/internal/metrics"
	"github.com/Felixdiamond/growth-hub/internal/model"
)

// Store is the slice of persistence the checker needs.
type Store interface {
	InsertVideo(ctx context.Context, v *model.Video) (bool, error)
	SetCheckpoint(ctx context.Context, key string, t time.Time) error
}

// Result is the outcome of one feed check.
type Result struct {
	// Videos are the entries to act on: new ones, or every entry in bypass mode.
	Videos []model.Video
	// CheckedAt is the checkpoint written by this check. It is zero in bypass mode.
	CheckedAt time.Time
}

// Checker computes which feed entries have not been seen before.
type Checker struct {
	fetcher *Fetcher
	store   Store
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
	feedURL func(channelID string) string
}

// NewChecker creates a Checker backed by store.
func NewChecker(f *Fetcher, store Store, m *metrics.Metrics, log *slog.Logger) *Checker {
	return &Checker{
		fetcher: f,
		store:   store,
		metrics: m,
		log:     log,
		now:     time.Now,
		feedURL: FeedURL,
	}
}

// CheckNewVideos fetches the channel feed and returns entries absent from the dedup store,
// persisting each as pending. With bypass set, every entry is returned and nothing is written.
func (c *Checker) CheckNewVideos(ctx context.Context, channelID string, bypass bool) (*Result, error) {
	start := time.Now()
	parsed, err := c.fetcher.Fetch(ctx, c.feedURL(channelID))
	c.metrics.ObserveFetch(time.Since(start))
	if err != nil {
		return nil, err
	}

	var entries []model.Video
	for _, item := range parsed.Items {
		v, ok := Normalize(item)
		if !ok {
			c.log.Warn("skipping feed entry without video id", "guid", item.GUID, "title", item.Title)
			continue
		}
		entries = append(entries, v)
	}

	if bypass {
		c.log.Info("feed checked in bypass mode", "channel_id", channelID, "entries", len(entries))
		return &Result{Videos: entries}, nil
	}

	var fresh []model.Video
	for i := range entries {
		v := entries[i]
		inserted, err := c.store.InsertVideo(ctx, &v)
		if err != nil {
			return nil, fmt.Errorf("store video %s: %w", v.VideoID, err)
		}
		if !inserted {
			continue
		}
		fresh = append(fresh, v)
	}

	checked := c.now().UTC()
	if err := c.store.SetCheckpoint(ctx, model.CheckpointLastVideoCheck, checked); err != nil {
		return nil, fmt.Errorf("update checkpoint: %w", err)
	}

	c.metrics.VideosDiscovered(len(fresh))
	c.log.Info("feed checked", "channel_id", channelID, "entries", len(entries), "new", len(fresh))
	return &Result{Videos: fresh, CheckedAt: checked}, nil
}
