// Package feed downloads a channel's video feed and diffs it against the dedup store.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/Felixdiamond/growth-hub/internal/model"
)

const (
	feedURLTemplate = "https://www.youtube.com/feeds/videos.xml?channel_id=%s"
	maxBodySize     = 5 * 1024 * 1024
	guidPrefix      = "yt:video:"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError reports a feed download that did not produce a usable body.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Permanent reports whether retrying cannot help: client errors other than rate limiting.
func (e *FetchError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Fetcher downloads and parses video feeds.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: 30 * time.Second,
	}
}

// FeedURL returns the feed address for a channel.
func FeedURL(channelID string) string {
	return fmt.Sprintf(feedURLTemplate, url.QueryEscape(channelID))
}

// Fetch downloads and parses the feed at the given URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "GrowthHubNotifier/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// Normalize converts a feed entry into a video record.
// It reports false for entries that carry no video id.
func Normalize(item *gofeed.Item) (model.Video, bool) {
	id := VideoID(item)
	if id == "" {
		return model.Video{}, false
	}

	link := item.Link
	if link == "" {
		link = "https://www.youtube.com/watch?v=" + id
	}

	v := model.Video{
		VideoID:     id,
		Title:       strings.TrimSpace(item.Title),
		Link:        link,
		Description: description(item),
		Thumbnail:   model.ThumbnailURL(id),
	}
	switch {
	case item.PublishedParsed != nil:
		v.PublishedAt = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		v.PublishedAt = item.UpdatedParsed.UTC()
	}
	return v, true
}

// VideoID extracts the video id from the yt:videoId extension or the entry id.
func VideoID(item *gofeed.Item) string {
	if id := extensionValue(item.Extensions, "yt", "videoId"); id != "" {
		return id
	}
	if strings.HasPrefix(item.GUID, guidPrefix) {
		return strings.TrimPrefix(item.GUID, guidPrefix)
	}
	return ""
}

func description(item *gofeed.Item) string {
	for _, group := range item.Extensions["media"]["group"] {
		for _, d := range group.Children["description"] {
			if v := strings.TrimSpace(d.Value); v != "" {
				return v
			}
		}
	}
	if v := extensionValue(item.Extensions, "media", "description"); v != "" {
		return v
	}
	return strings.TrimSpace(item.Description)
}

func extensionValue(exts ext.Extensions, prefix, name string) string {
	for _, e := range exts[prefix][name] {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
	}
	return ""
}
