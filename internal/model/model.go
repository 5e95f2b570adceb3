// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"time"
)

// CheckpointLastVideoCheck is the checkpoint key updated after each successful feed poll.
const CheckpointLastVideoCheck = "lastVideoCheck"

// Video is a channel upload observed in the feed.
type Video struct {
	VideoID       string
	Title         string
	Link          string
	Description   string
	Thumbnail     string
	PublishedAt   time.Time
	NotifiedAt    *time.Time
	DispatchingAt *time.Time
	SuccessCount  int
	ErrorCount    int
	CreatedAt     time.Time
}

// Pending reports whether subscribers have not yet been notified about the video.
func (v Video) Pending() bool {
	return v.NotifiedAt == nil
}

// ThumbnailURL returns the max-resolution thumbnail for a video id.
func ThumbnailURL(videoID string) string {
	return fmt.Sprintf("https://i.ytimg.com/vi/%s/maxresdefault.jpg", videoID)
}

// Subscriber is a newsletter recipient.
type Subscriber struct {
	Email             string
	Verified          bool
	VerificationToken string
	IsDonor           bool
	// TotalDonations counts completed checkouts; TotalDonatedCents sums their amounts.
	TotalDonations        int
	TotalDonatedCents     int64
	LastDonation          *time.Time
	LastDonationCents     int64
	LastDonationCurrency  string
	HasActiveSubscription bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Checkpoint is a named timestamp.
type Checkpoint struct {
	Key       string
	Timestamp time.Time
}

// FailedEmail pairs a recipient with the reason its notification was not delivered.
type FailedEmail struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// FailedNotification is an audit record of recipients that did not receive a video notification.
type FailedNotification struct {
	ID        int64
	VideoID   string
	Failures  []FailedEmail
	CreatedAt time.Time
}

// DeliveryResult is the outcome of dispatching one video to a subscriber list.
type DeliveryResult struct {
	SuccessCount int
	ErrorCount   int
	FailedEmails []FailedEmail
	// Skipped lists recipients that were never attempted (shutdown or quota).
	Skipped []FailedEmail
	Batches int
}

// Attempted reports whether at least one send was tried.
func (r DeliveryResult) Attempted() bool {
	return r.SuccessCount+r.ErrorCount > 0
}

// PipelineError is an audit record of a failed pipeline stage.
type PipelineError struct {
	ID        int64
	RunID     string
	Stage     string
	Message   string
	CreatedAt time.Time
}

// RunStatus is the outcome of a pipeline run as reported by the liveness endpoint.
type RunStatus string

// Run statuses.
const (
	RunNever   RunStatus = "never"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// Donation records a completed checkout session.
type Donation struct {
	ID          int64
	SessionID   string
	CustomerID  string
	Email       string
	AmountCents int64
	Currency    string
	Status      string
	Type        string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// Donation types.
const (
	DonationOneTime   = "one-time"
	DonationRecurring = "recurring"
)

// StripeSubscription mirrors the state of a recurring donation.
type StripeSubscription struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd time.Time
	CanceledAt       *time.Time
	UpdatedAt        time.Time
}

// Charge records a successful card charge.
type Charge struct {
	ID          string
	CustomerID  string
	Email       string
	AmountCents int64
	Currency    string
	Status      string
	CreatedAt   time.Time
}
