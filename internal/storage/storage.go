// Package storage defines the persistence interfaces and their implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Felixdiamond/growth-hub/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a record with the same key already exists.
	ErrDuplicate = errors.New("record already exists")
)

// VideoStore is the dedup store of observed videos.
type VideoStore interface {
	GetVideo(ctx context.Context, videoID string) (*model.Video, error)
	// InsertVideo stores v unless a video with the same id exists, and reports whether it was inserted.
	InsertVideo(ctx context.Context, v *model.Video) (bool, error)
	// ListPendingVideos returns unnotified videos, oldest publication first.
	ListPendingVideos(ctx context.Context) ([]model.Video, error)
	// ClaimVideo marks an unnotified video as dispatching unless another claim younger than lease holds it.
	ClaimVideo(ctx context.Context, videoID string, now time.Time, lease time.Duration) (bool, error)
	ReleaseVideo(ctx context.Context, videoID string) error
	// MarkVideoNotified records the delivery outcome. It applies only once per video.
	MarkVideoNotified(ctx context.Context, videoID string, res model.DeliveryResult, at time.Time) (bool, error)
}

// SubscriberStore holds newsletter subscribers.
type SubscriberStore interface {
	CreateSubscriber(ctx context.Context, s *model.Subscriber) error
	GetSubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error)
	GetSubscriberByToken(ctx context.Context, token string) (*model.Subscriber, error)
	UpdateVerificationToken(ctx context.Context, email, token string) error
	VerifySubscriber(ctx context.Context, email string) error
	DeleteSubscriber(ctx context.Context, email string) error
	ListVerifiedSubscribers(ctx context.Context) ([]model.Subscriber, error)
	RecordDonation(ctx context.Context, email string, amountCents int64, currency string, at time.Time) error
	SetActiveSubscription(ctx context.Context, email string, active bool) error
}

// CheckpointStore holds named timestamps.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, key string) (*model.Checkpoint, error)
	SetCheckpoint(ctx context.Context, key string, t time.Time) error
}

// AuditStore holds append-only failure records.
type AuditStore interface {
	AppendFailedNotification(ctx context.Context, f *model.FailedNotification) error
	ListFailedNotifications(ctx context.Context, videoID string) ([]model.FailedNotification, error)
	AppendPipelineError(ctx context.Context, e *model.PipelineError) error
	ListPipelineErrors(ctx context.Context, limit int) ([]model.PipelineError, error)
}

// DonationStore holds payment records.
type DonationStore interface {
	// InsertDonation stores d unless its session was already recorded, and reports whether it was inserted.
	InsertDonation(ctx context.Context, d *model.Donation) (bool, error)
	GetDonationBySession(ctx context.Context, sessionID string) (*model.Donation, error)
	UpsertStripeSubscription(ctx context.Context, s *model.StripeSubscription) error
	GetStripeSubscription(ctx context.Context, id string) (*model.StripeSubscription, error)
	InsertCharge(ctx context.Context, c *model.Charge) (bool, error)
}

// Storage is the interface for all persistence operations.
type Storage interface {
	VideoStore
	SubscriberStore
	CheckpointStore
	AuditStore
	DonationStore

	Ping(ctx context.Context) error
	Close() error
}
