package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Felixdiamond/growth-hub/internal/model"
	"github.com/Felixdiamond/growth-hub/migrations"
)

var _ Storage = (*Postgres)(nil)

// PoolConfig tunes the Postgres connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Postgres implements Storage backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at url, verifies the connection, and runs pending migrations.
func NewPostgres(ctx context.Context, url string, cfg PoolConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := stdlib.OpenDB(*poolCfg.ConnConfig)
	err = migrations.Run(db, migrations.DialectPostgres)
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// GetVideo returns a single video by its id.
func (p *Postgres) GetVideo(ctx context.Context, videoID string) (*model.Video, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE video_id = $1`, videoID)
	v, err := scanPgVideo(row)
	if err != nil {
		return nil, wrapPgError(err, "get video")
	}
	return v, nil
}

// InsertVideo stores a newly observed video as pending.
func (p *Postgres) InsertVideo(ctx context.Context, v *model.Video) (bool, error) {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO videos (video_id, title, link, description, thumbnail, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (video_id) DO NOTHING
		 RETURNING created_at`,
		v.VideoID, v.Title, v.Link, v.Description, v.Thumbnail, v.PublishedAt.UTC(),
	).Scan(&v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapPgError(err, "insert video")
	}
	return true, nil
}

// ListPendingVideos returns videos that have not been notified yet.
func (p *Postgres) ListPendingVideos(ctx context.Context) ([]model.Video, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE notified_at IS NULL ORDER BY published_at, video_id`,
	)
	if err != nil {
		return nil, wrapPgError(err, "query pending videos")
	}
	defer rows.Close()

	var videos []model.Video
	for rows.Next() {
		v, err := scanPgVideo(rows)
		if err != nil {
			return nil, wrapPgError(err, "scan video")
		}
		videos = append(videos, *v)
	}
	return videos, wrapPgError(rows.Err(), "iterate videos")
}

// ClaimVideo sets the dispatching lease on a pending video.
func (p *Postgres) ClaimVideo(ctx context.Context, videoID string, now time.Time, lease time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE videos SET dispatching_at = $1
		 WHERE video_id = $2 AND notified_at IS NULL
		   AND (dispatching_at IS NULL OR dispatching_at <= $3)`,
		now.UTC(), videoID, now.Add(-lease).UTC(),
	)
	if err != nil {
		return false, wrapPgError(err, "claim video")
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseVideo clears the dispatching lease.
func (p *Postgres) ReleaseVideo(ctx context.Context, videoID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE videos SET dispatching_at = NULL WHERE video_id = $1 AND notified_at IS NULL`, videoID,
	)
	return wrapPgError(err, "release video")
}

// MarkVideoNotified stores the delivery counts and sets notified_at if still unset.
func (p *Postgres) MarkVideoNotified(ctx context.Context, videoID string, r model.DeliveryResult, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE videos SET notified_at = $1, dispatching_at = NULL, success_count = $2, error_count = $3
		 WHERE video_id = $4 AND notified_at IS NULL`,
		at.UTC(), r.SuccessCount, r.ErrorCount, videoID,
	)
	if err != nil {
		return false, wrapPgError(err, "mark video notified")
	}
	return tag.RowsAffected() == 1, nil
}

// CreateSubscriber inserts a new subscriber.
func (p *Postgres) CreateSubscriber(ctx context.Context, sub *model.Subscriber) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO subscribers (email, verified, verification_token)
		 VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		sub.Email, sub.Verified, sub.VerificationToken,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	return wrapPgError(err, "insert subscriber")
}

// GetSubscriberByEmail returns the subscriber with the given email.
func (p *Postgres) GetSubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE email = $1`, email)
	sub, err := scanPgSubscriber(row)
	if err != nil {
		return nil, wrapPgError(err, "get subscriber")
	}
	return sub, nil
}

// GetSubscriberByToken returns the subscriber holding a verification token.
func (p *Postgres) GetSubscriberByToken(ctx context.Context, token string) (*model.Subscriber, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := p.pool.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE verification_token = $1`, token)
	sub, err := scanPgSubscriber(row)
	if err != nil {
		return nil, wrapPgError(err, "get subscriber by token")
	}
	return sub, nil
}

// UpdateVerificationToken replaces a subscriber's verification token.
func (p *Postgres) UpdateVerificationToken(ctx context.Context, email, token string) error {
	return p.execOne(ctx, "update verification token",
		`UPDATE subscribers SET verification_token = $1, updated_at = now() WHERE email = $2`, token, email)
}

// VerifySubscriber marks a subscriber as verified.
func (p *Postgres) VerifySubscriber(ctx context.Context, email string) error {
	return p.execOne(ctx, "verify subscriber",
		`UPDATE subscribers SET verified = TRUE, updated_at = now() WHERE email = $1`, email)
}

// DeleteSubscriber removes a subscriber.
func (p *Postgres) DeleteSubscriber(ctx context.Context, email string) error {
	return p.execOne(ctx, "delete subscriber", `DELETE FROM subscribers WHERE email = $1`, email)
}

// ListVerifiedSubscribers returns every verified subscriber in signup order.
func (p *Postgres) ListVerifiedSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE verified ORDER BY created_at, email`,
	)
	if err != nil {
		return nil, wrapPgError(err, "query verified subscribers")
	}
	defer rows.Close()

	var subs []model.Subscriber
	for rows.Next() {
		sub, err := scanPgSubscriber(rows)
		if err != nil {
			return nil, wrapPgError(err, "scan subscriber")
		}
		subs = append(subs, *sub)
	}
	return subs, wrapPgError(rows.Err(), "iterate subscribers")
}

// RecordDonation flags a subscriber as a donor, adds the amount to their total
// and remembers it as their last donation.
func (p *Postgres) RecordDonation(ctx context.Context, email string, amountCents int64, currency string, at time.Time) error {
	return p.execOne(ctx, "record donation",
		`UPDATE subscribers
		 SET is_donor = TRUE,
		     total_donations = total_donations + 1,
		     total_donated_cents = total_donated_cents + $1,
		     last_donation = $2,
		     last_donation_cents = $1,
		     last_donation_currency = $3,
		     updated_at = now()
		 WHERE email = $4`,
		amountCents, at.UTC(), currency, email)
}

// SetActiveSubscription updates a subscriber's recurring donation flag.
func (p *Postgres) SetActiveSubscription(ctx context.Context, email string, active bool) error {
	return p.execOne(ctx, "set active subscription",
		`UPDATE subscribers SET has_active_subscription = $1, updated_at = now() WHERE email = $2`, active, email)
}

// GetCheckpoint returns a named checkpoint.
func (p *Postgres) GetCheckpoint(ctx context.Context, key string) (*model.Checkpoint, error) {
	cp := model.Checkpoint{Key: key}
	err := p.pool.QueryRow(ctx, `SELECT timestamp FROM system WHERE key = $1`, key).Scan(&cp.Timestamp)
	if err != nil {
		return nil, wrapPgError(err, "get checkpoint")
	}
	cp.Timestamp = cp.Timestamp.UTC()
	return &cp, nil
}

// SetCheckpoint creates or moves a named checkpoint.
func (p *Postgres) SetCheckpoint(ctx context.Context, key string, t time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO system (key, timestamp) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET timestamp = EXCLUDED.timestamp`,
		key, t.UTC())
	return wrapPgError(err, "set checkpoint")
}

// AppendFailedNotification stores an audit record and populates its ID and CreatedAt.
func (p *Postgres) AppendFailedNotification(ctx context.Context, f *model.FailedNotification) error {
	failures, err := json.Marshal(f.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO failed_notifications (video_id, failures) VALUES ($1, $2) RETURNING id, created_at`,
		f.VideoID, failures,
	).Scan(&f.ID, &f.CreatedAt)
	return wrapPgError(err, "insert failed notification")
}

// ListFailedNotifications returns audit records for a video in insertion order.
func (p *Postgres) ListFailedNotifications(ctx context.Context, videoID string) ([]model.FailedNotification, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, video_id, failures, created_at FROM failed_notifications WHERE video_id = $1 ORDER BY id`,
		videoID,
	)
	if err != nil {
		return nil, wrapPgError(err, "query failed notifications")
	}
	defer rows.Close()

	var out []model.FailedNotification
	for rows.Next() {
		var f model.FailedNotification
		var failures []byte
		if err := rows.Scan(&f.ID, &f.VideoID, &failures, &f.CreatedAt); err != nil {
			return nil, wrapPgError(err, "scan failed notification")
		}
		if err := json.Unmarshal(failures, &f.Failures); err != nil {
			return nil, fmt.Errorf("unmarshal failures: %w", err)
		}
		out = append(out, f)
	}
	return out, wrapPgError(rows.Err(), "iterate failed notifications")
}

// AppendPipelineError stores an audit record and populates its ID and CreatedAt.
func (p *Postgres) AppendPipelineError(ctx context.Context, e *model.PipelineError) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO pipeline_errors (run_id, stage, message) VALUES ($1, $2, $3) RETURNING id, created_at`,
		e.RunID, e.Stage, e.Message,
	).Scan(&e.ID, &e.CreatedAt)
	return wrapPgError(err, "insert pipeline error")
}

// ListPipelineErrors returns the most recent pipeline errors, newest first.
func (p *Postgres) ListPipelineErrors(ctx context.Context, limit int) ([]model.PipelineError, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, run_id, stage, message, created_at FROM pipeline_errors ORDER BY id DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, wrapPgError(err, "query pipeline errors")
	}
	defer rows.Close()

	var out []model.PipelineError
	for rows.Next() {
		var e model.PipelineError
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, wrapPgError(err, "scan pipeline error")
		}
		out = append(out, e)
	}
	return out, wrapPgError(rows.Err(), "iterate pipeline errors")
}

// InsertDonation stores a completed checkout session once.
func (p *Postgres) InsertDonation(ctx context.Context, d *model.Donation) (bool, error) {
	meta, err := json.Marshal(nonNilMap(d.Metadata))
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO donations (session_id, customer_id, email, amount_cents, currency, status, type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (session_id) DO NOTHING
		 RETURNING id, created_at`,
		d.SessionID, d.CustomerID, d.Email, d.AmountCents, d.Currency, d.Status, d.Type, meta, created.UTC(),
	).Scan(&d.ID, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapPgError(err, "insert donation")
	}
	return true, nil
}

// GetDonationBySession returns the donation recorded for a checkout session.
func (p *Postgres) GetDonationBySession(ctx context.Context, sessionID string) (*model.Donation, error) {
	var d model.Donation
	var meta []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id, session_id, customer_id, email, amount_cents, currency, status, type, metadata, created_at
		 FROM donations WHERE session_id = $1`, sessionID,
	).Scan(&d.ID, &d.SessionID, &d.CustomerID, &d.Email, &d.AmountCents, &d.Currency, &d.Status, &d.Type, &meta, &d.CreatedAt)
	if err != nil {
		return nil, wrapPgError(err, "get donation")
	}
	if err := json.Unmarshal(meta, &d.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &d, nil
}

// UpsertStripeSubscription creates or replaces a subscription's state.
func (p *Postgres) UpsertStripeSubscription(ctx context.Context, sub *model.StripeSubscription) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (id, customer_id, status, current_period_end, canceled_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (id) DO UPDATE SET
		   customer_id = EXCLUDED.customer_id,
		   status = EXCLUDED.status,
		   current_period_end = EXCLUDED.current_period_end,
		   canceled_at = EXCLUDED.canceled_at,
		   updated_at = EXCLUDED.updated_at
		 RETURNING updated_at`,
		sub.ID, sub.CustomerID, sub.Status, sub.CurrentPeriodEnd.UTC(), sub.CanceledAt,
	).Scan(&sub.UpdatedAt)
	return wrapPgError(err, "upsert subscription")
}

// GetStripeSubscription returns a subscription by its Stripe id.
func (p *Postgres) GetStripeSubscription(ctx context.Context, id string) (*model.StripeSubscription, error) {
	var sub model.StripeSubscription
	err := p.pool.QueryRow(ctx,
		`SELECT id, customer_id, status, current_period_end, canceled_at, updated_at
		 FROM subscriptions WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.CustomerID, &sub.Status, &sub.CurrentPeriodEnd, &sub.CanceledAt, &sub.UpdatedAt)
	if err != nil {
		return nil, wrapPgError(err, "get subscription")
	}
	return &sub, nil
}

// InsertCharge stores a charge once.
func (p *Postgres) InsertCharge(ctx context.Context, c *model.Charge) (bool, error) {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO charges (id, customer_id, email, amount_cents, currency, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.CustomerID, c.Email, c.AmountCents, c.Currency, c.Status, created.UTC(),
	)
	if err != nil {
		return false, wrapPgError(err, "insert charge")
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return wrapPgError(err, op)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// wrapPgError maps driver errors onto the package sentinels.
func wrapPgError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w (constraint: %s)", op, ErrDuplicate, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func scanPgVideo(row pgx.Row) (*model.Video, error) {
	var v model.Video
	err := row.Scan(&v.VideoID, &v.Title, &v.Link, &v.Description, &v.Thumbnail, &v.PublishedAt,
		&v.NotifiedAt, &v.DispatchingAt, &v.SuccessCount, &v.ErrorCount, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func scanPgSubscriber(row pgx.Row) (*model.Subscriber, error) {
	var sub model.Subscriber
	err := row.Scan(&sub.Email, &sub.Verified, &sub.VerificationToken, &sub.IsDonor, &sub.TotalDonations,
		&sub.TotalDonatedCents, &sub.LastDonation, &sub.LastDonationCents, &sub.LastDonationCurrency,
		&sub.HasActiveSubscription, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
