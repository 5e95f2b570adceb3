package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/Felixdiamond/growth-hub/internal/model"
	"github.com/Felixdiamond/growth-hub/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

var _ Storage = (*SQLite)(nil)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const videoColumns = `video_id, title, link, description, thumbnail, published_at,
	notified_at, dispatching_at, success_count, error_count, created_at`

// GetVideo returns a single video by its id.
func (s *SQLite) GetVideo(ctx context.Context, videoID string) (*model.Video, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE video_id = ?`, videoID,
	)
	return scanVideo(row)
}

// InsertVideo stores a newly observed video as pending.
func (s *SQLite) InsertVideo(ctx context.Context, v *model.Video) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO videos (video_id, title, link, description, thumbnail, published_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.VideoID, v.Title, v.Link, v.Description, v.Thumbnail, formatTime(v.PublishedAt), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("insert video: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	v.CreatedAt = parseTime(formatTime(now))
	return true, nil
}

// ListPendingVideos returns videos that have not been notified yet.
func (s *SQLite) ListPendingVideos(ctx context.Context) ([]model.Video, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE notified_at IS NULL ORDER BY published_at, video_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending videos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var videos []model.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

// ClaimVideo sets the dispatching lease on a pending video.
func (s *SQLite) ClaimVideo(ctx context.Context, videoID string, now time.Time, lease time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE videos SET dispatching_at = ?
		 WHERE video_id = ? AND notified_at IS NULL
		   AND (dispatching_at IS NULL OR dispatching_at <= ?)`,
		formatTime(now), videoID, formatTime(now.Add(-lease)),
	)
	if err != nil {
		return false, fmt.Errorf("claim video: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseVideo clears the dispatching lease.
func (s *SQLite) ReleaseVideo(ctx context.Context, videoID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE videos SET dispatching_at = NULL WHERE video_id = ? AND notified_at IS NULL`, videoID,
	)
	if err != nil {
		return fmt.Errorf("release video: %w", err)
	}
	return nil
}

// MarkVideoNotified stores the delivery counts and sets notified_at if still unset.
func (s *SQLite) MarkVideoNotified(ctx context.Context, videoID string, r model.DeliveryResult, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE videos SET notified_at = ?, dispatching_at = NULL, success_count = ?, error_count = ?
		 WHERE video_id = ? AND notified_at IS NULL`,
		formatTime(at), r.SuccessCount, r.ErrorCount, videoID,
	)
	if err != nil {
		return false, fmt.Errorf("mark video notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

const subscriberColumns = `email, verified, verification_token, is_donor, total_donations,
	total_donated_cents, last_donation, last_donation_cents, last_donation_currency,
	has_active_subscription, created_at, updated_at`

// CreateSubscriber inserts a new subscriber.
func (s *SQLite) CreateSubscriber(ctx context.Context, sub *model.Subscriber) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscribers (email, verified, verification_token, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sub.Email, boolToInt(sub.Verified), sub.VerificationToken, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("insert subscriber: %w", ErrDuplicate)
	}
	sub.CreatedAt = parseTime(formatTime(now))
	sub.UpdatedAt = sub.CreatedAt
	return nil
}

// GetSubscriberByEmail returns the subscriber with the given email.
func (s *SQLite) GetSubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE email = ?`, email,
	)
	return scanSubscriber(row)
}

// GetSubscriberByToken returns the subscriber holding a verification token.
func (s *SQLite) GetSubscriberByToken(ctx context.Context, token string) (*model.Subscriber, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE verification_token = ?`, token,
	)
	return scanSubscriber(row)
}

// UpdateVerificationToken replaces a subscriber's verification token.
func (s *SQLite) UpdateVerificationToken(ctx context.Context, email, token string) error {
	return s.execOne(ctx, "update verification token",
		`UPDATE subscribers SET verification_token = ?, updated_at = ? WHERE email = ?`,
		token, formatTime(time.Now()), email,
	)
}

// VerifySubscriber marks a subscriber as verified.
func (s *SQLite) VerifySubscriber(ctx context.Context, email string) error {
	return s.execOne(ctx, "verify subscriber",
		`UPDATE subscribers SET verified = 1, updated_at = ? WHERE email = ?`,
		formatTime(time.Now()), email,
	)
}

// DeleteSubscriber removes a subscriber.
func (s *SQLite) DeleteSubscriber(ctx context.Context, email string) error {
	return s.execOne(ctx, "delete subscriber", `DELETE FROM subscribers WHERE email = ?`, email)
}

// ListVerifiedSubscribers returns every verified subscriber in signup order.
func (s *SQLite) ListVerifiedSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE verified = 1 ORDER BY created_at, email`,
	)
	if err != nil {
		return nil, fmt.Errorf("query verified subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// RecordDonation flags a subscriber as a donor, adds the amount to their total
// and remembers it as their last donation.
func (s *SQLite) RecordDonation(ctx context.Context, email string, amountCents int64, currency string, at time.Time) error {
	return s.execOne(ctx, "record donation",
		`UPDATE subscribers
		 SET is_donor = 1,
		     total_donations = total_donations + 1,
		     total_donated_cents = total_donated_cents + ?,
		     last_donation = ?,
		     last_donation_cents = ?,
		     last_donation_currency = ?,
		     updated_at = ?
		 WHERE email = ?`,
		amountCents, formatTime(at), amountCents, currency, formatTime(time.Now()), email,
	)
}

// SetActiveSubscription updates a subscriber's recurring donation flag.
func (s *SQLite) SetActiveSubscription(ctx context.Context, email string, active bool) error {
	return s.execOne(ctx, "set active subscription",
		`UPDATE subscribers SET has_active_subscription = ?, updated_at = ? WHERE email = ?`,
		boolToInt(active), formatTime(time.Now()), email,
	)
}

// GetCheckpoint returns a named checkpoint.
func (s *SQLite) GetCheckpoint(ctx context.Context, key string) (*model.Checkpoint, error) {
	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM system WHERE key = ?`, key).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return &model.Checkpoint{Key: key, Timestamp: parseTime(ts)}, nil
}

// SetCheckpoint creates or moves a named checkpoint.
func (s *SQLite) SetCheckpoint(ctx context.Context, key string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system (key, timestamp) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET timestamp = excluded.timestamp`,
		key, formatTime(t),
	)
	if err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}

// AppendFailedNotification stores an audit record and populates its ID and CreatedAt.
func (s *SQLite) AppendFailedNotification(ctx context.Context, f *model.FailedNotification) error {
	failures, err := json.Marshal(f.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_notifications (video_id, failures, created_at) VALUES (?, ?, ?)`,
		f.VideoID, string(failures), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert failed notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	f.ID = id
	f.CreatedAt = parseTime(formatTime(now))
	return nil
}

// ListFailedNotifications returns audit records for a video in insertion order.
func (s *SQLite) ListFailedNotifications(ctx context.Context, videoID string) ([]model.FailedNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, video_id, failures, created_at FROM failed_notifications WHERE video_id = ? ORDER BY id`,
		videoID,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.FailedNotification
	for rows.Next() {
		var f model.FailedNotification
		var failures, created string
		if err := rows.Scan(&f.ID, &f.VideoID, &failures, &created); err != nil {
			return nil, fmt.Errorf("scan failed notification: %w", err)
		}
		if err := json.Unmarshal([]byte(failures), &f.Failures); err != nil {
			return nil, fmt.Errorf("unmarshal failures: %w", err)
		}
		f.CreatedAt = parseTime(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// AppendPipelineError stores an audit record and populates its ID and CreatedAt.
func (s *SQLite) AppendPipelineError(ctx context.Context, e *model.PipelineError) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_errors (run_id, stage, message, created_at) VALUES (?, ?, ?, ?)`,
		e.RunID, e.Stage, e.Message, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert pipeline error: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	e.ID = id
	e.CreatedAt = parseTime(formatTime(now))
	return nil
}

// ListPipelineErrors returns the most recent pipeline errors, newest first.
func (s *SQLite) ListPipelineErrors(ctx context.Context, limit int) ([]model.PipelineError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, message, created_at FROM pipeline_errors ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pipeline errors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.PipelineError
	for rows.Next() {
		var e model.PipelineError
		var created string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Message, &created); err != nil {
			return nil, fmt.Errorf("scan pipeline error: %w", err)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertDonation stores a completed checkout session once.
func (s *SQLite) InsertDonation(ctx context.Context, d *model.Donation) (bool, error) {
	meta, err := json.Marshal(nonNilMap(d.Metadata))
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO donations
		 (session_id, customer_id, email, amount_cents, currency, status, type, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.SessionID, d.CustomerID, d.Email, d.AmountCents, d.Currency, d.Status, d.Type, string(meta), formatTime(created),
	)
	if err != nil {
		return false, fmt.Errorf("insert donation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	d.ID = id
	d.CreatedAt = parseTime(formatTime(created))
	return true, nil
}

// GetDonationBySession returns the donation recorded for a checkout session.
func (s *SQLite) GetDonationBySession(ctx context.Context, sessionID string) (*model.Donation, error) {
	var d model.Donation
	var meta, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, customer_id, email, amount_cents, currency, status, type, metadata, created_at
		 FROM donations WHERE session_id = ?`, sessionID,
	).Scan(&d.ID, &d.SessionID, &d.CustomerID, &d.Email, &d.AmountCents, &d.Currency, &d.Status, &d.Type, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan donation: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	d.CreatedAt = parseTime(created)
	return &d, nil
}

// UpsertStripeSubscription creates or replaces a subscription's state.
func (s *SQLite) UpsertStripeSubscription(ctx context.Context, sub *model.StripeSubscription) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, customer_id, status, current_period_end, canceled_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   customer_id = excluded.customer_id,
		   status = excluded.status,
		   current_period_end = excluded.current_period_end,
		   canceled_at = excluded.canceled_at,
		   updated_at = excluded.updated_at`,
		sub.ID, sub.CustomerID, sub.Status, formatTime(sub.CurrentPeriodEnd), formatNullTime(sub.CanceledAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	sub.UpdatedAt = parseTime(formatTime(now))
	return nil
}

// GetStripeSubscription returns a subscription by its Stripe id.
func (s *SQLite) GetStripeSubscription(ctx context.Context, id string) (*model.StripeSubscription, error) {
	var sub model.StripeSubscription
	var periodEnd, updated string
	var canceled sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, customer_id, status, current_period_end, canceled_at, updated_at
		 FROM subscriptions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.CustomerID, &sub.Status, &periodEnd, &canceled, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.CurrentPeriodEnd = parseTime(periodEnd)
	sub.CanceledAt = parseNullTime(canceled)
	sub.UpdatedAt = parseTime(updated)
	return &sub, nil
}

// InsertCharge stores a charge once.
func (s *SQLite) InsertCharge(ctx context.Context, c *model.Charge) (bool, error) {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO charges (id, customer_id, email, amount_cents, currency, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CustomerID, c.Email, c.AmountCents, c.Currency, c.Status, formatTime(created),
	)
	if err != nil {
		return false, fmt.Errorf("insert charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// execOne runs a statement that must touch exactly one row.
func (s *SQLite) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

type scannable interface {
	Scan(dest ...any) error
}

func scanVideo(row scannable) (*model.Video, error) {
	var v model.Video
	var published, created string
	var notified, dispatching sql.NullString
	err := row.Scan(&v.VideoID, &v.Title, &v.Link, &v.Description, &v.Thumbnail, &published,
		&notified, &dispatching, &v.SuccessCount, &v.ErrorCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan video: %w", err)
	}
	v.PublishedAt = parseTime(published)
	v.NotifiedAt = parseNullTime(notified)
	v.DispatchingAt = parseNullTime(dispatching)
	v.CreatedAt = parseTime(created)
	return &v, nil
}

func scanSubscriber(row scannable) (*model.Subscriber, error) {
	var sub model.Subscriber
	var verified, donor, active int
	var lastDonation sql.NullString
	var created, updated string
	err := row.Scan(&sub.Email, &verified, &sub.VerificationToken, &donor, &sub.TotalDonations,
		&sub.TotalDonatedCents, &lastDonation, &sub.LastDonationCents, &sub.LastDonationCurrency,
		&active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}
	sub.Verified = verified == 1
	sub.IsDonor = donor == 1
	sub.HasActiveSubscription = active == 1
	sub.LastDonation = parseNullTime(lastDonation)
	sub.CreatedAt = parseTime(created)
	sub.UpdatedAt = parseTime(updated)
	return &sub, nil
}
