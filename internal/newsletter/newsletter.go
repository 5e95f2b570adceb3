// Package newsletter implements double opt-in subscription management.
package newsletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Felixdiamond/growth-hub/internal/backoff"
	"github.com/Felixdiamond/growth-hub/internal/email"
	"github.com/Felixdiamond/growth-hub/internal/metrics"
	"github.com/Felixdiamond/growth-hub/internal/model"
	"github.com/Felixdiamond/growth-hub/internal/quota"
	"github.com/Felixdiamond/growth-hub/internal/storage"
)

var (
	ErrInvalidEmail      = errors.New("Invalid email address")
	ErrAlreadySubscribed = errors.New("Email already subscribed")
	ErrMissingToken      = errors.New("Verification token is required")
	ErrInvalidToken      = errors.New("Invalid verification token")
	ErrMissingEmail      = errors.New("Email is required")
	ErrQuotaExhausted    = errors.New("Daily email limit reached, please try again tomorrow")
)

var emailShape = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Store is the subset of storage the service needs.
type Store interface {
	CreateSubscriber(ctx context.Context, s *model.Subscriber) error
	GetSubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error)
	GetSubscriberByToken(ctx context.Context, token string) (*model.Subscriber, error)
	UpdateVerificationToken(ctx context.Context, email, token string) error
	VerifySubscriber(ctx context.Context, email string) error
	DeleteSubscriber(ctx context.Context, email string) error
}

// VerifyOutcome tells the caller how to respond to a verification request.
type VerifyOutcome int

const (
	// Verified means the subscriber was verified by this request.
	Verified VerifyOutcome = iota
	// AlreadyVerified means the token belonged to a verified subscriber.
	AlreadyVerified
)

// Service manages subscribers and sends verification emails.
type Service struct {
	store    Store
	provider email.Provider
	composer *email.Composer
	quota    quota.Quota
	retry    backoff.Policy
	metrics  *metrics.Metrics
	log      *slog.Logger
	newToken func() string
}

// New creates a Service. Verification emails draw from q; a nil q is unlimited.
func New(store Store, provider email.Provider, composer *email.Composer, q quota.Quota, retry backoff.Policy, m *metrics.Metrics, log *slog.Logger) *Service {
	if q == nil {
		q = quota.New(0)
	}
	return &Service{
		store:    store,
		provider: provider,
		composer: composer,
		quota:    q,
		retry:    retry,
		metrics:  m,
		log:      log,
		newToken: uuid.NewString,
	}
}

// Normalize trims and lowercases addr and checks that it looks like an email address.
func Normalize(addr string) (string, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" || !emailShape.MatchString(addr) {
		return "", ErrInvalidEmail
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return "", ErrInvalidEmail
	}
	return addr, nil
}

// Subscribe registers addr and sends it a verification email.
// An unverified subscriber gets a fresh token and a new email.
func (s *Service) Subscribe(ctx context.Context, addr string) error {
	addr, err := Normalize(addr)
	if err != nil {
		return err
	}

	token := s.newToken()
	existing, err := s.store.GetSubscriberByEmail(ctx, addr)
	switch {
	case err == nil && existing.Verified:
		return ErrAlreadySubscribed
	case err == nil:
		if err := s.store.UpdateVerificationToken(ctx, addr, token); err != nil {
			return fmt.Errorf("refresh token: %w", err)
		}
		s.log.Info("resending verification", "email", addr)
	case errors.Is(err, storage.ErrNotFound):
		sub := &model.Subscriber{Email: addr, VerificationToken: token}
		if err := s.store.CreateSubscriber(ctx, sub); err != nil {
			return fmt.Errorf("create subscriber: %w", err)
		}
		s.log.Info("subscriber created", "email", addr)
	default:
		return fmt.Errorf("lookup subscriber: %w", err)
	}

	return s.sendVerification(ctx, addr, token)
}

func (s *Service) sendVerification(ctx context.Context, addr, token string) error {
	msg, err := s.composer.Verification(addr, token)
	if err != nil {
		return fmt.Errorf("compose verification: %w", err)
	}

	granted, err := s.quota.Reserve(ctx, 1)
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}
	if granted == 0 {
		s.log.Warn("verification email not sent, daily quota exhausted", "email", addr)
		return ErrQuotaExhausted
	}

	start := time.Now()
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		return s.provider.Send(ctx, msg)
	})
	s.metrics.EmailSent(metrics.KindVerification, err == nil)
	if err != nil {
		s.log.Error("verification email failed", "email", addr, "error", err)
		return fmt.Errorf("send verification: %w", err)
	}
	s.log.Info("verification email sent", "email", addr, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Verify confirms the subscriber holding token.
func (s *Service) Verify(ctx context.Context, token string) (VerifyOutcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, ErrMissingToken
	}

	sub, err := s.store.GetSubscriberByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrInvalidToken
	}
	if err != nil {
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	if sub.Verified {
		return AlreadyVerified, nil
	}

	if err := s.store.VerifySubscriber(ctx, sub.Email); err != nil {
		return 0, fmt.Errorf("verify subscriber: %w", err)
	}
	s.log.Info("subscriber verified", "email", sub.Email)
	return Verified, nil
}

// Unsubscribe deletes the subscriber. It returns storage.ErrNotFound for unknown addresses.
func (s *Service) Unsubscribe(ctx context.Context, addr string) error {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return ErrMissingEmail
	}
	if err := s.store.DeleteSubscriber(ctx, addr); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete subscriber: %w", err)
	}
	s.log.Info("subscriber removed", "email", addr)
	return nil
}
