package newsletter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Felixdiamond/growth-hub/internal/backoff"
	"github.com/Felixdiamond/growth-hub/internal/email"
	"github.com/Felixdiamond/growth-hub/internal/model"
	"github.com/Felixdiamond/growth-hub/internal/quota"
	"github.com/Felixdiamond/growth-hub/internal/storage"
)

type failingProvider struct {
	calls int
	err   error
}

func (p *failingProvider) Send(context.Context, email.Message) error {
	p.calls++
	return p.err
}

func newTestService(t *testing.T, provider email.Provider) (*Service, *storage.SQLite) {
	t.Helper()
	return newQuotaService(t, provider, nil)
}

func newQuotaService(t *testing.T, provider email.Provider, q quota.Quota) (*Service, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	composer := email.NewComposer("https://shaunpaw.org", "Growth Hub <a@example.com>", "Growth Hub <n@example.com>")
	retry := backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	svc := New(store, provider, composer, q, retry, nil, log)
	n := 0
	svc.newToken = func() string {
		n++
		return "token-" + string(rune('0'+n))
	}
	return svc, store
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "  Reader@Example.COM ", want: "reader@example.com"},
		{in: "a+b@example.co.uk", want: "a+b@example.co.uk"},
		{in: "", wantErr: true},
		{in: "not-an-email", wantErr: true},
		{in: "a@b", wantErr: true},
		{in: "two words@example.com", wantErr: true},
		{in: "Name <a@example.com>", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEmail) {
					t.Fatalf("err = %v, want ErrInvalidEmail", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSubscribeNewAddress(t *testing.T) {
	ctx := context.Background()
	mock := email.NewMockProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc, store := newTestService(t, mock)

	if err := svc.Subscribe(ctx, " Reader@Example.com"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub, err := store.GetSubscriberByEmail(ctx, "reader@example.com")
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if sub.Verified || sub.VerificationToken != "token-1" {
		t.Errorf("subscriber = %+v", sub)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(sent))
	}
	if sent[0].To != "reader@example.com" {
		t.Errorf("to = %q", sent[0].To)
	}
	if !strings.Contains(sent[0].HTML, "https://shaunpaw.org/api/newsletter/verify?token=token-1") {
		t.Errorf("verification link missing from body")
	}
}

func TestSubscribeExistingAddress(t *testing.T) {
	ctx := context.Background()
	mock := email.NewMockProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc, store := newTestService(t, mock)

	if err := svc.Subscribe(ctx, "reader@example.com"); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := svc.Subscribe(ctx, "reader@example.com"); err != nil {
		t.Fatalf("resubscribe unverified: %v", err)
	}
	sub, _ := store.GetSubscriberByEmail(ctx, "reader@example.com")
	if sub.VerificationToken != "token-2" {
		t.Errorf("token = %q, want token-2", sub.VerificationToken)
	}
	if n := len(mock.Sent()); n != 2 {
		t.Errorf("sent %d emails, want 2", n)
	}

	if err := store.VerifySubscriber(ctx, "reader@example.com"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := svc.Subscribe(ctx, "reader@example.com"); !errors.Is(err, ErrAlreadySubscribed) {
		t.Errorf("err = %v, want ErrAlreadySubscribed", err)
	}
	if n := len(mock.Sent()); n != 2 {
		t.Errorf("sent %d emails after verified resubscribe, want 2", n)
	}
}

func TestSubscribeErrors(t *testing.T) {
	t.Run("invalid address", func(t *testing.T) {
		svc, _ := newTestService(t, &failingProvider{})
		if err := svc.Subscribe(context.Background(), "nope"); !errors.Is(err, ErrInvalidEmail) {
			t.Errorf("err = %v, want ErrInvalidEmail", err)
		}
	})

	t.Run("send failure retried", func(t *testing.T) {
		p := &failingProvider{err: errors.New("provider down")}
		svc, _ := newTestService(t, p)
		err := svc.Subscribe(context.Background(), "reader@example.com")
		if err == nil {
			t.Fatal("expected error")
		}
		if p.calls != 3 {
			t.Errorf("send attempts = %d, want 3", p.calls)
		}
	})

	t.Run("permanent send failure", func(t *testing.T) {
		p := &failingProvider{err: &email.SendError{Provider: "resend", StatusCode: 422}}
		svc, _ := newTestService(t, p)
		if err := svc.Subscribe(context.Background(), "reader@example.com"); err == nil {
			t.Fatal("expected error")
		}
		if p.calls != 1 {
			t.Errorf("send attempts = %d, want 1", p.calls)
		}
	})
}

func TestSubscribeDrawsFromDailyQuota(t *testing.T) {
	ctx := context.Background()
	p := &failingProvider{}
	daily := quota.New(1)
	svc, store := newQuotaService(t, p, daily)

	if err := svc.Subscribe(ctx, "first@example.com"); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := svc.Subscribe(ctx, "second@example.com"); !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("second subscribe err = %v, want ErrQuotaExhausted", err)
	}
	if p.calls != 1 {
		t.Errorf("send calls = %d, want 1", p.calls)
	}
	if left, _ := daily.Remaining(ctx); left != 0 {
		t.Errorf("remaining = %d, want 0", left)
	}

	// The unverified subscriber is kept so a later attempt can resend.
	sub, err := store.GetSubscriberByEmail(ctx, "second@example.com")
	if err != nil {
		t.Fatalf("get subscriber: %v", err)
	}
	if sub.Verified {
		t.Error("subscriber verified without an email")
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, email.NewMockProvider(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := store.CreateSubscriber(ctx, &model.Subscriber{Email: "reader@example.com", VerificationToken: "tok"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		want    VerifyOutcome
		wantErr error
	}{
		{name: "missing token", token: " ", wantErr: ErrMissingToken},
		{name: "unknown token", token: "nope", wantErr: ErrInvalidToken},
		{name: "first verification", token: "tok", want: Verified},
		{name: "second verification", token: "tok", want: AlreadyVerified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Verify(ctx, tt.token)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Verify() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, &failingProvider{})
	if err := store.CreateSubscriber(ctx, &model.Subscriber{Email: "reader@example.com", Verified: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Unsubscribe(ctx, ""); !errors.Is(err, ErrMissingEmail) {
		t.Errorf("empty: err = %v, want ErrMissingEmail", err)
	}
	if err := svc.Unsubscribe(ctx, "READER@example.com"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, err := store.GetSubscriberByEmail(ctx, "reader@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("subscriber still present: %v", err)
	}
	if err := svc.Unsubscribe(ctx, "reader@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second unsubscribe: err = %v, want ErrNotFound", err)
	}
}
