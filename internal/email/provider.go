// Package email renders and delivers the service's emails through pluggable providers.
package email

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Message is a single outgoing email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Provider delivers one message per call. Implementations make a single attempt;
// retries are the caller's concern.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// SendError is returned when a provider answers with a non-2xx status.
type SendError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *SendError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, body)
}

// Permanent reports whether the provider rejected the message outright.
func (e *SendError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// sanitizeHeader removes CR, LF and other control characters so a value
// cannot inject extra headers into a raw MIME message.
func sanitizeHeader(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
