package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailProvider sends emails via the Gmail API as the authenticated account.
type GmailProvider struct {
	service *gmail.Service
	log     *slog.Logger
}

// NewGmailProvider wraps an existing Gmail service.
func NewGmailProvider(service *gmail.Service, log *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, log: log}
}

// NewGmailProviderFromJSON builds the Gmail service from service-account or OAuth credentials JSON.
func NewGmailProviderFromJSON(ctx context.Context, credentialsJSON []byte, log *slog.Logger) (*GmailProvider, error) {
	svc, err := gmail.NewService(ctx,
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(gmail.GmailSendScope),
	)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return NewGmailProvider(svc, log), nil
}

// Send delivers msg with users.messages.send.
func (g *GmailProvider) Send(ctx context.Context, msg Message) error {
	start := time.Now()
	_, err := g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(buildMIME(msg)),
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	g.log.Debug("gmail request completed",
		"to", msg.To,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func buildMIME(msg Message) []byte {
	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	if msg.From != "" {
		fmt.Fprintf(&b, "From: %s\r\n", sanitizeHeader(msg.From))
	}
	fmt.Fprintf(&b, "To: %s\r\n", sanitizeHeader(msg.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)))
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(msg.HTML)
	return []byte(b.String())
}
