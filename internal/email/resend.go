package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const resendEndpoint = "https://api.resend.com/emails"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ResendProvider sends emails through the Resend HTTP API.
type ResendProvider struct {
	apiKey   string
	endpoint string
	client   HTTPClient
	log      *slog.Logger
}

// NewResendProvider creates a Resend provider. A nil client uses a 30s-timeout default.
func NewResendProvider(apiKey string, client HTTPClient, log *slog.Logger) *ResendProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ResendProvider{
		apiKey:   apiKey,
		endpoint: resendEndpoint,
		client:   client,
		log:      log,
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
}

// Send posts msg to the Resend API.
func (p *ResendProvider) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(resendRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("resend request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &SendError{Provider: "resend", StatusCode: resp.StatusCode, Body: string(body)}
	}

	p.log.Debug("resend request completed",
		"to", msg.To,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
