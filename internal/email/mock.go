package email

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs messages instead of sending them and keeps a copy of each.
type MockProvider struct {
	log *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// NewMockProvider creates a mock provider for local development.
func NewMockProvider(log *slog.Logger) *MockProvider {
	return &MockProvider{log: log}
}

// Send records msg.
func (m *MockProvider) Send(_ context.Context, msg Message) error {
	m.log.Info("mock email",
		"to", msg.To,
		"subject", msg.Subject,
		"body_length", len(msg.HTML))

	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of every recorded message.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
