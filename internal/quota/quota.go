// Package quota tracks how many emails may still be sent today.
package quota

import (
	"context"
	"math"
	"sync"
	"time"
)

// Unlimited is reported by Remaining when no daily limit is configured.
const Unlimited = math.MaxInt32

// Quota is a daily send allowance. Days are UTC calendar days.
type Quota interface {
	// Remaining returns how many sends are left today.
	Remaining(ctx context.Context) (int, error)
	// Reserve takes up to n sends from today's allowance and returns how many were granted.
	Reserve(ctx context.Context, n int) (int, error)
}

// New returns an in-memory quota. A limit of zero or less is unlimited.
func New(limit int) *Memory {
	return &Memory{limit: limit, now: time.Now}
}

// Memory is a process-local Quota.
type Memory struct {
	limit int
	now   func() time.Time

	mu   sync.Mutex
	day  string
	used int
}

var _ Quota = (*Memory)(nil)

// Remaining implements Quota.
func (m *Memory) Remaining(_ context.Context) (int, error) {
	if m.limit <= 0 {
		return Unlimited, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	return m.limit - m.used, nil
}

// Reserve implements Quota.
func (m *Memory) Reserve(_ context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if m.limit <= 0 {
		return n, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	granted := min(n, m.limit-m.used)
	m.used += granted
	return granted, nil
}

func (m *Memory) roll() {
	day := dayKey(m.now())
	if day != m.day {
		m.day = day
		m.used = 0
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
