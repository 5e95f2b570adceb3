package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage { return newTestDB(t) })
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "growth-hub.db")

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v := newVideo("persist", parseTime("2024-05-01T12:00:00Z"))
	if _, err := s.InsertVideo(ctx, &v); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	inserted, err := s.InsertVideo(ctx, &v)
	if err != nil {
		t.Fatalf("insert after reopen: %v", err)
	}
	if inserted {
		t.Error("video should already exist after reopening")
	}
}
