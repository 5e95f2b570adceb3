package email

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Felixdiamond/growth-hub/internal/backoff"
	"github.com/Felixdiamond/growth-hub/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testVideo() model.Video {
	return model.Video{
		VideoID:     "abc",
		Title:       "Growth Loops Explained",
		Link:        "https://www.youtube.com/watch?v=abc",
		Description: "Loops beat funnels.",
		Thumbnail:   model.ThumbnailURL("abc"),
	}
}

func TestComposerNotification(t *testing.T) {
	c := NewComposer("https://growth.example/", "Growth Hub <hub@example.com>", "News <news@example.com>")

	msg, err := c.Notification(testVideo(), "a+b@example.com")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	if diff := cmp.Diff("🎥 New Video: Growth Loops Explained", msg.Subject); diff != "" {
		t.Errorf("subject mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("Growth Hub <hub@example.com>", msg.From); diff != "" {
		t.Errorf("from mismatch (-want +got):\n%s", diff)
	}
	for _, want := range []string{
		"NEW VIDEO",
		`src="https://i.ytimg.com/vi/abc/maxresdefault.jpg"`,
		`href="https://www.youtube.com/watch?v=abc"`,
		"https://growth.example/api/newsletter/unsubscribe?email=a%2Bb%40example.com",
		"Loops beat funnels.",
		"Watch on YouTube",
	} {
		if !strings.Contains(msg.HTML, want) {
			t.Errorf("html missing %q", want)
		}
	}
	if strings.Contains(msg.HTML, "test notification") {
		t.Error("regular notification carries the test banner")
	}
	if !strings.Contains(msg.Text, "Watch on YouTube <https://www.youtube.com/watch?v=abc>") {
		t.Errorf("text body missing link, got:\n%s", msg.Text)
	}
}

func TestComposerEscapesTitle(t *testing.T) {
	c := NewComposer("https://growth.example", "from", "from")
	v := testVideo()
	v.Title = `<script>alert("x")</script>`

	msg, err := c.Notification(v, "reader@example.com")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if strings.Contains(msg.HTML, "<script>") {
		t.Error("title was not escaped")
	}
}

func TestComposerTest(t *testing.T) {
	c := NewComposer("https://growth.example", "from", "from")
	msg, err := c.Test(testVideo(), "qa@example.com")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if diff := cmp.Diff("[TEST] 🎥 New Video: Growth Loops Explained", msg.Subject); diff != "" {
		t.Errorf("subject mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(msg.HTML, "test notification") {
		t.Error("test banner missing")
	}
}

func TestComposerVerification(t *testing.T) {
	c := NewComposer("https://growth.example", "from", "Growth Hub <newsletter@example.com>")
	msg, err := c.Verification("new@example.com", "tok-123")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	want := Message{
		From:    "Growth Hub <newsletter@example.com>",
		To:      "new@example.com",
		Subject: "🚀 Verify your Growth Hub subscription",
	}
	got := Message{From: msg.From, To: msg.To, Subject: msg.Subject}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(msg.HTML, "https://growth.example/api/newsletter/verify?token=tok-123") {
		t.Error("verify link missing")
	}
}

func TestPlainText(t *testing.T) {
	got, err := PlainText(`<html><head><style>p{}</style></head><body>
		<h1>  Title  </h1><p>First   line</p><p><a href="https://x.test">Go</a></p><img src="i.png"></body></html>`)
	if err != nil {
		t.Fatalf("plain text: %v", err)
	}
	want := "Title\nFirst line\nGo <https://x.test>"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plain text mismatch (-want +got):\n%s", diff)
	}
}

func TestResendProviderSend(t *testing.T) {
	var got resendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	p := NewResendProvider("re_key", srv.Client(), discardLogger())
	p.endpoint = srv.URL

	msg := Message{From: "f@example.com", To: "t@example.com", Subject: "s", HTML: "<p>h</p>", Text: "h"}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	want := resendRequest{From: "f@example.com", To: []string{"t@example.com"}, Subject: "s", HTML: "<p>h</p>", Text: "h"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if auth != "Bearer re_key" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestResendProviderErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantPermanent bool
	}{
		{name: "validation error", status: http.StatusUnprocessableEntity, wantPermanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantPermanent: false},
		{name: "server error", status: http.StatusInternalServerError, wantPermanent: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			p := NewResendProvider("k", srv.Client(), discardLogger())
			p.endpoint = srv.URL
			err := p.Send(context.Background(), Message{To: "t@example.com"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), "nope") {
				t.Errorf("error %q does not carry response body", err)
			}
			if got := backoff.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.wantPermanent)
			}
		})
	}
}

func TestBuildMIMESanitizesHeaders(t *testing.T) {
	raw := string(buildMIME(Message{
		From:    "Hub <hub@example.com>",
		To:      "victim@example.com\r\nBcc: attacker@example.com",
		Subject: "hello",
		HTML:    "<p>x</p>",
	}))
	if strings.Contains(raw, "\r\nBcc:") {
		t.Errorf("header injection survived:\n%s", raw)
	}
	if !strings.Contains(raw, "To: victim@example.comBcc: attacker@example.com\r\n") {
		t.Errorf("unexpected To header:\n%s", raw)
	}
}

func TestMockProviderRecords(t *testing.T) {
	m := NewMockProvider(discardLogger())
	_ = m.Send(context.Background(), Message{To: "a@example.com"})
	_ = m.Send(context.Background(), Message{To: "b@example.com"})

	var to []string
	for _, msg := range m.Sent() {
		to = append(to, msg.To)
	}
	if diff := cmp.Diff([]string{"a@example.com", "b@example.com"}, to); diff != "" {
		t.Errorf("recorded mismatch (-want +got):\n%s", diff)
	}
}
