package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"reencoder/internal/bus"
	"reencoder/internal/config"
	"reencoder/internal/notifications"
	"reencoder/internal/store"
)

type captured struct {
	mu       sync.Mutex
	title    string
	tags     string
	priority string
	body     string
	calls    int
}

func captureServer(t *testing.T, c *captured) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		c.mu.Lock()
		c.title = r.Header.Get("Title")
		c.tags = r.Header.Get("Tags")
		c.priority = r.Header.Get("Priority")
		c.body = string(body)
		c.calls++
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return server
}

func ntfyConfig(url string) config.Notifications {
	cfg := config.Default().Notifications
	cfg.NtfyTopic = url
	cfg.RequestTimeout = 5
	return cfg
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	svc := notifications.NewService(config.Default().Notifications)
	if err := svc.NotifyEncoded(context.Background(), notifications.EncodedNotice{Path: "/tv/x.mkv"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNotifyEncodedFormatsPayload(t *testing.T) {
	var got captured
	server := captureServer(t, &got)

	svc := notifications.NewService(ntfyConfig(server.URL))
	err := svc.NotifyEncoded(context.Background(), notifications.EncodedNotice{
		VideoID:    3,
		Path:       "/tv/Show/Season 01/Show S01E01.mkv",
		CRF:        23.1,
		SourceSize: 4_000_000_000,
		OutputSize: 1_000_000_000,
		Duration:   90 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NotifyEncoded: %v", err)
	}
	if got.title != "reencoder - Encoded" {
		t.Fatalf("unexpected title %q", got.title)
	}
	want := "🎞️ Encoded: Show S01E01.mkv (crf 23.1)\n4.0 GB → 1.0 GB (75% saved)\nTook 1h30m0s"
	if got.body != want {
		t.Fatalf("expected message %q, got %q", want, got.body)
	}
	if got.tags != "reencoder,encode,completed" || got.priority != "" {
		t.Fatalf("unexpected tags/priority %q %q", got.tags, got.priority)
	}
}

func TestNotifyFailureFormatsPayload(t *testing.T) {
	var got captured
	server := captureServer(t, &got)

	svc := notifications.NewService(ntfyConfig(server.URL))
	err := svc.NotifyFailure(context.Background(), notifications.FailureNotice{
		VideoID:  4,
		Path:     "/movies/Film (2020)/Film.mkv",
		Stage:    "encode",
		Category: "transfer",
		Message:  "move output: permission denied",
	})
	if err != nil {
		t.Fatalf("NotifyFailure: %v", err)
	}
	if got.body != "❌ Failed during encode: Film.mkv\nmove output: permission denied" {
		t.Fatalf("unexpected message %q", got.body)
	}
	if got.tags != "reencoder,error,transfer" || got.priority != "high" {
		t.Fatalf("unexpected tags/priority %q %q", got.tags, got.priority)
	}
}

func TestDisabledKindsAreSuppressed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected call for suppressed notification: %s", r.URL.String())
	}))
	defer server.Close()

	cfg := ntfyConfig(server.URL)
	cfg.Encoded = false
	cfg.Failures = false
	svc := notifications.NewService(cfg)
	if err := svc.NotifyEncoded(context.Background(), notifications.EncodedNotice{Path: "/x.mkv"}); err != nil {
		t.Fatalf("NotifyEncoded: %v", err)
	}
	if err := svc.NotifyFailure(context.Background(), notifications.FailureNotice{VideoID: 1}); err != nil {
		t.Fatalf("NotifyFailure: %v", err)
	}
}

func TestNtfyErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic closed", http.StatusForbidden)
	}))
	defer server.Close()

	svc := notifications.NewService(ntfyConfig(server.URL))
	if err := svc.TestNotification(context.Background()); err == nil {
		t.Fatal("expected error for 403 response")
	}
}

type lookup map[int64]*store.Video

func (l lookup) GetVideo(_ context.Context, id int64) (*store.Video, error) {
	return l[id], nil
}

func TestRelayForwardsTerminalFailures(t *testing.T) {
	var got captured
	server := captureServer(t, &got)
	svc := notifications.NewService(ntfyConfig(server.URL))

	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- notifications.Relay(ctx, b, svc, lookup{9: {ID: 9, Path: "/tv/Show/ep.mkv"}}, nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Emit(ctx, b, bus.TopicFailure, bus.FailureEvent{VideoID: 9, Stage: "crf_search", Category: "tool_exit", Message: "retry", Terminal: false}, nil)
		bus.Emit(ctx, b, bus.TopicFailure, bus.FailureEvent{VideoID: 9, Stage: "crf_search", Category: "tool_exit", Message: "exit status 1", Terminal: true}, nil)
		got.mu.Lock()
		calls := got.calls
		got.mu.Unlock()
		if calls > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Relay: %v", err)
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	if got.calls == 0 {
		t.Fatal("expected a failure notification")
	}
	if got.body != "❌ Failed during crf_search: ep.mkv\nexit status 1" {
		t.Fatalf("unexpected message %q", got.body)
	}
}
