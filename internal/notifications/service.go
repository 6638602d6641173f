package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"reencoder/internal/config"
)

const userAgent = "reencoder/0.1.0"

// EncodedNotice describes a finished encode.
type EncodedNotice struct {
	VideoID    int64
	Path       string
	CRF        float64
	SourceSize int64
	OutputSize int64
	Duration   time.Duration
}

// FailureNotice describes a video that failed.
type FailureNotice struct {
	VideoID  int64
	Path     string
	Stage    string
	Category string
	Message  string
}

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyEncoded(ctx context.Context, notice EncodedNotice) error
	NotifyFailure(ctx context.Context, notice FailureNotice) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg config.Notifications) Service {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		encoded:  cfg.Encoded,
		failures: cfg.Failures,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	encoded  bool
	failures bool
}

func (n *ntfyService) NotifyEncoded(ctx context.Context, notice EncodedNotice) error {
	if !n.encoded {
		return nil
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "🎞️ Encoded: %s", filepath.Base(notice.Path))
	if notice.CRF > 0 {
		fmt.Fprintf(&builder, " (crf %g)", notice.CRF)
	}
	if notice.SourceSize > 0 && notice.OutputSize > 0 {
		saved := 100 * (1 - float64(notice.OutputSize)/float64(notice.SourceSize))
		fmt.Fprintf(&builder, "\n%s → %s (%.0f%% saved)", formatBytes(notice.SourceSize), formatBytes(notice.OutputSize), saved)
	}
	if notice.Duration > 0 {
		fmt.Fprintf(&builder, "\nTook %s", notice.Duration.Round(time.Second))
	}
	return n.send(ctx, payload{
		title:   "reencoder - Encoded",
		message: builder.String(),
		tags:    []string{"reencoder", "encode", "completed"},
	})
}

func (n *ntfyService) NotifyFailure(ctx context.Context, notice FailureNotice) error {
	if !n.failures {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("❌ Failed")
	if stage := strings.TrimSpace(notice.Stage); stage != "" {
		builder.WriteString(" during ")
		builder.WriteString(stage)
	}
	builder.WriteString(": ")
	if notice.Path != "" {
		builder.WriteString(filepath.Base(notice.Path))
	} else {
		fmt.Fprintf(&builder, "video %d", notice.VideoID)
	}
	if msg := strings.TrimSpace(notice.Message); msg != "" {
		builder.WriteString("\n")
		builder.WriteString(msg)
	}
	tags := []string{"reencoder", "error"}
	if notice.Category != "" {
		tags = append(tags, notice.Category)
	}
	return n.send(ctx, payload{
		title:    "reencoder - Failure",
		message:  builder.String(),
		tags:     tags,
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "reencoder - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"reencoder", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func formatBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}

type noopService struct{}

func (noopService) NotifyEncoded(context.Context, EncodedNotice) error { return nil }
func (noopService) NotifyFailure(context.Context, FailureNotice) error { return nil }
func (noopService) TestNotification(context.Context) error            { return nil }
