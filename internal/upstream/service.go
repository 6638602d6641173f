package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"reencoder/internal/config"
	"reencoder/internal/logging"
	"reencoder/internal/metrics"
	"reencoder/internal/services"
)

// Kind names a media service.
type Kind string

const (
	KindSonarr Kind = "sonarr"
	KindRadarr Kind = "radarr"
)

// HTTPDoer describes the HTTP client used by the services.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Command is the subset of a Sonarr/Radarr command resource we read.
type Command struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Result  string `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

// Done reports whether the command reached a final status.
func (c Command) Done() bool {
	switch strings.ToLower(c.Status) {
	case "completed", "failed", "aborted", "cancelled", "orphaned":
		return true
	}
	return false
}

// Succeeded reports whether the command completed without error.
func (c Command) Succeeded() bool {
	return strings.EqualFold(c.Status, "completed")
}

// Service is a Sonarr or Radarr API client.
type Service struct {
	kind         Kind
	baseURL      string
	apiKey       string
	http         HTTPDoer
	timeout      time.Duration
	pollAttempts int
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewService builds a service client from its config section. A nil http uses
// http.DefaultClient.
func NewService(kind Kind, cfg config.Upstream, httpClient HTTPDoer, logger *slog.Logger) *Service {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	attempts := cfg.PollAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &Service{
		kind:         kind,
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		apiKey:       strings.TrimSpace(cfg.APIKey),
		http:         httpClient,
		timeout:      time.Duration(cfg.RequestTimeout) * time.Second,
		pollAttempts: attempts,
		pollInterval: cfg.PollInterval(),
		logger:       logging.NewComponentLogger(logger, "upstream").With(logging.String("service", string(kind))),
	}
}

// Kind returns the service kind.
func (c *Service) Kind() Kind {
	return c.kind
}

func (c *Service) itemResource() string {
	if c.kind == KindSonarr {
		return "series"
	}
	return "movie"
}

func (c *Service) refreshBody(id int64) map[string]any {
	if c.kind == KindSonarr {
		return map[string]any{"name": "RefreshSeries", "seriesId": id}
	}
	return map[string]any{"name": "RefreshMovie", "movieIds": []int64{id}}
}

func (c *Service) renameBody(id int64) map[string]any {
	if c.kind == KindSonarr {
		return map[string]any{"name": "RenameSeries", "seriesIds": []int64{id}}
	}
	return map[string]any{"name": "RenameMovie", "movieIds": []int64{id}}
}

// Refresh asks the service to rescan one series or movie.
func (c *Service) Refresh(ctx context.Context, serviceID string) (Command, error) {
	id, err := parseID(serviceID)
	if err != nil {
		return Command{}, err
	}
	return c.postCommand(ctx, c.refreshBody(id))
}

// Rename asks the service to apply its naming scheme to a series or movie.
func (c *Service) Rename(ctx context.Context, serviceID string) (Command, error) {
	id, err := parseID(serviceID)
	if err != nil {
		return Command{}, err
	}
	return c.postCommand(ctx, c.renameBody(id))
}

// CommandStatus fetches a command by id.
func (c *Service) CommandStatus(ctx context.Context, id int64) (Command, error) {
	var cmd Command
	err := c.do(ctx, http.MethodGet, "/api/v3/command/"+strconv.FormatInt(id, 10), nil, &cmd)
	return cmd, err
}

// WaitForCommand polls a command until it finishes or the attempt budget
// runs out.
func (c *Service) WaitForCommand(ctx context.Context, id int64) (Command, error) {
	var last Command
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		cmd, err := c.CommandStatus(ctx, id)
		if err != nil {
			return cmd, err
		}
		last = cmd
		if cmd.Done() {
			if !cmd.Succeeded() {
				return cmd, fmt.Errorf("%s command %d %s: %s", c.kind, id, cmd.Status, cmd.Message)
			}
			return cmd, nil
		}
		if attempt == c.pollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return last, services.Wrap(services.ErrTimeout, string(c.kind), "wait command",
		fmt.Sprintf("command %d still %s after %d polls", id, last.Status, c.pollAttempts), nil)
}

type libraryItem struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

// FindByPath returns the id of the series or movie whose folder contains
// path.
func (c *Service) FindByPath(ctx context.Context, path string) (string, error) {
	var items []libraryItem
	if err := c.do(ctx, http.MethodGet, "/api/v3/"+c.itemResource(), nil, &items); err != nil {
		return "", err
	}
	clean := filepath.Clean(path)
	var best libraryItem
	for _, item := range items {
		root := filepath.Clean(item.Path)
		if item.Path == "" || !strings.HasPrefix(clean, root+string(filepath.Separator)) {
			continue
		}
		if len(root) > len(best.Path) {
			best = libraryItem{ID: item.ID, Path: root}
		}
	}
	if best.ID == 0 {
		return "", services.Wrap(services.ErrNotFound, string(c.kind), "find by path", "no "+c.itemResource()+" contains "+path, nil)
	}
	return strconv.FormatInt(best.ID, 10), nil
}

func (c *Service) postCommand(ctx context.Context, body map[string]any) (Command, error) {
	var cmd Command
	err := c.do(ctx, http.MethodPost, "/api/v3/command", body, &cmd)
	if err == nil {
		c.logger.Debug("command queued", logging.String("command", cmd.Name), logging.Int64("command_id", cmd.ID))
	}
	return cmd, err
}

func (c *Service) do(ctx context.Context, method, path string, body any, out any) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(string(c.kind), outcome).Inc()
	}()
	if c.baseURL == "" || c.apiKey == "" {
		return services.Wrap(services.ErrConfiguration, string(c.kind), "request", "url and api_key are required", nil)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", c.kind, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.kind, err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", c.kind, method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s %s returned %d: %s", c.kind, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.kind, err)
	}
	return nil
}

func parseID(serviceID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(serviceID), 10, 64)
	if err != nil || id <= 0 {
		return 0, services.Wrap(services.ErrValidation, "upstream", "parse id", fmt.Sprintf("invalid service id %q", serviceID), nil)
	}
	return id, nil
}
