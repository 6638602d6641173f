package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"reencoder/internal/dispatch"
	"reencoder/internal/store"
)

func TestFromVideoFormatsTimestamps(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	v := FromVideo(&store.Video{
		ID:        7,
		Path:      "/tv/Show/Show S01E01.mkv",
		State:     store.StateCRFSearched,
		Metadata:  store.Metadata{Bitrate: 5_000_000, Resolution: "1080p", Season: 1},
		CreatedAt: created,
	})
	if v.State != "crf_searched" || v.Bitrate != 5_000_000 || v.Resolution != "1080p" {
		t.Fatalf("unexpected conversion %+v", v)
	}
	if v.CreatedAt != "2026-03-01T11:00:00.000Z" {
		t.Fatalf("unexpected createdAt %q", v.CreatedAt)
	}
	if v.UpdatedAt != "" {
		t.Fatalf("expected empty updatedAt for zero time, got %q", v.UpdatedAt)
	}
}

func TestFromCountsIncludesEveryState(t *testing.T) {
	counts := FromCounts(map[store.State]int{store.StateEncoded: 3})
	if len(counts) != len(store.AllStates()) {
		t.Fatalf("expected %d states, got %d", len(store.AllStates()), len(counts))
	}
	if counts["encoded"] != 3 || counts["failed"] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestFromStageStatusesKeepsOrder(t *testing.T) {
	out := FromStageStatuses([]dispatch.Status{{Name: "analysis", Demand: 4}, {Name: "encode", Paused: true}})
	if len(out) != 2 || out[0].Name != "analysis" || out[0].Demand != 4 || !out[1].Paused {
		t.Fatalf("unexpected statuses %+v", out)
	}
}

func TestClientSendsTokenAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(VideoListResponse{Videos: []Video{{ID: 1, State: "failed"}}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret", srv.Client())
	videos, err := client.Videos(context.Background(), []string{"failed"}, 10)
	if err != nil {
		t.Fatalf("Videos: %v", err)
	}
	if len(videos) != 1 || videos[0].ID != 1 {
		t.Fatalf("unexpected videos %+v", videos)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotPath != "/api/videos" || gotQuery != "limit=10&state=failed" {
		t.Fatalf("unexpected request %s?%s", gotPath, gotQuery)
	}
}

func TestClientReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/videos/9/requeue" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "video 9 not found"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", srv.Client()).Requeue(context.Background(), 9)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "video 9 not found" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestNewClientAddsScheme(t *testing.T) {
	c := NewClient("127.0.0.1:7488/", "", nil)
	if c.base != "http://127.0.0.1:7488" {
		t.Fatalf("unexpected base %q", c.base)
	}
}
