package testsupport

import (
	"context"
	"testing"

	"reencoder/internal/config"
	"reencoder/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewVideo inserts a video at path and fails the test on error.
func NewVideo(t testing.TB, st *store.Store, path string) *store.Video {
	t.Helper()

	video, _, err := st.InsertVideo(context.Background(), path)
	if err != nil {
		t.Fatalf("store.InsertVideo: %v", err)
	}
	return video
}

// AnalyzedVideo inserts a video and completes analysis with meta.
func AnalyzedVideo(t testing.TB, st *store.Store, path string, meta store.Metadata) *store.Video {
	t.Helper()

	video := NewVideo(t, st, path)
	ok, err := st.CompleteAnalysis(context.Background(), video.ID, meta)
	if err != nil || !ok {
		t.Fatalf("store.CompleteAnalysis: ok=%v err=%v", ok, err)
	}
	out, err := st.GetVideo(context.Background(), video.ID)
	if err != nil || out == nil {
		t.Fatalf("store.GetVideo: %v", err)
	}
	return out
}
