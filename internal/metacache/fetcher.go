package metacache

import (
	"context"

	"reencoder/internal/media/mediainfo"
)

// Fetcher runs the metadata tool.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (mediainfo.Info, error)
	FetchMany(ctx context.Context, paths []string) ([]mediainfo.Info, error)
}

// ToolFetcher invokes the mediainfo binary.
type ToolFetcher struct {
	Binary string
}

// Fetch inspects one file.
func (f ToolFetcher) Fetch(ctx context.Context, path string) (mediainfo.Info, error) {
	return mediainfo.Inspect(ctx, f.Binary, path)
}

// FetchMany inspects several files in one invocation.
func (f ToolFetcher) FetchMany(ctx context.Context, paths []string) ([]mediainfo.Info, error) {
	return mediainfo.InspectMany(ctx, f.Binary, paths)
}
