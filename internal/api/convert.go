package api

import (
	"time"

	"reencoder/internal/deps"
	"reencoder/internal/dispatch"
	"reencoder/internal/stage"
	"reencoder/internal/store"
)

// FromVideo converts a store video.
func FromVideo(v *store.Video) Video {
	if v == nil {
		return Video{}
	}
	return Video{
		ID:                v.ID,
		Path:              v.Path,
		State:             string(v.State),
		Size:              v.Size,
		Bitrate:           v.Bitrate,
		Width:             v.Width,
		Height:            v.Height,
		Duration:          v.Duration,
		FrameRate:         v.FrameRate,
		VideoCodecs:       v.VideoCodecs,
		AudioCodecs:       v.AudioCodecs,
		MaxAudioChannels:  v.MaxAudioChannels,
		Atmos:             v.Atmos,
		HDR:               v.HDR,
		Resolution:        v.Resolution,
		Title:             v.Title,
		SeriesKey:         v.SeriesKey,
		Season:            v.Season,
		Service:           v.Service,
		ServiceID:         v.ServiceID,
		ChosenCandidateID: v.ChosenCandidateID,
		CreatedAt:         formatTime(v.CreatedAt),
		UpdatedAt:         formatTime(v.UpdatedAt),
	}
}

// FromVideos converts a slice of store videos, skipping nils.
func FromVideos(videos []*store.Video) []Video {
	out := make([]Video, 0, len(videos))
	for _, v := range videos {
		if v != nil {
			out = append(out, FromVideo(v))
		}
	}
	return out
}

// FromCandidate converts a store candidate.
func FromCandidate(c *store.Candidate) Candidate {
	return Candidate{
		ID:            c.ID,
		CRF:           c.CRF,
		Score:         c.Score,
		PredictedSize: c.PredictedSize,
		Percent:       c.Percent,
		TimeEstimate:  c.TimeEstimate,
		Preset:        c.Preset,
		Target:        c.Target,
		Chosen:        c.Chosen,
	}
}

// FromFailure converts a store failure record.
func FromFailure(f *store.Failure) Failure {
	return Failure{
		ID:        f.ID,
		Stage:     string(f.Stage),
		Category:  f.Category,
		Code:      f.Code,
		Message:   f.Message,
		Context:   f.Context,
		Resolved:  f.Resolved,
		CreatedAt: formatTime(f.CreatedAt),
	}
}

// FromStageStatuses converts producer snapshots.
func FromStageStatuses(statuses []dispatch.Status) []StageStatus {
	out := make([]StageStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, StageStatus(s))
	}
	return out
}

// FromHealth converts stage readiness records.
func FromHealth(health []stage.Health) []StageHealth {
	out := make([]StageHealth, 0, len(health))
	for _, h := range health {
		out = append(out, StageHealth(h))
	}
	return out
}

// FromDependencies converts binary availability checks.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, DependencyStatus(s))
	}
	return out
}

// FromCounts keys state counts by their string name. Every state is present.
func FromCounts(counts map[store.State]int) map[string]int {
	out := make(map[string]int, len(store.AllStates()))
	for _, s := range store.AllStates() {
		out[string(s)] = counts[s]
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
