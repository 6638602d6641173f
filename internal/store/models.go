package store

import (
	"strconv"
	"strings"
	"time"
)

// State is the lifecycle position of a video.
type State string

const (
	StateNeedsAnalysis State = "needs_analysis"
	StateAnalyzed      State = "analyzed"
	StateCRFSearching  State = "crf_searching"
	StateCRFSearched   State = "crf_searched"
	StateEncoding      State = "encoding"
	StateEncoded       State = "encoded"
	StateFailed        State = "failed"
)

var allStates = []State{
	StateNeedsAnalysis,
	StateAnalyzed,
	StateCRFSearching,
	StateCRFSearched,
	StateEncoding,
	StateEncoded,
	StateFailed,
}

// AllStates returns every state in lifecycle order.
func AllStates() []State {
	return append([]State(nil), allStates...)
}

// ParseState converts a string into a State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStates {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// Terminal reports whether the state only changes through an explicit requeue.
func (s State) Terminal() bool {
	return s == StateEncoded || s == StateFailed
}

// Stage names one dispatch instance of the pipeline.
type Stage string

const (
	StageAnalysis  Stage = "analysis"
	StageCRFSearch Stage = "crf_search"
	StageEncode    Stage = "encode"
)

// Stages lists the pipeline stages in order.
func Stages() []Stage {
	return []Stage{StageAnalysis, StageCRFSearch, StageEncode}
}

// ParseStage converts a string into a Stage.
func ParseStage(value string) (Stage, bool) {
	switch Stage(strings.ToLower(strings.TrimSpace(value))) {
	case StageAnalysis:
		return StageAnalysis, true
	case StageCRFSearch:
		return StageCRFSearch, true
	case StageEncode:
		return StageEncode, true
	}
	return "", false
}

// Metadata captures what analysis learned about a video file.
type Metadata struct {
	Size             int64
	Bitrate          int64
	Width            int
	Height           int
	Duration         float64
	FrameRate        float64
	VideoCodecs      []string
	AudioCodecs      []string
	VideoCount       int
	AudioCount       int
	MaxAudioChannels int
	Atmos            bool
	HDR              string
	Resolution       string
	Title            string
	SeriesKey        string
	Season           int
}

// Video is one file tracked by the pipeline.
type Video struct {
	ID   int64
	Path string
	Metadata
	Service           string
	ServiceID         string
	State             State
	ChosenCandidateID int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasChosen reports whether a chosen candidate is recorded.
func (v *Video) HasChosen() bool {
	return v != nil && v.ChosenCandidateID > 0
}

// Key identifies the video for in-flight deduplication.
func (v Video) Key() string {
	return strconv.FormatInt(v.ID, 10)
}

// SeasonGroup identifies videos whose chosen CRFs inform each other.
type SeasonGroup struct {
	SeriesKey  string
	Season     int
	Resolution string
	HDR        string
}

// SeasonGroup returns the group the video belongs to, or false for movies.
func (v *Video) SeasonGroup() (SeasonGroup, bool) {
	if v == nil || v.SeriesKey == "" || v.Season <= 0 {
		return SeasonGroup{}, false
	}
	return SeasonGroup{SeriesKey: v.SeriesKey, Season: v.Season, Resolution: v.Resolution, HDR: v.HDR}, true
}

// Candidate is one probed CRF value for a video.
type Candidate struct {
	ID            int64
	VideoID       int64
	CRF           float64
	Score         float64
	PredictedSize int64
	Percent       float64
	TimeEstimate  string
	Args          []string
	Preset        string
	Target        float64
	Chosen        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Failure is an append-only record of one failed attempt.
type Failure struct {
	ID        int64
	VideoID   int64
	Stage     Stage
	Category  string
	Code      string
	Message   string
	Context   map[string]any
	Signature string
	Resolved  bool
	CreatedAt time.Time
}

// ListFilter narrows ListVideos.
type ListFilter struct {
	States []State
	Limit  int
}
