package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Video describes a tracked file in a transport-friendly format.
type Video struct {
	ID                int64    `json:"id"`
	Path              string   `json:"path"`
	State             string   `json:"state"`
	Size              int64    `json:"size"`
	Bitrate           int64    `json:"bitrate"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	Duration          float64  `json:"duration"`
	FrameRate         float64  `json:"frameRate"`
	VideoCodecs       []string `json:"videoCodecs,omitempty"`
	AudioCodecs       []string `json:"audioCodecs,omitempty"`
	MaxAudioChannels  int      `json:"maxAudioChannels"`
	Atmos             bool     `json:"atmos"`
	HDR               string   `json:"hdr,omitempty"`
	Resolution        string   `json:"resolution,omitempty"`
	Title             string   `json:"title,omitempty"`
	SeriesKey         string   `json:"seriesKey,omitempty"`
	Season            int      `json:"season,omitempty"`
	Service           string   `json:"service,omitempty"`
	ServiceID         string   `json:"serviceId,omitempty"`
	ChosenCandidateID int64    `json:"chosenCandidateId,omitempty"`
	CreatedAt         string   `json:"createdAt,omitempty"`
	UpdatedAt         string   `json:"updatedAt,omitempty"`
}

// Candidate is one probed CRF value.
type Candidate struct {
	ID            int64   `json:"id"`
	CRF           float64 `json:"crf"`
	Score         float64 `json:"score"`
	PredictedSize int64   `json:"predictedSize"`
	Percent       float64 `json:"percent"`
	TimeEstimate  string  `json:"timeEstimate,omitempty"`
	Preset        string  `json:"preset,omitempty"`
	Target        float64 `json:"target"`
	Chosen        bool    `json:"chosen"`
}

// Failure is one recorded failed attempt.
type Failure struct {
	ID        int64          `json:"id"`
	Stage     string         `json:"stage"`
	Category  string         `json:"category"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Resolved  bool           `json:"resolved"`
	CreatedAt string         `json:"createdAt,omitempty"`
}

// StageStatus mirrors a stage producer snapshot.
type StageStatus struct {
	Name     string `json:"name"`
	Paused   bool   `json:"paused"`
	Demand   int    `json:"demand"`
	InFlight int    `json:"inFlight"`
	Manual   int    `json:"manual"`
	Workers  int    `json:"workers"`
	Active   int    `json:"active"`
}

// StageHealth mirrors readiness reporting for pipeline stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	DatabasePath string             `json:"databasePath"`
	LockFilePath string             `json:"lockFilePath"`
	Stages       []StageStatus      `json:"stages"`
	Counts       map[string]int     `json:"counts"`
	StageHealth  []StageHealth      `json:"stageHealth"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// VideoListResponse wraps a collection of videos.
type VideoListResponse struct {
	Videos []Video `json:"videos"`
}

// VideoResponse wraps one video with its candidates and latest failure.
type VideoResponse struct {
	Video         Video       `json:"video"`
	Candidates    []Candidate `json:"candidates"`
	LatestFailure *Failure    `json:"latestFailure,omitempty"`
}

// FailureListResponse wraps a video's failure history.
type FailureListResponse struct {
	Failures []Failure `json:"failures"`
}

// ActionResponse reports the outcome of a mutating request.
type ActionResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// ScanResponse reports a manual library scan.
type ScanResponse struct {
	Found int `json:"found"`
	Added int `json:"added"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
