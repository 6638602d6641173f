package bus

// StageStatus reports a producer's demand state.
type StageStatus struct {
	Stage    string `json:"stage"`
	Paused   bool   `json:"paused"`
	Demand   int    `json:"demand"`
	InFlight int    `json:"in_flight"`
	Manual   int    `json:"manual"`
}

// Progress reports work within a single video.
type Progress struct {
	VideoID int64   `json:"video_id"`
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
	ETA     string  `json:"eta,omitempty"`
}

// CandidateEvent reports a probed or chosen CRF.
type CandidateEvent struct {
	VideoID       int64   `json:"video_id"`
	CRF           float64 `json:"crf"`
	Score         float64 `json:"score"`
	PredictedSize int64   `json:"predicted_size"`
	Chosen        bool    `json:"chosen"`
}

// FailureEvent reports a written failure record.
type FailureEvent struct {
	VideoID  int64  `json:"video_id"`
	Stage    string `json:"stage"`
	Category string `json:"category"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal"`
}

// VideoStateEvent reports an applied state transition.
type VideoStateEvent struct {
	VideoID int64  `json:"video_id"`
	Path    string `json:"path"`
	From    string `json:"from"`
	To      string `json:"to"`
}
