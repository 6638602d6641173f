package stage

import (
	"strings"

	"reencoder/internal/deps"
	"reencoder/internal/store"
)

// Health summarizes the readiness of a pipeline stage.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

var requires = map[store.Stage][]string{
	store.StageAnalysis:  {deps.NameMediainfo},
	store.StageCRFSearch: {deps.NameAbAv1, deps.NameFFmpeg},
	store.StageEncode:    {deps.NameAbAv1, deps.NameFFmpeg, deps.NameFFprobe},
}

// Check derives a stage's readiness from dependency statuses. Optional
// dependencies never make a stage unhealthy.
func Check(s store.Stage, statuses []deps.Status) Health {
	byName := make(map[string]deps.Status, len(statuses))
	for _, status := range statuses {
		byName[status.Name] = status
	}
	var missing []string
	for _, name := range requires[s] {
		status, ok := byName[name]
		if !ok || status.Optional {
			continue
		}
		if !status.Available {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Unhealthy(string(s), "missing "+strings.Join(missing, ", "))
	}
	return Healthy(string(s))
}

// CheckAll reports every stage in pipeline order.
func CheckAll(statuses []deps.Status) []Health {
	out := make([]Health, 0, len(store.Stages()))
	for _, s := range store.Stages() {
		out = append(out, Check(s, statuses))
	}
	return out
}
