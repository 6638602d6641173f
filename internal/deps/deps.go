package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"reencoder/internal/config"
)

// Requirement names.
const (
	NameAbAv1     = "ab-av1"
	NameFFmpeg    = "ffmpeg"
	NameMediainfo = "mediainfo"
	NameFFprobe   = "ffprobe"
)

// Requirement defines an external dependency the pipeline relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// Requirements lists the binaries configured in tools. ab-av1 resolves
// ffmpeg from PATH, so ffmpeg is checked by name. ffprobe is optional
// when encode verification is disabled.
func Requirements(tools config.Tools, verifyOutput bool) []Requirement {
	return []Requirement{
		{Name: NameMediainfo, Command: tools.Mediainfo, Description: "Reads source metadata during analysis"},
		{Name: NameAbAv1, Command: tools.AbAv1, Description: "Runs quality search and encodes"},
		{Name: NameFFmpeg, Command: "ffmpeg", Description: "Used by ab-av1 for sampling and encoding"},
		{Name: NameFFprobe, Command: tools.FFprobe, Description: "Verifies encoded output", Optional: !verifyOutput},
	}
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Check runs CheckBinaries over the configured requirements.
func Check(cfg *config.Config) []Status {
	return CheckBinaries(Requirements(cfg.Tools, cfg.Encode.VerifyOutput))
}
