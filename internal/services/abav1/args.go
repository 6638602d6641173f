package abav1

import "strconv"

// SearchRequest describes one crf-search attempt.
type SearchRequest struct {
	Input   string
	MinVMAF float64
	MinCRF  float64
	MaxCRF  float64
	Preset  string
	Extra   []string
}

// Args renders the crf-search command line.
func (r SearchRequest) Args() []string {
	args := []string{
		"crf-search",
		"-i", r.Input,
		"--min-vmaf", formatFloat(r.MinVMAF),
		"--min-crf", formatFloat(r.MinCRF),
		"--max-crf", formatFloat(r.MaxCRF),
	}
	if r.Preset != "" {
		args = append(args, "--preset", r.Preset)
	}
	return append(args, r.Extra...)
}

// EncodeRequest describes a full encode at a chosen CRF.
type EncodeRequest struct {
	Input  string
	Output string
	CRF    float64
	Preset string
	Extra  []string
}

// Args renders the encode command line.
func (r EncodeRequest) Args() []string {
	args := []string{
		"encode",
		"-i", r.Input,
		"--crf", formatFloat(r.CRF),
		"-o", r.Output,
	}
	if r.Preset != "" {
		args = append(args, "--preset", r.Preset)
	}
	return append(args, r.Extra...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
