package abav1

import (
	"regexp"
	"strconv"
	"strings"
)

// EventKind classifies a crf-search output line.
type EventKind int

const (
	EventNone EventKind = iota
	EventSample
	EventCandidate
	EventSuccess
	EventWarning
)

// SearchEvent is the parsed form of one crf-search line.
type SearchEvent struct {
	Kind          EventKind
	CRF           float64
	VMAF          float64
	PredictedSize int64
	Percent       float64
	TimeEstimate  string
	Sample        int
	Samples       int
	Line          string
}

var (
	successPattern   = regexp.MustCompile(`(?i)\bcrf\s+(\d+(?:\.\d+)?)\s+successful`)
	candidatePattern = regexp.MustCompile(`(?i)\bcrf\s+(\d+(?:\.\d+)?)\s+VMAF\s+(\d+(?:\.\d+)?)(.*)$`)
	samplePattern    = regexp.MustCompile(`(?i)\bsample\s+(\d+)\s*/\s*(\d+)`)
	sizePattern      = regexp.MustCompile(`(?i)\bsize\s+(\d+(?:\.\d+)?)\s*([KMGT]i?B|B)\b`)
	percentPattern   = regexp.MustCompile(`\((\d+(?:\.\d+)?)%\)`)
	takingPattern    = regexp.MustCompile(`(?i)\btaking\s+(.+)$`)
	warningPattern   = regexp.MustCompile(`(?i)\b(warn|warning|error)\b`)
)

// ParseSearchLine classifies line. Unrecognised lines return EventNone.
func ParseSearchLine(line string) SearchEvent {
	line = strings.TrimSpace(line)
	ev := SearchEvent{Line: line}
	if m := successPattern.FindStringSubmatch(line); m != nil {
		ev.Kind = EventSuccess
		ev.CRF = parseFloat(m[1])
		return ev
	}
	// Per-sample scores only feed progress; candidates come from the
	// aggregate lines.
	if m := samplePattern.FindStringSubmatch(line); m != nil {
		ev.Kind = EventSample
		ev.Sample, _ = strconv.Atoi(m[1])
		ev.Samples, _ = strconv.Atoi(m[2])
		return ev
	}
	if m := candidatePattern.FindStringSubmatch(line); m != nil {
		ev.Kind = EventCandidate
		ev.CRF = parseFloat(m[1])
		ev.VMAF = parseFloat(m[2])
		rest := m[3]
		if sm := sizePattern.FindStringSubmatch(rest); sm != nil {
			ev.PredictedSize = ParseSize(sm[1], sm[2])
		}
		if pm := percentPattern.FindStringSubmatch(rest); pm != nil {
			ev.Percent = parseFloat(pm[1])
		}
		if tm := takingPattern.FindStringSubmatch(rest); tm != nil {
			ev.TimeEstimate = strings.TrimSpace(tm[1])
		}
		return ev
	}
	if warningPattern.MatchString(line) {
		ev.Kind = EventWarning
	}
	return ev
}

// EncodeProgress is one parsed encode progress redraw.
type EncodeProgress struct {
	Percent float64
	FPS     float64
	ETA     string
}

var encodeProgressPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)%,\s*(?:(\d+(?:\.\d+)?)\s*fps)?(?:,?\s*eta\s+(.+))?$`)

// ParseEncodeLine extracts progress from an encode output line.
func ParseEncodeLine(line string) (EncodeProgress, bool) {
	m := encodeProgressPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return EncodeProgress{}, false
	}
	p := EncodeProgress{Percent: parseFloat(m[1]), ETA: strings.TrimSpace(m[3])}
	if m[2] != "" {
		p.FPS = parseFloat(m[2])
	}
	return p, true
}

var unitScale = map[string]float64{
	"B":   1,
	"KB":  1e3,
	"MB":  1e6,
	"GB":  1e9,
	"TB":  1e12,
	"KIB": 1 << 10,
	"MIB": 1 << 20,
	"GIB": 1 << 30,
	"TIB": 1 << 40,
}

// ParseSize converts a value and unit into bytes. Decimal units (GB) use
// powers of 1000, binary units (GiB) powers of 1024. Unknown units yield 0.
func ParseSize(value, unit string) int64 {
	scale, ok := unitScale[strings.ToUpper(strings.TrimSpace(unit))]
	if !ok {
		return 0
	}
	return int64(parseFloat(value) * scale)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
