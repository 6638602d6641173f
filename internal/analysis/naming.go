package analysis

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Name is the series identity parsed from a file path.
type Name struct {
	Title     string
	SeriesKey string
	Season    int
	Episode   int
}

var (
	reSxxEyy      = regexp.MustCompile(`(?i)(^|[^[:alnum:]])s([0-9]{1,2})e([0-9]{1,3})([^[:alnum:]]|$)`)
	reNxNN        = regexp.MustCompile(`(^|[^[:alnum:]])([0-9]{1,2})x([0-9]{1,3})([^[:alnum:]]|$)`)
	reSeasonDir   = regexp.MustCompile(`(?i)^(season|series|staffel)[\s._-]*([0-9]{1,2})$`)
	reSeasonShort = regexp.MustCompile(`(?i)^s([0-9]{1,2})$`)
	reYearSuffix  = regexp.MustCompile(`\s*[\(\[]?(19|20)[0-9]{2}[\)\]]?$`)
	reSeparators  = regexp.MustCompile(`[._]+`)
	reNonAlnum    = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// ParseName extracts series, season and episode from path. Files without an
// episode token and outside a season directory are treated as movies and
// return a zero Name. Casers are stateful, so each call builds its own.
func ParseName(path string) Name {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dir := filepath.Dir(path)
	parent := filepath.Base(dir)

	var show string
	season, episode := 0, 0
	if m := reSxxEyy.FindStringSubmatchIndex(base); m != nil {
		season = atoi(base[m[4]:m[5]])
		episode = atoi(base[m[6]:m[7]])
		show = base[:m[0]]
	} else if m := reNxNN.FindStringSubmatchIndex(base); m != nil {
		season = atoi(base[m[4]:m[5]])
		episode = atoi(base[m[6]:m[7]])
		show = base[:m[0]]
	}

	if dirSeason, ok := seasonFromDir(parent); ok {
		if season == 0 {
			season = dirSeason
		}
		if clean(show) == "" {
			show = filepath.Base(filepath.Dir(dir))
		}
	} else if season > 0 && clean(show) == "" {
		show = parent
	}
	if season == 0 {
		return Name{}
	}

	title := clean(show)
	if title == "" {
		return Name{}
	}
	return Name{
		Title:     cases.Title(language.English).String(title),
		SeriesKey: SeriesKey(title),
		Season:    season,
		Episode:   episode,
	}
}

// SeriesKey folds a show title into a stable grouping key: case folded,
// year suffix dropped, punctuation collapsed to single dashes.
func SeriesKey(title string) string {
	title = reYearSuffix.ReplaceAllString(strings.TrimSpace(title), "")
	key := reNonAlnum.ReplaceAllString(cases.Fold().String(title), "-")
	return strings.Trim(key, "-")
}

func seasonFromDir(name string) (int, bool) {
	name = strings.TrimSpace(reSeparators.ReplaceAllString(name, " "))
	if m := reSeasonDir.FindStringSubmatch(name); m != nil {
		return atoi(m[2]), true
	}
	if m := reSeasonShort.FindStringSubmatch(name); m != nil {
		return atoi(m[1]), true
	}
	return 0, false
}

func clean(s string) string {
	s = reSeparators.ReplaceAllString(s, " ")
	s = strings.Trim(s, " -")
	return strings.Join(strings.Fields(s), " ")
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
