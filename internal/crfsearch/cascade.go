package crfsearch

import (
	"strconv"

	"reencoder/internal/config"
)

// Step names one attempt in the cascade.
type Step string

const (
	StepInitial     Step = "initial"
	StepFullRange   Step = "full_range"
	StepPreset      Step = "preset"
	StepLowerTarget Step = "lower_target"
)

// Attempt is the full parameter set for one crf-search run.
type Attempt struct {
	Step   Step
	Target float64
	Range  Range
	Preset string
}

// Cascade hands out retry attempts until the budget runs out. Each step is
// used at most once and skipped when it would not change anything.
type Cascade struct {
	cfg       config.CRFSearch
	used      map[Step]bool
	remaining int
}

// NewCascade starts a cascade with the configured retry budget.
func NewCascade(cfg config.CRFSearch) *Cascade {
	return &Cascade{cfg: cfg, used: make(map[Step]bool), remaining: cfg.RetryBudget}
}

// Remaining reports the unused retry budget.
func (c *Cascade) Remaining() int {
	return c.remaining
}

// Next returns the attempt to run after prev failed, or false when the
// budget is spent or no step applies.
func (c *Cascade) Next(prev Attempt) (Attempt, bool) {
	if c.remaining <= 0 {
		return Attempt{}, false
	}
	next, ok := c.pick(prev)
	if !ok {
		return Attempt{}, false
	}
	c.used[next.Step] = true
	c.remaining--
	return next, true
}

func (c *Cascade) pick(prev Attempt) (Attempt, bool) {
	full := DefaultRange(c.cfg)
	if !c.used[StepFullRange] && prev.Range.Narrowed {
		return Attempt{Step: StepFullRange, Target: prev.Target, Range: full, Preset: prev.Preset}, true
	}
	if !c.used[StepPreset] && c.cfg.RetryPreset > 0 {
		preset := strconv.Itoa(c.cfg.RetryPreset)
		if prev.Preset != preset {
			return Attempt{Step: StepPreset, Target: prev.Target, Range: full, Preset: preset}, true
		}
	}
	if !c.used[StepLowerTarget] && c.cfg.TargetStep > 0 {
		return Attempt{Step: StepLowerTarget, Target: prev.Target - c.cfg.TargetStep, Range: prev.Range, Preset: prev.Preset}, true
	}
	return Attempt{}, false
}
