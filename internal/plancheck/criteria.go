package plancheck

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Criterion is either a single pattern or a list of alternatives, any of
// which may match. The zero value is unset and always satisfied.
type Criterion struct {
	patterns []string
}

// Single builds a one-pattern criterion.
func Single(pattern string) Criterion {
	return AnyOf(pattern)
}

// AnyOf builds a criterion satisfied by any of the given patterns. Blank
// patterns are dropped, so AnyOf("") is unset.
func AnyOf(patterns ...string) Criterion {
	var c Criterion
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		c.patterns = append(c.patterns, p)
	}
	return c
}

// IsSet reports whether the criterion constrains anything.
func (c Criterion) IsSet() bool { return len(c.patterns) > 0 }

// Patterns returns a copy of the alternatives.
func (c Criterion) Patterns() []string {
	return append([]string(nil), c.patterns...)
}

func (c Criterion) String() string {
	return strings.Join(c.patterns, "|")
}

// Criteria is the fixed set of bulk-search filters. Unset fields are
// vacuously satisfied; set fields are ANDed.
type Criteria struct {
	Machine   Criterion
	PlanName  Criterion
	Rotation  Criterion
	MLC       Criterion
	Energy    Criterion
	LimitSet  Criterion
	Structure Criterion
}

// Empty reports whether no criterion is set.
func (c Criteria) Empty() bool {
	return !c.Machine.IsSet() && !c.PlanName.IsSet() && !c.Rotation.IsSet() &&
		!c.MLC.IsSet() && !c.Energy.IsSet() && !c.LimitSet.IsSet() && !c.Structure.IsSet()
}

// Fields returns the set criteria keyed by query parameter name.
func (c Criteria) Fields() map[string][]string {
	out := make(map[string][]string)
	for name, crit := range map[string]Criterion{
		"machine":   c.Machine,
		"plan_name": c.PlanName,
		"rotation":  c.Rotation,
		"mlc":       c.MLC,
		"energy":    c.Energy,
		"limit_set": c.LimitSet,
		"structure": c.Structure,
	} {
		if crit.IsSet() {
			out[name] = crit.Patterns()
		}
	}
	return out
}

// patternSet is a compiled Criterion.
type patternSet struct {
	res []*regexp.Regexp
}

func compilePatterns(field string, c Criterion) (*patternSet, error) {
	if !c.IsSet() {
		return nil, nil
	}
	ps := &patternSet{res: make([]*regexp.Regexp, 0, len(c.patterns))}
	for _, p := range c.patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, missingInput("invalid %s pattern %q: %v", field, p, err)
		}
		ps.res = append(ps.res, re)
	}
	return ps, nil
}

// matches reports whether s contains a match for any alternative. A nil set
// matches everything.
func (ps *patternSet) matches(s string) bool {
	if ps == nil {
		return true
	}
	for _, re := range ps.res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// numberSet is a compiled numeric Criterion.
type numberSet struct {
	values []float64
}

const energyTolerance = 1e-9

func compileNumbers(field string, c Criterion) (*numberSet, error) {
	if !c.IsSet() {
		return nil, nil
	}
	ns := &numberSet{values: make([]float64, 0, len(c.patterns))}
	for _, p := range c.patterns {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, missingInput("invalid %s value %q", field, p)
		}
		ns.values = append(ns.values, f)
	}
	return ns, nil
}

func (ns *numberSet) matches(f float64) bool {
	if ns == nil {
		return true
	}
	for _, v := range ns.values {
		if math.Abs(v-f) <= energyTolerance {
			return true
		}
	}
	return false
}

// DateWindow selects submissions created within Range of Target. Target is a
// wall-clock time at the clinic; submission timestamps are UTC epoch seconds
// shifted by the fixed UTCOffset before comparison.
type DateWindow struct {
	Target    time.Time
	Range     time.Duration
	UTCOffset time.Duration
	// Inclusive controls whether a submission exactly Range away from Target
	// is accepted.
	Inclusive bool
}

// Contains reports whether the epoch timestamp falls inside the window.
func (w DateWindow) Contains(epochSeconds int64) bool {
	local := time.Unix(epochSeconds, 0).UTC().Add(w.UTCOffset)
	target := time.Date(w.Target.Year(), w.Target.Month(), w.Target.Day(),
		w.Target.Hour(), w.Target.Minute(), w.Target.Second(), w.Target.Nanosecond(), time.UTC)

	d := local.Sub(target)
	if d < 0 {
		d = -d
	}
	if w.Inclusive {
		return d <= w.Range
	}
	return d < w.Range
}

var targetLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTargetDate reads a clinic wall-clock time. A zone suffix, if any, is
// ignored by DateWindow.
func ParseTargetDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range targetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, missingInput("unrecognised date %q", s)
}

// NewDateWindow builds a window of rangeHours around target.
func NewDateWindow(target time.Time, rangeHours float64, utcOffset time.Duration, inclusive bool) *DateWindow {
	return &DateWindow{
		Target:    target,
		Range:     time.Duration(rangeHours * float64(time.Hour)),
		UTCOffset: utcOffset,
		Inclusive: inclusive,
	}
}
