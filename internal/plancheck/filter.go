package plancheck

import (
	"github.com/plancheck/plancheck/internal/platform/payload"
)

// ROIMatch records which ROI satisfied a structure criterion so the volume and
// DVH can be reused without searching again.
type ROIMatch struct {
	ID     string
	Name   string
	Volume float64
}

// FilterResult is the outcome of evaluating one detail payload.
type FilterResult struct {
	Pass bool
	// FailedOn names the first criterion that rejected the record.
	FailedOn string
	ROI      *ROIMatch
}

// RecordFilter evaluates a compiled Criteria set against check details. It is
// pure and safe for reuse across records.
type RecordFilter struct {
	planName  *patternSet
	machine   *patternSet
	limitSet  *patternSet
	mlc       *patternSet
	rotation  *patternSet
	structure *patternSet
	energy    *numberSet
}

// NewRecordFilter compiles c. Invalid patterns are input errors and surface
// before any network access.
func NewRecordFilter(c Criteria) (*RecordFilter, error) {
	f := &RecordFilter{}
	var err error
	if f.planName, err = compilePatterns("plan name", c.PlanName); err != nil {
		return nil, err
	}
	if f.machine, err = compilePatterns("machine", c.Machine); err != nil {
		return nil, err
	}
	if f.limitSet, err = compilePatterns("limit set", c.LimitSet); err != nil {
		return nil, err
	}
	if f.mlc, err = compilePatterns("mlc", c.MLC); err != nil {
		return nil, err
	}
	if f.rotation, err = compilePatterns("rotation", c.Rotation); err != nil {
		return nil, err
	}
	if f.structure, err = compilePatterns("structure", c.Structure); err != nil {
		return nil, err
	}
	if f.energy, err = compileNumbers("energy", c.Energy); err != nil {
		return nil, err
	}
	return f, nil
}

// MatchPlanName applies the plan name criterion to a submission's notes. It
// needs no detail payload, so callers run it before fetching one.
func (f *RecordFilter) MatchPlanName(notes string) bool {
	return f.planName.matches(notes)
}

// HasStructure reports whether a structure criterion is set.
func (f *RecordFilter) HasStructure() bool {
	return f.structure != nil
}

// Evaluate applies every detail-based criterion. Checks run cheapest first
// and stop at the first failure.
func (f *RecordFilter) Evaluate(d *CheckDetail) FilterResult {
	if !scalarMatches(f.machine, d.MachineName()) {
		return FilterResult{FailedOn: "machine"}
	}
	if !scalarMatches(f.limitSet, d.LimitSetName()) {
		return FilterResult{FailedOn: "limit_set"}
	}
	if !scalarMatches(f.mlc, d.MLCModel()) {
		return FilterResult{FailedOn: "mlc"}
	}
	if !scalarMatches(f.rotation, d.Rotation()) {
		return FilterResult{FailedOn: "rotation"}
	}
	if f.energy != nil && !anyBeamEnergy(f.energy, d.Beams()) {
		return FilterResult{FailedOn: "energy"}
	}

	res := FilterResult{Pass: true}
	if f.structure != nil {
		roi := findROI(f.structure, d.ROIs())
		if roi == nil {
			return FilterResult{FailedOn: "structure"}
		}
		res.ROI = roi
	}
	return res
}

// scalarMatches fails closed: a set criterion never matches an absent field.
func scalarMatches(ps *patternSet, n payload.Node) bool {
	if ps == nil {
		return true
	}
	s, ok := n.String()
	if !ok {
		return false
	}
	return ps.matches(s)
}

func anyBeamEnergy(ns *numberSet, beams payload.Node) bool {
	found := false
	beams.Each(func(_ string, beam payload.Node) bool {
		if e, ok := beam.Get("energy").Float(); ok && ns.matches(e) {
			found = true
			return false
		}
		return true
	})
	return found
}

func findROI(ps *patternSet, rois payload.Node) *ROIMatch {
	var match *ROIMatch
	rois.Each(func(id string, roi payload.Node) bool {
		name, ok := roi.Get("name").String()
		if !ok || !ps.matches(name) {
			return true
		}
		match = &ROIMatch{
			ID:     id,
			Name:   name,
			Volume: roi.Get("volume").FloatOr(0),
		}
		return false
	})
	return match
}
