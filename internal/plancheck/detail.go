package plancheck

import (
	"github.com/plancheck/plancheck/internal/platform/payload"
)

// Detail payload sections. Any of them may be missing from a given check.
const (
	keyFractionGroup = "fractionGroupInfo"
	keyBeamInfo      = "beamInfo"
	keyROIInfo       = "roiInfo"
	keyGamma         = "gammaSummary"
	keyLimitSet      = "limitSet"
	keyStrayVoxel    = "strayVoxel"
	keyTPSInfo       = "tpsInfo"
	keyCTInfo        = "ctInfo"
	keyTaskTimings   = "taskTimings"
)

// CheckDetail is the decoded, schema-less detail tree of one plan check.
type CheckDetail struct {
	root payload.Node
}

// ParseCheckDetail runs the key-folding shim over raw and decodes it.
func ParseCheckDetail(requestCID string, raw []byte) (*CheckDetail, error) {
	root, err := payload.ParseSanitized(raw)
	if err != nil {
		return nil, &ParseError{RequestCID: requestCID, Payload: "detail", Err: err}
	}
	if !root.IsObject() {
		return nil, &ParseError{RequestCID: requestCID, Payload: "detail", Err: errNotObject}
	}
	return &CheckDetail{root: root}, nil
}

// NewCheckDetail wraps an already decoded tree.
func NewCheckDetail(root payload.Node) *CheckDetail {
	return &CheckDetail{root: root}
}

// Root exposes the underlying tree.
func (d *CheckDetail) Root() payload.Node {
	if d == nil {
		return payload.Node{}
	}
	return d.root
}

func (d *CheckDetail) MachineName() payload.Node {
	return d.Root().Get(keyFractionGroup, "machineName")
}

func (d *CheckDetail) MLCModel() payload.Node {
	return d.Root().Get(keyFractionGroup, "mlcModel")
}

func (d *CheckDetail) Rotation() payload.Node {
	return d.Root().Get(keyFractionGroup, "rotation")
}

func (d *CheckDetail) NumFractions() payload.Node {
	return d.Root().Get(keyFractionGroup, "numberOfFractionsPlanned")
}

func (d *CheckDetail) LimitSetName() payload.Node {
	return d.Root().Get(keyLimitSet, "name")
}

// Beams returns the per-beam map, keyed by opaque beam ids.
func (d *CheckDetail) Beams() payload.Node {
	return d.Root().Get(keyBeamInfo)
}

// ROIs returns the per-ROI map, keyed by opaque ROI ids.
func (d *CheckDetail) ROIs() payload.Node {
	return d.Root().Get(keyROIInfo)
}

func (d *CheckDetail) Gamma() payload.Node {
	return d.Root().Get(keyGamma)
}

func (d *CheckDetail) StrayVoxelPassed() payload.Node {
	return d.Root().Get(keyStrayVoxel, "passed")
}

func (d *CheckDetail) TPS() payload.Node {
	return d.Root().Get(keyTPSInfo)
}

func (d *CheckDetail) PatientPosition() payload.Node {
	return d.Root().Get(keyCTInfo, "patientPosition")
}

func (d *CheckDetail) DoseCalcTime() payload.Node {
	return d.Root().Get(keyTaskTimings, "doseCalculation")
}

// BuildRow projects a submission and its detail into a ResultRow. Each field
// is looked up on its own; anything missing defaults to its zero value.
func BuildRow(patient PatientRoster, sub PlanSubmission, detail *CheckDetail, roi *ROIMatch) ResultRow {
	gamma := detail.Gamma()
	tps := detail.TPS()

	row := ResultRow{
		PatientID:       patient.PatientID,
		PatientName:     patient.PatientName,
		RequestCID:      sub.RequestCID,
		MachineName:     detail.MachineName().StringOr(""),
		PlanName:        sub.Notes,
		Timestamp:       sub.Created(),
		LimitSet:        detail.LimitSetName().StringOr(""),
		TPSName:         tps.Get("name").StringOr(""),
		TPSVersion:      tps.Get("version").StringOr(""),
		PatientPosition: detail.PatientPosition().StringOr(""),
		DoseCalcTime:    detail.DoseCalcTime().FloatOr(0),
		GammaDose:       gamma.Get("doseCriteria").FloatOr(0),
		GammaDTA:        gamma.Get("dtaCriteria").FloatOr(0),
		GammaHistogram:  gamma.Get("histogram").Floats(),
		GammaPassRate:   gamma.Get("passRate").FloatOr(0),
		NumFractions:    detail.NumFractions().IntOr(0),
		NumBeams:        detail.Beams().Len(),
	}
	if passed, ok := detail.StrayVoxelPassed().Bool(); ok {
		row.StrayVoxelPassed = passed
	}
	if row.GammaHistogram == nil {
		row.GammaHistogram = []float64{}
	}
	if roi != nil {
		row.StructureName = roi.Name
		row.StructureVolume = roi.Volume
	}
	row.DVH.Points = []DVHPoint{}
	return row
}
