package plancheck

import (
	"context"
	"strings"
	"time"
)

// Client is the read-only QA server accessor. Every method is an idempotent
// GET returning the raw response body; decoding is done here so payload
// quirks stay out of the transport.
type Client interface {
	FetchRoster(ctx context.Context) ([]byte, error)
	FetchCheckDetail(ctx context.Context, requestCID string) ([]byte, error)
	FetchDVH(ctx context.Context, requestCID string) ([]byte, error)
}

// Submission statuses reported by the QA server.
const (
	StatusWaiting   = "waiting"
	StatusComputing = "computing"
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCritical  = "critical"
)

var ineligibleStatuses = map[string]bool{
	StatusWaiting:  true,
	StatusError:    true,
	StatusCritical: true,
}

// PatientRoster is one patient and their plan-check submissions, newest first.
type PatientRoster struct {
	PatientID   string           `json:"patient_id"`
	PatientName string           `json:"patient_name"`
	CSSID       string           `json:"css_id"`
	Plans       []PlanSubmission `json:"plans"`
}

// PlanSubmission is a single plan check request as listed in the roster.
type PlanSubmission struct {
	Notes            string `json:"notes"`
	CreatedTimestamp int64  `json:"created_timestamp"`
	Status           string `json:"status"`
	RequestCID       string `json:"request_cid"`
	HasResults       bool   `json:"has_results"`
}

// Eligible reports whether the submission status can ever produce a result.
func (p PlanSubmission) Eligible() bool {
	return !ineligibleStatuses[strings.ToLower(p.Status)]
}

// Created returns the submission time in UTC.
func (p PlanSubmission) Created() time.Time {
	return time.Unix(p.CreatedTimestamp, 0).UTC()
}

// DVHPoint is one sample of a cumulative dose-volume histogram.
type DVHPoint struct {
	Dose   float64 `json:"dose"`
	Volume float64 `json:"volume"`
}

// DVHSeries is the histogram for one ROI.
type DVHSeries struct {
	Name   string     `json:"name"`
	Points []DVHPoint `json:"points"`
}

// ResultRow is the flat, reporting-oriented projection of a submission and
// its check detail. Rows are built once and never mutated.
type ResultRow struct {
	PatientID        string    `json:"patient_id"`
	PatientName      string    `json:"patient_name"`
	RequestCID       string    `json:"request_cid"`
	MachineName      string    `json:"machine_name"`
	PlanName         string    `json:"plan_name"`
	Timestamp        time.Time `json:"timestamp"`
	LimitSet         string    `json:"limit_set"`
	TPSName          string    `json:"tps_name"`
	TPSVersion       string    `json:"tps_version"`
	PatientPosition  string    `json:"patient_position"`
	DoseCalcTime     float64   `json:"dose_calc_time"`
	GammaDose        float64   `json:"gamma_dose"`
	GammaDTA         float64   `json:"gamma_dta"`
	GammaHistogram   []float64 `json:"gamma_histogram"`
	GammaPassRate    float64   `json:"gamma_pass_rate"`
	StrayVoxelPassed bool      `json:"stray_voxel_passed"`
	NumFractions     int       `json:"num_fractions"`
	NumBeams         int       `json:"num_beams"`
	StructureName    string    `json:"structure_name,omitempty"`
	StructureVolume  float64   `json:"structure_volume,omitempty"`
	DVH              DVHSeries `json:"dvh"`
}

// Match is the outcome of a single-result search.
type Match struct {
	Patient    PatientRoster  `json:"patient"`
	Submission PlanSubmission `json:"submission"`
	Detail     *CheckDetail   `json:"-"`
	Row        ResultRow      `json:"row"`
}
