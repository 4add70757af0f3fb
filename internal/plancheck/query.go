package plancheck

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProgressFunc is told how many submissions have been scanned out of total.
// It is informational only.
type ProgressFunc func(scanned, total int)

// QueryRequest describes a bulk search.
type QueryRequest struct {
	Criteria Criteria
	// Window optionally restricts submissions by creation time.
	Window *DateWindow
	// Roster is used as-is when non-nil; otherwise it is fetched.
	Roster   []PatientRoster
	Progress ProgressFunc
}

// ScanStats counts how each scanned submission was disposed of.
type ScanStats struct {
	Scanned          int `json:"scanned"`
	SkippedStatus    int `json:"skipped_status"`
	Duplicates       int `json:"duplicates"`
	RejectedName     int `json:"rejected_name"`
	RejectedWindow   int `json:"rejected_window"`
	ParseFailed      int `json:"parse_failed"`
	RejectedCriteria int `json:"rejected_criteria"`
	Accepted         int `json:"accepted"`
	DVHAttached      int `json:"dvh_attached"`
}

// QueryResult is the outcome of a bulk search.
type QueryResult struct {
	RunID   string        `json:"run_id"`
	Table   *ResultTable  `json:"-"`
	Elapsed time.Duration `json:"elapsed"`
	Stats   ScanStats     `json:"stats"`
}

// QueryEngine runs bulk searches across the whole roster. Requests are issued
// one at a time; the engine must not be shared by concurrent callers.
type QueryEngine struct {
	client Client
	roster *RosterSource
	sinks  []ResultSink
	logger zerolog.Logger
}

// ResultSink persists completed runs.
type ResultSink interface {
	SaveRun(ctx context.Context, req QueryRequest, res *QueryResult) error
}

// NewQueryEngine creates an engine. roster may be nil, in which case the
// roster is fetched directly from client on every run that needs one.
func NewQueryEngine(client Client, roster *RosterSource, logger zerolog.Logger) *QueryEngine {
	return &QueryEngine{client: client, roster: roster, logger: logger}
}

// WithSink hands every run that completes without error to sink, after any
// sinks already registered. Sink failures are logged and never fail the run.
func (e *QueryEngine) WithSink(sink ResultSink) *QueryEngine {
	e.sinks = append(e.sinks, sink)
	return e
}

type dedupKey struct {
	patientID string
	notes     string
}

// Run scans the roster in order, newest first, and returns one row per
// distinct (patient id, plan notes) pair that satisfies every criterion.
// Per-record parse failures are skipped. A transport failure aborts the run;
// cancellation of ctx stops it between submissions. In both cases the rows
// collected so far are returned alongside the error.
func (e *QueryEngine) Run(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	start := time.Now()
	filter, err := NewRecordFilter(req.Criteria)
	if err != nil {
		return nil, err
	}
	if req.Window != nil && req.Window.Range < 0 {
		return nil, missingInput("date range must not be negative")
	}

	result := &QueryResult{RunID: uuid.NewString(), Table: NewResultTable()}
	log := e.logger.With().Str("run_id", result.RunID).Logger()

	roster := req.Roster
	if roster == nil {
		if roster, err = e.fetchRoster(ctx); err != nil {
			return nil, err
		}
	}

	total := 0
	for _, p := range roster {
		total += len(p.Plans)
	}

	seen := make(map[dedupKey]struct{})
	stats := &result.Stats

	finish := func(err error) (*QueryResult, error) {
		result.Elapsed = time.Since(start)
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Int("scanned", stats.Scanned).
			Int("total", total).
			Int("rows", result.Table.Len()).
			Int("parse_failed", stats.ParseFailed).
			Dur("elapsed", result.Elapsed).
			Msg("plan check query finished")
		return result, err
	}

	for _, cand := range scanOrder(roster) {
		sub := cand.sub
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		stats.Scanned++
		if req.Progress != nil {
			req.Progress(stats.Scanned, total)
		}

		if !sub.Eligible() {
			stats.SkippedStatus++
			continue
		}
		key := dedupKey{patientID: cand.patient.PatientID, notes: sub.Notes}
		if _, dup := seen[key]; dup {
			stats.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		if !filter.MatchPlanName(sub.Notes) {
			stats.RejectedName++
			continue
		}
		if req.Window != nil && !req.Window.Contains(sub.CreatedTimestamp) {
			stats.RejectedWindow++
			continue
		}

		row, out, err := e.evaluate(ctx, log, filter, *cand.patient, sub)
		if err != nil {
			return finish(err)
		}
		switch out {
		case outcomeParseFailed:
			stats.ParseFailed++
		case outcomeRejected:
			stats.RejectedCriteria++
		case outcomeAccepted, outcomeAcceptedWithDVH:
			stats.Accepted++
			if out == outcomeAcceptedWithDVH {
				stats.DVHAttached++
			}
			result.Table.Append(row)
		}
	}
	finish(nil)

	for _, sink := range e.sinks {
		if err := sink.SaveRun(ctx, req, result); err != nil {
			log.Error().Err(err).Msg("failed to archive plan check query")
		}
	}
	return result, nil
}

// candidate is one submission together with the roster entry it came from.
type candidate struct {
	patient *PatientRoster
	sub     PlanSubmission
}

// scanOrder flattens the roster into submissions ordered by creation time,
// newest first. A patient id may span several roster entries, so ordering
// within each entry is not enough for the first (patient, notes) hit to be
// the newest. Ties keep roster order.
func scanOrder(roster []PatientRoster) []candidate {
	var out []candidate
	for i := range roster {
		for _, sub := range roster[i].Plans {
			out = append(out, candidate{patient: &roster[i], sub: sub})
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].sub.CreatedTimestamp > out[b].sub.CreatedTimestamp
	})
	return out
}

func (e *QueryEngine) fetchRoster(ctx context.Context) ([]PatientRoster, error) {
	if e.roster != nil {
		return e.roster.Roster(ctx)
	}
	return FetchRoster(ctx, e.client)
}

type outcome int

const (
	outcomeParseFailed outcome = iota
	outcomeRejected
	outcomeAccepted
	outcomeAcceptedWithDVH
)

// evaluate fetches and filters one candidate. It returns an error only for
// failures that must abort the whole run.
func (e *QueryEngine) evaluate(ctx context.Context, log zerolog.Logger, filter *RecordFilter, patient PatientRoster, sub PlanSubmission) (ResultRow, outcome, error) {
	raw, err := e.client.FetchCheckDetail(ctx, sub.RequestCID)
	if err != nil {
		return ResultRow{}, outcomeRejected, asConnectionError("fetch check detail", err)
	}
	detail, err := ParseCheckDetail(sub.RequestCID, raw)
	if err != nil {
		log.Warn().Err(err).
			Str("patient_id", patient.PatientID).
			Str("request_cid", sub.RequestCID).
			Msg("skipping unreadable check detail")
		return ResultRow{}, outcomeParseFailed, nil
	}

	res := filter.Evaluate(detail)
	if !res.Pass {
		log.Debug().
			Str("request_cid", sub.RequestCID).
			Str("failed_on", res.FailedOn).
			Msg("plan check rejected")
		return ResultRow{}, outcomeRejected, nil
	}

	row := BuildRow(patient, sub, detail, res.ROI)
	if res.ROI == nil {
		return row, outcomeAccepted, nil
	}
	attached, err := e.attachDVH(ctx, log, &row, res.ROI)
	if err != nil {
		return ResultRow{}, outcomeRejected, err
	}
	if attached {
		return row, outcomeAcceptedWithDVH, nil
	}
	return row, outcomeAccepted, nil
}

// attachDVH looks up the histogram of the matched ROI. A DVH payload that
// cannot be parsed, or one without a series of that name, leaves the row's
// DVH empty.
func (e *QueryEngine) attachDVH(ctx context.Context, log zerolog.Logger, row *ResultRow, roi *ROIMatch) (bool, error) {
	raw, err := e.client.FetchDVH(ctx, row.RequestCID)
	if err != nil {
		return false, asConnectionError("fetch dvh", err)
	}
	series, err := ParseDVH(row.RequestCID, raw)
	if err != nil {
		log.Warn().Err(err).Str("request_cid", row.RequestCID).Msg("dvh unreadable, row kept without histogram")
		return false, nil
	}
	s, ok := FindSeries(series, roi.Name)
	if !ok {
		log.Debug().Str("request_cid", row.RequestCID).Str("roi", roi.Name).Msg("no dvh series for matched roi")
		return false, nil
	}
	row.DVH = s
	return true, nil
}
