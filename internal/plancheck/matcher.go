package plancheck

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// MatchRequest selects one plan check for a patient, either by plan name or
// by a date window around a target time. Exactly one of PlanName and Window
// must be given.
type MatchRequest struct {
	PatientID string
	PlanName  string
	Window    *DateWindow
	// Roster is used as-is when non-nil; otherwise the roster is fetched.
	Roster []PatientRoster
}

func (r MatchRequest) validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return missingInput("patient id is required")
	}
	hasName := strings.TrimSpace(r.PlanName) != ""
	switch {
	case !hasName && r.Window == nil:
		return missingInput("either plan name or target date is required")
	case hasName && r.Window != nil:
		return missingInput("plan name and target date are mutually exclusive")
	}
	if r.Window != nil && r.Window.Range < 0 {
		return missingInput("date range must not be negative")
	}
	return nil
}

// Matcher performs single-result searches.
type Matcher struct {
	client Client
	logger zerolog.Logger
}

// NewMatcher creates a Matcher over client.
func NewMatcher(client Client, logger zerolog.Logger) *Matcher {
	return &Matcher{client: client, logger: logger}
}

// Find returns the first eligible submission of the first roster entry whose
// patient id equals req.PatientID. Only that entry is examined, even when a
// later entry shares the id. A detail payload that fails to parse ends the
// search with a nil result; the next submission is not tried. A nil Match
// with a nil error means nothing satisfied the request.
func (m *Matcher) Find(ctx context.Context, req MatchRequest) (*Match, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	roster := req.Roster
	if roster == nil {
		var err error
		roster, err = FetchRoster(ctx, m.client)
		if err != nil {
			return nil, err
		}
	}

	log := m.logger.With().Str("patient_id", req.PatientID).Logger()

	for _, patient := range roster {
		if patient.PatientID != req.PatientID {
			continue
		}
		for _, sub := range patient.Plans {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !sub.Eligible() || !sub.HasResults {
				continue
			}
			if !req.accepts(sub) {
				continue
			}

			raw, err := m.client.FetchCheckDetail(ctx, sub.RequestCID)
			if err != nil {
				return nil, asConnectionError("fetch check detail", err)
			}
			detail, err := ParseCheckDetail(sub.RequestCID, raw)
			if err != nil {
				log.Warn().Err(err).Str("request_cid", sub.RequestCID).Msg("check detail unreadable, search stopped")
				return nil, nil
			}
			return &Match{
				Patient:    patient,
				Submission: sub,
				Detail:     detail,
				Row:        BuildRow(patient, sub, detail, nil),
			}, nil
		}
		break
	}

	log.Warn().Str("plan_name", req.PlanName).Msg("no matching plan check found")
	return nil, nil
}

// FindStrict is Find with an empty outcome reported as ErrNotFound.
func (m *Matcher) FindStrict(ctx context.Context, req MatchRequest) (*Match, error) {
	match, err := m.Find(ctx, req)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

func (r MatchRequest) accepts(sub PlanSubmission) bool {
	if r.Window != nil {
		return r.Window.Contains(sub.CreatedTimestamp)
	}
	return strings.EqualFold(strings.TrimSpace(sub.Notes), strings.TrimSpace(r.PlanName))
}

// IsNotFound reports whether err is an empty search outcome.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
