package plancheck

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/plancheck/plancheck/internal/platform/payload"
)

// FetchRoster retrieves the patient roster and orders it newest first. The
// ordering is what lets the query engine treat "first seen" as "newest".
func FetchRoster(ctx context.Context, client Client) ([]PatientRoster, error) {
	raw, err := client.FetchRoster(ctx)
	if err != nil {
		return nil, asConnectionError("fetch roster", err)
	}
	return ParseRoster(raw)
}

// ParseRoster decodes a roster payload. A malformed document or one without
// a patients list is treated like a transport failure, since nothing further
// can be done in that session.
func ParseRoster(raw []byte) ([]PatientRoster, error) {
	root, err := payload.Parse(raw)
	if err != nil {
		return nil, &ConnectionError{Op: "parse roster", Err: err}
	}
	patients := root.Get("patients")
	if !patients.IsArray() {
		return nil, &ConnectionError{Op: "parse roster", Err: fmt.Errorf("response has no patients list")}
	}

	roster := make([]PatientRoster, 0, patients.Len())
	for _, p := range patients.Items() {
		entry := PatientRoster{
			PatientID:   p.Get("patientId").StringOr(""),
			PatientName: p.Get("patientName").StringOr(""),
			CSSID:       p.Get("cssId").StringOr(""),
		}
		for _, plan := range p.Get("plans").Items() {
			sub := PlanSubmission{
				Notes:      plan.Get("notes").StringOr(""),
				Status:     plan.Get("status").StringOr(""),
				RequestCID: plan.Get("request_cid").StringOr(""),
			}
			if ts, ok := plan.Get("created_timestamp").Float(); ok {
				sub.CreatedTimestamp = int64(ts)
			}
			if has, ok := plan.Get("hasResults").Bool(); ok {
				sub.HasResults = has
			}
			entry.Plans = append(entry.Plans, sub)
		}
		roster = append(roster, entry)
	}
	SortRoster(roster)
	return roster, nil
}

// SortRoster orders each patient's submissions by creation time descending,
// then patients by their newest submission descending. Both sorts are stable
// so server order breaks ties.
func SortRoster(roster []PatientRoster) {
	for i := range roster {
		plans := roster[i].Plans
		sort.SliceStable(plans, func(a, b int) bool {
			return plans[a].CreatedTimestamp > plans[b].CreatedTimestamp
		})
	}
	sort.SliceStable(roster, func(a, b int) bool {
		return newest(roster[a]) > newest(roster[b])
	})
}

func newest(p PatientRoster) int64 {
	if len(p.Plans) == 0 {
		return 0
	}
	return p.Plans[0].CreatedTimestamp
}

// RosterCache stores raw roster payloads between calls.
type RosterCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, raw []byte, ttl time.Duration) error
}

// RosterSource fetches the roster once and reuses it through an optional
// cache. Cache errors are logged and never fail a fetch.
type RosterSource struct {
	client Client
	cache  RosterCache
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRosterSource creates a source. cache may be nil.
func NewRosterSource(client Client, cache RosterCache, key string, ttl time.Duration, logger zerolog.Logger) *RosterSource {
	return &RosterSource{client: client, cache: cache, key: key, ttl: ttl, logger: logger}
}

// Roster returns the cached roster when available, fetching otherwise.
func (s *RosterSource) Roster(ctx context.Context) ([]PatientRoster, error) {
	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, s.key)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("key", s.key).Msg("roster cache read failed")
		case ok:
			roster, perr := ParseRoster(raw)
			if perr == nil {
				s.logger.Debug().Int("patients", len(roster)).Msg("roster served from cache")
				return roster, nil
			}
			s.logger.Warn().Err(perr).Msg("discarding unreadable cached roster")
		}
	}
	return s.Refresh(ctx)
}

// Refresh fetches the roster from the server and repopulates the cache.
func (s *RosterSource) Refresh(ctx context.Context) ([]PatientRoster, error) {
	raw, err := s.client.FetchRoster(ctx)
	if err != nil {
		return nil, asConnectionError("fetch roster", err)
	}
	roster, err := ParseRoster(raw)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, s.key, raw, s.ttl); err != nil {
			s.logger.Warn().Err(err).Str("key", s.key).Msg("roster cache write failed")
		}
	}
	s.logger.Info().Int("patients", len(roster)).Msg("roster fetched")
	return roster, nil
}
