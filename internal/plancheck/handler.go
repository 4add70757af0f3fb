package plancheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/plancheck/plancheck/internal/platform/auth"
	"github.com/plancheck/plancheck/pkg/pagination"
)

// DefaultRangeHours is the date window half-width used when a request gives a
// date but no range.
const DefaultRangeHours = 72

// HandlerConfig carries the clinic-wide date window settings.
type HandlerConfig struct {
	UTCOffset time.Duration
	Inclusive bool
}

// Handler exposes the engine over HTTP. The QA server client is not safe for
// concurrent use, so every request that touches it holds mu.
type Handler struct {
	mu      sync.Mutex
	engine  *QueryEngine
	matcher *Matcher
	roster  *RosterSource
	cfg     HandlerConfig
	logger  zerolog.Logger
}

func NewHandler(engine *QueryEngine, matcher *Matcher, roster *RosterSource, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, matcher: matcher, roster: roster, cfg: cfg, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleReader))
	readGroup.GET("/plan-checks", h.QueryPlanChecks)
	readGroup.GET("/plan-checks/match", h.MatchPlanCheck)
	readGroup.GET("/roster", h.ListRoster)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/roster/refresh", h.RefreshRoster)
}

// criteriaParams maps query parameters onto Criteria fields. Each may be
// repeated to give alternatives.
var criteriaParams = []struct {
	name string
	set  func(*Criteria, Criterion)
}{
	{"machine", func(c *Criteria, v Criterion) { c.Machine = v }},
	{"plan_name", func(c *Criteria, v Criterion) { c.PlanName = v }},
	{"rotation", func(c *Criteria, v Criterion) { c.Rotation = v }},
	{"mlc", func(c *Criteria, v Criterion) { c.MLC = v }},
	{"energy", func(c *Criteria, v Criterion) { c.Energy = v }},
	{"limit_set", func(c *Criteria, v Criterion) { c.LimitSet = v }},
	{"structure", func(c *Criteria, v Criterion) { c.Structure = v }},
}

func (h *Handler) window(c echo.Context) (*DateWindow, error) {
	date := c.QueryParam("date")
	if date == "" {
		if c.QueryParam("range_hours") != "" {
			return nil, missingInput("range_hours requires date")
		}
		return nil, nil
	}
	target, err := ParseTargetDate(date)
	if err != nil {
		return nil, err
	}
	rangeHours := float64(DefaultRangeHours)
	if raw := c.QueryParam("range_hours"); raw != "" {
		rangeHours, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, missingInput("range_hours must be a number, got %q", raw)
		}
	}
	return NewDateWindow(target, rangeHours, h.cfg.UTCOffset, h.cfg.Inclusive), nil
}

// -- Plan check handlers --

type queryResponse struct {
	RunID     string    `json:"run_id"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Stats     ScanStats `json:"stats"`
	*pagination.Response
}

func (h *Handler) QueryPlanChecks(c echo.Context) error {
	format := strings.ToLower(c.QueryParam("format"))
	switch format {
	case "", "json", "csv", "xlsx":
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
	}

	var req QueryRequest
	params := c.QueryParams()
	for _, p := range criteriaParams {
		p.set(&req.Criteria, AnyOf(params[p.name]...))
	}
	window, err := h.window(c)
	if err != nil {
		return httpError(err)
	}
	req.Window = window

	h.mu.Lock()
	res, err := h.engine.Run(c.Request().Context(), req)
	h.mu.Unlock()
	if err != nil {
		return httpError(err)
	}

	switch format {
	case "csv":
		return h.export(c, res, "csv", "text/csv; charset=utf-8", res.Table.WriteCSV)
	case "xlsx":
		return h.export(c, res, "xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", res.Table.WriteXLSX)
	}

	pg := pagination.FromContext(c)
	page := pagination.NewResponse(res.Table.Window(pg.Limit, pg.Offset), res.Table.Len(), pg).
		WithLinks(c.Request().URL.Path, params)
	return c.JSON(http.StatusOK, queryResponse{
		RunID:     res.RunID,
		ElapsedMS: res.Elapsed.Milliseconds(),
		Stats:     res.Stats,
		Response:  page,
	})
}

func (h *Handler) export(c echo.Context, res *QueryResult, ext, contentType string, write func(io.Writer) error) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, contentType)
	resp.Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", "plan-checks-"+res.RunID+"."+ext))
	resp.WriteHeader(http.StatusOK)
	if err := write(resp); err != nil {
		h.logger.Error().Err(err).Str("run_id", res.RunID).Msg("export failed mid-stream")
	}
	return nil
}

func (h *Handler) MatchPlanCheck(c echo.Context) error {
	req := MatchRequest{
		PatientID: c.QueryParam("patient_id"),
		PlanName:  c.QueryParam("plan_name"),
	}
	window, err := h.window(c)
	if err != nil {
		return httpError(err)
	}
	req.Window = window
	if err := req.validate(); err != nil {
		return httpError(err)
	}

	ctx := c.Request().Context()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.roster != nil {
		if req.Roster, err = h.roster.Roster(ctx); err != nil {
			return httpError(err)
		}
	}
	match, err := h.matcher.FindStrict(ctx, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, match)
}

// -- Roster handlers --

type rosterEntry struct {
	PatientID   string     `json:"patient_id"`
	PatientName string     `json:"patient_name"`
	CSSID       string     `json:"css_id"`
	Submissions int        `json:"submissions"`
	Latest      *time.Time `json:"latest,omitempty"`
}

func summarize(roster []PatientRoster) []rosterEntry {
	out := make([]rosterEntry, 0, len(roster))
	for _, p := range roster {
		e := rosterEntry{
			PatientID:   p.PatientID,
			PatientName: p.PatientName,
			CSSID:       p.CSSID,
			Submissions: len(p.Plans),
		}
		if len(p.Plans) > 0 {
			latest := p.Plans[0].Created()
			e.Latest = &latest
		}
		out = append(out, e)
	}
	return out
}

func (h *Handler) ListRoster(c echo.Context) error {
	if h.roster == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "roster source not configured")
	}
	h.mu.Lock()
	roster, err := h.roster.Roster(c.Request().Context())
	h.mu.Unlock()
	if err != nil {
		return httpError(err)
	}

	entries := summarize(roster)
	pg := pagination.FromContext(c)
	end := pg.Offset + pg.Limit
	if end > len(entries) {
		end = len(entries)
	}
	window := []rosterEntry{}
	if pg.Offset < len(entries) {
		window = entries[pg.Offset:end]
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(window, len(entries), pg).
		WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) RefreshRoster(c echo.Context) error {
	if h.roster == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "roster source not configured")
	}
	h.mu.Lock()
	roster, err := h.roster.Refresh(c.Request().Context())
	h.mu.Unlock()
	if err != nil {
		return httpError(err)
	}

	submissions := 0
	for _, p := range roster {
		submissions += len(p.Plans)
	}
	h.logger.Info().
		Str("by", auth.UserIDFromContext(c.Request().Context())).
		Int("patients", len(roster)).
		Msg("roster refreshed")
	return c.JSON(http.StatusOK, map[string]int{
		"patients":    len(roster),
		"submissions": submissions,
	})
}

// httpError maps engine errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrMissingInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "qa server request timed out")
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	case errors.Is(err, ErrConnection):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
