package plancheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/plancheck/plancheck/internal/platform/auth"
)

func newTestHandler(c *mockClient) (*Handler, *echo.Echo) {
	src := NewRosterSource(c, nil, "roster", 0, zerolog.Nop())
	h := NewHandler(
		NewQueryEngine(c, src, zerolog.Nop()),
		NewMatcher(c, zerolog.Nop()),
		src,
		HandlerConfig{Inclusive: true},
		zerolog.Nop(),
	)
	return h, echo.New()
}

func twoPlanClient() *mockClient {
	c := newMockClient()
	c.roster = rosterPayload(
		patient("P1",
			plan("Prostate", StatusOK, "c1", baseTime),
			plan("Boost", StatusOK, "c2", baseTime-hour),
		),
	)
	c.details["c1"] = defaultDetail.render()
	c.details["c2"] = defaultDetail.render()
	return c
}

func get(e *echo.Echo, target string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	return httpErr.Code
}

func TestHandler_QueryPlanChecks_JSON(t *testing.T) {
	h, e := newTestHandler(twoPlanClient())

	c, rec := get(e, "/api/v1/plan-checks?machine=truebeam&_count=1")
	if err := h.QueryPlanChecks(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		RunID   string            `json:"run_id"`
		Stats   ScanStats         `json:"stats"`
		Data    []ResultRow       `json:"data"`
		Total   int               `json:"total"`
		HasMore bool              `json:"has_more"`
		Links   map[string]string `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.RunID == "" {
		t.Error("expected run id")
	}
	if body.Total != 2 || len(body.Data) != 1 || !body.HasMore {
		t.Fatalf("unexpected page: total=%d rows=%d more=%v", body.Total, len(body.Data), body.HasMore)
	}
	if body.Data[0].RequestCID != "c1" {
		t.Errorf("expected newest row first, got %s", body.Data[0].RequestCID)
	}
	if body.Stats.Accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", body.Stats.Accepted)
	}
	if !strings.Contains(body.Links["next"], "machine=truebeam") {
		t.Errorf("expected filters kept in next link, got %q", body.Links["next"])
	}
}

func TestHandler_QueryPlanChecks_RepeatedParamsAreAlternatives(t *testing.T) {
	c := twoPlanClient()
	c.details["c2"] = detailFixture{machine: "Halcyon2", rotation: "IMRT", mlc: "SX2", limitSet: "Boost", energies: []float64{6}}.render()
	h, e := newTestHandler(c)

	ctx, rec := get(e, "/api/v1/plan-checks?machine=halcyon&machine=truebeam")
	if err := h.QueryPlanChecks(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 {
		t.Errorf("expected both machines to match, got %d", body.Total)
	}

	ctx, rec = get(e, "/api/v1/plan-checks?machine=halcyon&rotation=vmat")
	if err := h.QueryPlanChecks(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 0 {
		t.Errorf("expected different criteria to be ANDed, got %d", body.Total)
	}
}

func TestHandler_QueryPlanChecks_BadInput(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"invalid pattern", "/api/v1/plan-checks?machine=("},
		{"invalid energy", "/api/v1/plan-checks?energy=high"},
		{"unknown format", "/api/v1/plan-checks?format=pdf"},
		{"bad date", "/api/v1/plan-checks?date=yesterday"},
		{"range without date", "/api/v1/plan-checks?range_hours=5"},
		{"bad range", "/api/v1/plan-checks?date=2024-03-01&range_hours=x"},
		{"negative range", "/api/v1/plan-checks?date=2024-03-01&range_hours=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := twoPlanClient()
			h, e := newTestHandler(mc)
			c, _ := get(e, tt.target)
			if code := statusOf(t, h.QueryPlanChecks(c)); code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
			if mc.calls() != 0 {
				t.Errorf("expected no network calls, got %d", mc.calls())
			}
		})
	}
}

func TestHandler_QueryPlanChecks_DateWindow(t *testing.T) {
	h, e := newTestHandler(twoPlanClient())

	c, rec := get(e, "/api/v1/plan-checks?date=2024-03-01T12:00&range_hours=0.5")
	if err := h.QueryPlanChecks(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data []ResultRow `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Data) != 1 || body.Data[0].RequestCID != "c1" {
		t.Errorf("expected only c1 inside the window, got %+v", body.Data)
	}
}

func TestHandler_QueryPlanChecks_CSV(t *testing.T) {
	h, e := newTestHandler(twoPlanClient())

	c, rec := get(e, "/api/v1/plan-checks?format=csv")
	if err := h.QueryPlanChecks(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, ".csv") {
		t.Errorf("unexpected disposition %q", cd)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "Patient ID") {
		t.Errorf("unexpected csv body:\n%s", rec.Body.String())
	}
}

func TestHandler_QueryPlanChecks_XLSX(t *testing.T) {
	h, e := newTestHandler(twoPlanClient())

	c, rec := get(e, "/api/v1/plan-checks?format=XLSX")
	if err := h.QueryPlanChecks(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("workbook not readable: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("expected header plus 2 rows, got %d", len(rows))
	}
}

func TestHandler_QueryPlanChecks_UpstreamFailure(t *testing.T) {
	c := newMockClient()
	c.rosterErr = errors.New("connection refused")
	h, e := newTestHandler(c)

	ctx, _ := get(e, "/api/v1/plan-checks")
	if code := statusOf(t, h.QueryPlanChecks(ctx)); code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", code)
	}
}

func TestHandler_MatchPlanCheck(t *testing.T) {
	h, e := newTestHandler(twoPlanClient())

	c, rec := get(e, "/api/v1/plan-checks/match?patient_id=P1&plan_name=boost")
	if err := h.MatchPlanCheck(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var m Match
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if m.Submission.RequestCID != "c2" || m.Row.MachineName != "TrueBeam1" {
		t.Errorf("unexpected match %+v", m)
	}
}

func TestHandler_MatchPlanCheck_ByDate(t *testing.T) {
	h, e := newTestHandler(twoPlanClient())

	c, rec := get(e, "/api/v1/plan-checks/match?patient_id=P1&date=2024-03-01T11:10&range_hours=0.25")
	if err := h.MatchPlanCheck(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var m Match
	json.Unmarshal(rec.Body.Bytes(), &m)
	if m.Submission.RequestCID != "c2" {
		t.Errorf("expected c2 by date, got %q", m.Submission.RequestCID)
	}
}

func TestHandler_MatchPlanCheck_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		code   int
		calls  bool
	}{
		{"missing patient", "/api/v1/plan-checks/match?plan_name=Boost", http.StatusBadRequest, false},
		{"neither name nor date", "/api/v1/plan-checks/match?patient_id=P1", http.StatusBadRequest, false},
		{"both name and date", "/api/v1/plan-checks/match?patient_id=P1&plan_name=Boost&date=2024-03-01", http.StatusBadRequest, false},
		{"not found", "/api/v1/plan-checks/match?patient_id=P1&plan_name=Lung", http.StatusNotFound, true},
		{"unknown patient", "/api/v1/plan-checks/match?patient_id=P9&plan_name=Boost", http.StatusNotFound, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := twoPlanClient()
			h, e := newTestHandler(mc)
			c, _ := get(e, tt.target)
			if code := statusOf(t, h.MatchPlanCheck(c)); code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, code)
			}
			if (mc.calls() > 0) != tt.calls {
				t.Errorf("unexpected network activity: %d calls", mc.calls())
			}
		})
	}
}

func TestHandler_ListRoster(t *testing.T) {
	c := newMockClient()
	c.roster = rosterPayload(
		patient("P1", plan("a", StatusOK, "c1", baseTime)),
		patient("P2", plan("b", StatusOK, "c2", baseTime-hour), plan("c", StatusOK, "c3", baseTime-2*hour)),
		patient("P3"),
	)
	h, e := newTestHandler(c)

	ctx, rec := get(e, "/api/v1/roster?_count=2&_offset=1")
	if err := h.ListRoster(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []rosterEntry `json:"data"`
		Total int           `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.Total != 3 || len(body.Data) != 2 {
		t.Fatalf("unexpected page %+v", body)
	}
	if body.Data[0].PatientID != "P2" || body.Data[0].Submissions != 2 || body.Data[0].Latest == nil {
		t.Errorf("unexpected entry %+v", body.Data[0])
	}
	if body.Data[1].Latest != nil {
		t.Error("expected no latest time for a patient without submissions")
	}

	ctx, rec = get(e, "/api/v1/roster?_offset=10")
	if err := h.ListRoster(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty page, got %s", rec.Body.String())
	}
}

// withRoles stands in for the auth middleware.
func withRoles(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func TestHandler_RegisterRoutes_Roles(t *testing.T) {
	tests := []struct {
		name   string
		roles  []string
		method string
		path   string
		code   int
	}{
		{"reader lists roster", []string{auth.RoleReader}, http.MethodGet, "/api/v1/roster", http.StatusOK},
		{"reader cannot refresh", []string{auth.RoleReader}, http.MethodPost, "/api/v1/roster/refresh", http.StatusForbidden},
		{"admin refreshes", []string{auth.RoleAdmin}, http.MethodPost, "/api/v1/roster/refresh", http.StatusOK},
		{"anonymous denied", nil, http.MethodGet, "/api/v1/plan-checks", http.StatusForbidden},
		{"admin queries", []string{auth.RoleAdmin}, http.MethodGet, "/api/v1/plan-checks", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler(twoPlanClient())
			h.RegisterRoutes(e.Group("/api/v1", withRoles(tt.roles...)))

			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_RefreshRoster(t *testing.T) {
	c := twoPlanClient()
	h, e := newTestHandler(c)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/roster/refresh", nil)
	rec := httptest.NewRecorder()
	if err := h.RefreshRoster(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]int
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["patients"] != 1 || body["submissions"] != 2 {
		t.Errorf("unexpected body %v", body)
	}
	if c.rosterCalls != 1 {
		t.Errorf("expected one roster fetch, got %d", c.rosterCalls)
	}
}

func TestHandler_WithoutRosterSource(t *testing.T) {
	c := twoPlanClient()
	h := NewHandler(NewQueryEngine(c, nil, zerolog.Nop()), NewMatcher(c, zerolog.Nop()), nil, HandlerConfig{}, zerolog.Nop())
	e := echo.New()

	ctx, _ := get(e, "/api/v1/roster")
	if code := statusOf(t, h.ListRoster(ctx)); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}

	ctx, rec := get(e, "/api/v1/plan-checks/match?patient_id=P1&plan_name=Prostate")
	if err := h.MatchPlanCheck(ctx); err != nil {
		t.Fatalf("expected matcher to fetch its own roster: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{missingInput("x"), http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{&ConnectionError{Op: "fetch roster", Err: errors.New("refused")}, http.StatusBadGateway},
		{&ConnectionError{Op: "fetch roster", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{fmt.Errorf("scan: %w", context.Canceled), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if code := statusOf(t, httpError(tt.err)); code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, code)
		}
	}
}
