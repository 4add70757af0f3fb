package plancheck

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// =========== Mock Client ===========

type mockClient struct {
	mu sync.Mutex

	roster    []byte
	rosterErr error
	details   map[string]string
	detailErr map[string]error
	dvh       map[string]string
	dvhErr    error

	rosterCalls int
	detailCalls []string
	dvhCalls    []string

	// onDetail runs before each detail fetch is answered.
	onDetail func(cid string)
}

func newMockClient() *mockClient {
	return &mockClient{
		details:   make(map[string]string),
		detailErr: make(map[string]error),
		dvh:       make(map[string]string),
	}
}

func (m *mockClient) FetchRoster(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rosterCalls++
	if m.rosterErr != nil {
		return nil, m.rosterErr
	}
	return m.roster, nil
}

func (m *mockClient) FetchCheckDetail(ctx context.Context, cid string) ([]byte, error) {
	m.mu.Lock()
	m.detailCalls = append(m.detailCalls, cid)
	hook := m.onDetail
	m.mu.Unlock()
	if hook != nil {
		hook(cid)
	}
	if err := m.detailErr[cid]; err != nil {
		return nil, err
	}
	if raw, ok := m.details[cid]; ok {
		return []byte(raw), nil
	}
	return []byte(`{}`), nil
}

func (m *mockClient) FetchDVH(ctx context.Context, cid string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dvhCalls = append(m.dvhCalls, cid)
	if m.dvhErr != nil {
		return nil, m.dvhErr
	}
	if raw, ok := m.dvh[cid]; ok {
		return []byte(raw), nil
	}
	return []byte(`{"dvh":[]}`), nil
}

func (m *mockClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rosterCalls + len(m.detailCalls) + len(m.dvhCalls)
}

// =========== Fixtures ===========

const (
	// 2024-03-01T12:00:00Z
	baseTime int64 = 1709294400
	hour     int64 = 3600
)

func plan(notes, status, cid string, ts int64) PlanSubmission {
	return PlanSubmission{Notes: notes, Status: status, RequestCID: cid, CreatedTimestamp: ts, HasResults: true}
}

func patient(id string, plans ...PlanSubmission) PatientRoster {
	return PatientRoster{PatientID: id, PatientName: "Name " + id, Plans: plans}
}

// rosterPayload renders a roster in the QA server's wire format.
func rosterPayload(patients ...PatientRoster) []byte {
	type wirePlan struct {
		Notes      string `json:"notes"`
		Created    int64  `json:"created_timestamp"`
		Status     string `json:"status"`
		RequestCID string `json:"request_cid"`
		HasResults bool   `json:"hasResults"`
	}
	type wirePatient struct {
		PatientID   string     `json:"patientId"`
		PatientName string     `json:"patientName"`
		CSSID       string     `json:"cssId"`
		Plans       []wirePlan `json:"plans"`
	}
	out := struct {
		Patients []wirePatient `json:"patients"`
	}{Patients: []wirePatient{}}
	for _, p := range patients {
		wp := wirePatient{PatientID: p.PatientID, PatientName: p.PatientName, CSSID: p.CSSID}
		for _, s := range p.Plans {
			wp.Plans = append(wp.Plans, wirePlan{
				Notes: s.Notes, Created: s.CreatedTimestamp, Status: s.Status,
				RequestCID: s.RequestCID, HasResults: s.HasResults,
			})
		}
		out.Patients = append(out.Patients, wp)
	}
	raw, _ := json.Marshal(out)
	return raw
}

type detailFixture struct {
	machine  string
	rotation string
	mlc      string
	limitSet string
	energies []float64
	rois     []string
}

// render produces a detail payload using the composite key spellings older
// servers emit, so every test exercises the key folding too.
func (f detailFixture) render() string {
	beams := map[string]interface{}{}
	for i, e := range f.energies {
		beams[fmt.Sprint(i+1)] = map[string]interface{}{"energy": e}
	}
	rois := map[string]interface{}{}
	for i, name := range f.rois {
		rois[fmt.Sprint(i+1)] = map[string]interface{}{"name": name, "volume": float64(10 * (i + 1))}
	}
	doc := map[string]interface{}{
		"fraction group info": map[string]interface{}{
			"machineName":              f.machine,
			"rotation":                 f.rotation,
			"mlcModel":                 f.mlc,
			"numberOfFractionsPlanned": 35,
		},
		"beam.info":    beams,
		"roi info":     rois,
		"limit set":    map[string]interface{}{"name": f.limitSet},
		"gammaSummary": map[string]interface{}{"doseCriteria": 3, "dtaCriteria": 2, "passRate": 99.1, "histogram": []float64{1, 2, 3}},
		"stray-voxel":  map[string]interface{}{"passed": true},
		"tps info":     map[string]interface{}{"name": "Eclipse", "version": "16.1"},
		"ct info":      map[string]interface{}{"patientPosition": "HFS"},
		"task.timings": map[string]interface{}{"doseCalculation": 41.5},
	}
	raw, _ := json.Marshal(doc)
	return string(raw)
}

var defaultDetail = detailFixture{
	machine:  "TrueBeam1",
	rotation: "VMAT",
	mlc:      "Millennium120",
	limitSet: "Prostate 70Gy",
	energies: []float64{6, 10},
	rois:     []string{"PTV_70", "Rectum", "Bladder"},
}
