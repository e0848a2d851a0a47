package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfbench/internal/db"
	"github.com/banshee-data/rfbench/internal/instrument"
	"github.com/banshee-data/rfbench/internal/result"
	"github.com/banshee-data/rfbench/internal/session"
	"github.com/banshee-data/rfbench/internal/timeutil"
)

type testServer struct {
	session *session.Session
	sim     *instrument.Simulated
	store   *session.MemoryStore
	mux     *http.ServeMux
}

func newTestServer(t *testing.T, device string) *testServer {
	t.Helper()
	sim := instrument.NewSimulated(device)
	store := session.NewMemoryStore()
	s, err := session.New(session.Options{
		Factory: sim,
		Clock:   timeutil.NewMockClock(time.Unix(0, 0)),
		Store:   store,
		Device:  device,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &testServer{session: s, sim: sim, store: store, mux: NewServer(s, store).ServeMux()}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.session.Wait(ctx))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

const smallVCOBody = `{"u_vco_min":0,"u_vco_max":1,"u_vco_delta":0.5,
	"u_src_drift_1":4.7,"u_src_drift_2":0,"u_src_drift_3":0,"measure_harmonics":false}`

func TestServer_MethodChecks(t *testing.T) {
	ts := newTestServer(t, "vco")

	testCases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/state", http.StatusOK},
		{http.MethodPost, "/api/state", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/connect", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/check", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/measure", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/cancel", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/params", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/result", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/result/template", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/runs", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/version", http.StatusOK},
		{http.MethodGet, "/api/calibration", http.StatusOK},
		{http.MethodPost, "/api/events", http.StatusMethodNotAllowed},
	}
	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := ts.do(t, tc.method, tc.path, "")
			if rec.Code != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, rec.Code)
			}
		})
	}
}

func TestServer_MeasureFlow(t *testing.T) {
	ts := newTestServer(t, "vco")

	rec := ts.do(t, http.MethodPut, "/api/params", smallVCOBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/measure", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/connect", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/measure", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "measure before check")

	rec = ts.do(t, http.MethodPost, "/api/check", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.wait(t)

	rec = ts.do(t, http.MethodPost, "/api/measure", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var start struct {
		Operation string `json:"operation"`
		RunID     string `json:"run_id"`
	}
	decode(t, rec, &start)
	assert.Equal(t, "measure", start.Operation)
	assert.NotEmpty(t, start.RunID)
	ts.wait(t)

	rec = ts.do(t, http.MethodGet, "/api/state", "")
	var state map[string]interface{}
	decode(t, rec, &state)
	assert.Equal(t, "vco", state["device"])
	assert.Equal(t, true, state["has_result"])
	assert.Equal(t, false, state["busy"])
	assert.Contains(t, state, "instruments")

	rec = ts.do(t, http.MethodGet, "/api/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap result.Snapshot
	decode(t, rec, &snap)
	assert.True(t, snap.Ready)
	assert.Len(t, snap.Raw, 3)

	rec = ts.do(t, http.MethodGet, "/api/result?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "group,"), lines[0])

	rec = ts.do(t, http.MethodGet, "/api/result?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/result/template", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tmpl, err := ts.store.LoadAdjustments("vco")
	require.NoError(t, err)
	assert.NotNil(t, tmpl)

	rec = ts.do(t, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []db.MeasurementRun
	decode(t, rec, &runs)
	require.Len(t, runs, 2)
	assert.Equal(t, start.RunID, runs[0].ID)
	assert.Equal(t, db.RunCompleted, runs[0].Status)

	rec = ts.do(t, http.MethodGet, "/api/runs?limit=1", "")
	decode(t, rec, &runs)
	assert.Len(t, runs, 1)

	rec = ts.do(t, http.MethodGet, "/api/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/runs/"+start.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run RunResponse
	decode(t, rec, &run)
	assert.Equal(t, "measure", run.Operation)
	assert.Len(t, run.RawPoints, 3)

	rec = ts.do(t, http.MethodGet, "/api/runs/no-such-run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ResultCSVNeedsResult(t *testing.T) {
	ts := newTestServer(t, "vco")
	rec := ts.do(t, http.MethodGet, "/api/result?format=csv", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/result", "")
	var snap result.Snapshot
	decode(t, rec, &snap)
	assert.False(t, snap.Ready)
}

func TestServer_Params(t *testing.T) {
	ts := newTestServer(t, "vco")

	rec := ts.do(t, http.MethodGet, "/api/params", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var params []ParamView
	decode(t, rec, &params)
	require.NotEmpty(t, params)
	byName := make(map[string]ParamView)
	for _, p := range params {
		byName[p.Name] = p
	}
	require.Contains(t, byName, "u_vco_max")
	assert.Equal(t, byName["u_vco_max"].Default, byName["u_vco_max"].Value)

	testCases := []struct {
		name string
		body string
		want int
	}{
		{"unknown parameter", `{"no_such_param":1}`, http.StatusBadRequest},
		{"wrong type", `{"u_vco_max":"high"}`, http.StatusBadRequest},
		{"malformed", `{"u_vco_max":`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{"valid", `{"u_vco_max":2.5}`, http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPut, "/api/params", tc.body)
			if rec.Code != tc.want {
				t.Errorf("Expected %v, got %v: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
	assert.Equal(t, 2.5, ts.session.Params().Float("u_vco_max"))

	rec = ts.do(t, http.MethodDelete, "/api/params", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ts.session.Variant().NewParameterSet().Float("u_vco_max"), ts.session.Params().Float("u_vco_max"))
}

func TestServer_Calibrate(t *testing.T) {
	ts := newTestServer(t, "vco")

	rec := ts.do(t, http.MethodPut, "/api/device", `{"device":"demod"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodPut, "/api/device", `{"device":"klystron"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/params", `{"f_lo_min":0.05,"f_lo_max":0.55,"f_lo_delta":0.5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	testCases := []struct {
		name string
		body string
		want int
	}{
		{"unknown kind", `{"kind":"phase"}`, http.StatusBadRequest},
		{"unsupported kind", `{"kind":"mod"}`, http.StatusBadRequest},
		{"not connected", `{"kind":"lo"}`, http.StatusConflict},
		{"missing body", ``, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/calibrate", tc.body)
			if rec.Code != tc.want {
				t.Errorf("Expected %v, got %v: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	require.NoError(t, ts.session.Connect(nil))
	rec = ts.do(t, http.MethodPost, "/api/calibrate", `{"kind":"lo"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ts.wait(t)

	rec = ts.do(t, http.MethodGet, "/api/calibration?kind=lo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tables []CalibrationResponse
	decode(t, rec, &tables)
	require.Len(t, tables, 1)
	assert.Equal(t, 2, tables[0].Points)
	assert.Len(t, tables[0].Entries, 2)

	rec = ts.do(t, http.MethodGet, "/api/calibration", "")
	decode(t, rec, &tables)
	assert.Len(t, tables, 3)

	rec = ts.do(t, http.MethodGet, "/api/calibration?kind=phase", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Connect(t *testing.T) {
	ts := newTestServer(t, "vco")

	rec := ts.do(t, http.MethodPost, "/api/connect", `{"addresses":{"analyzer":"nonsense"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.sim.SetPresent(instrument.RoleAnalyzer, false)
	rec = ts.do(t, http.MethodPost, "/api/connect", `{"addresses":{"analyzer":"GPIB1::20::INSTR"}}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "analyzer")
	assert.Equal(t, "GPIB1::20::INSTR", ts.session.Addresses()[instrument.RoleAnalyzer])

	ts.sim.SetPresent(instrument.RoleAnalyzer, true)
	rec = ts.do(t, http.MethodPost, "/api/connect", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CancelIdle(t *testing.T) {
	ts := newTestServer(t, "vco")
	rec := ts.do(t, http.MethodPost, "/api/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	decode(t, rec, &body)
	assert.False(t, body["cancelled"])
}

func TestServer_EventStream(t *testing.T) {
	ts := newTestServer(t, "vco")
	require.NoError(t, ts.session.SetParams(map[string]interface{}{
		"u_vco_min": 0.0, "u_vco_max": 1.0, "u_vco_delta": 0.5,
		"u_src_drift_1": 4.7, "u_src_drift_2": 0.0, "u_src_drift_3": 0.0,
		"measure_harmonics": false,
	}))
	require.NoError(t, ts.session.Connect(nil))
	require.NoError(t, ts.session.Check())
	ts.wait(t)

	srv := httptest.NewServer(ts.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	// The ping is written after the subscription exists.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	require.NoError(t, ts.session.Measure())

	var types []string
	var points []session.Event
	for len(types) == 0 || types[len(types)-1] != "finished" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: ") && types[len(types)-1] == "point":
			var e session.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
			points = append(points, e)
		}
	}

	assert.Equal(t, []string{"started", "point", "point", "point", "finished"}, types)
	require.Len(t, points, 3)
	for i, e := range points {
		assert.Equal(t, i, e.Index)
		require.NotNil(t, e.Point)
		assert.Equal(t, 4.7, e.Point.Get("u_src"))
	}
}
