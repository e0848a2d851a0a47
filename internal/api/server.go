// Package api serves the bench session over HTTP.
package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/db"
	"github.com/banshee-data/rfbench/internal/httputil"
	"github.com/banshee-data/rfbench/internal/result"
	"github.com/banshee-data/rfbench/internal/session"
	"github.com/banshee-data/rfbench/internal/sweep"
	"github.com/banshee-data/rfbench/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// RunHistory reads back recorded runs. *db.DB and *session.MemoryStore
// implement it.
type RunHistory interface {
	ListRuns(limit int) ([]db.MeasurementRun, error)
	GetRun(id string) (*db.MeasurementRun, error)
	RunPoints(id string) ([]result.RawPoint, error)
}

type Server struct {
	session *session.Session
	runs    RunHistory
}

func NewServer(s *session.Session, runs RunHistory) *Server {
	return &Server{session: s, runs: runs}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/device", s.handleDevice)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/check", s.handleCheck)
	mux.HandleFunc("/api/calibrate", s.handleCalibrate)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/measure", s.handleMeasure)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/params", s.handleParams)
	mux.HandleFunc("/api/result", s.handleResult)
	mux.HandleFunc("/api/result/template", s.handleTemplate)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunByID)
	mux.HandleFunc("/api/version", s.handleVersion)
	return mux
}

// writeSessionError maps session errors to status codes. Conflicts with the
// session's state are 409; anything else the caller asked for is a 400.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrNotChecked):
		httputil.Conflict(w, err.Error())
	default:
		httputil.BadRequest(w, err.Error())
	}
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	session.State
	Addresses   map[string]string `json:"addresses"`
	Instruments map[string]string `json:"instruments"`
	Variant     *sweep.Variant    `json:"variant"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, StateResponse{
		State:       s.session.State(),
		Addresses:   s.session.Addresses(),
		Instruments: s.session.InstrumentStatus(),
		Variant:     s.session.Variant(),
	})
}

type deviceRequest struct {
	Device string `json:"device"`
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req deviceRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.session.SelectDevice(req.Device); err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.session.State())
}

type connectRequest struct {
	Addresses map[string]string `json:"addresses"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req connectRequest
	if err := httputil.ReadOptionalJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	err := s.session.Connect(req.Addresses)
	switch {
	case errors.Is(err, session.ErrBusy):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, session.ErrBadAddress):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		// Some instruments did not answer; report what was found.
		httputil.WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":       err.Error(),
			"instruments": s.session.InstrumentStatus(),
		})
	default:
		httputil.WriteJSONOK(w, map[string]interface{}{
			"found":       true,
			"instruments": s.session.InstrumentStatus(),
		})
	}
}

// started is the body returned when a background operation begins.
type started struct {
	Operation session.Operation `json:"operation"`
	RunID     string            `json:"run_id"`
}

func (s *Server) accepted(w http.ResponseWriter) {
	st := s.session.State()
	httputil.WriteJSON(w, http.StatusAccepted, started{Operation: st.Operation, RunID: st.RunID})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.session.Check(); err != nil {
		writeSessionError(w, err)
		return
	}
	s.accepted(w)
}

type calibrateRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req calibrateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	kind, err := calibration.ParseKind(req.Kind)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.session.Calibrate(kind); err != nil {
		writeSessionError(w, err)
		return
	}
	s.accepted(w)
}

// CalibrationResponse describes one calibration table.
type CalibrationResponse struct {
	Kind    calibration.Kind    `json:"kind"`
	Points  int                 `json:"points"`
	Entries []calibration.Entry `json:"entries"`
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	kinds := calibration.Kinds
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := calibration.ParseKind(k)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		kinds = []calibration.Kind{kind}
	}
	out := make([]CalibrationResponse, 0, len(kinds))
	for _, kind := range kinds {
		resp := CalibrationResponse{Kind: kind, Entries: []calibration.Entry{}}
		if t := s.session.Calibration().Table(kind); t != nil {
			resp.Points = t.Len()
			resp.Entries = t.Entries
		}
		out = append(out, resp)
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.session.Measure(); err != nil {
		writeSessionError(w, err)
		return
	}
	s.accepted(w)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"cancelled": s.session.Cancel()})
}

// ParamView is one parameter with its spec and current value.
type ParamView struct {
	config.Param
	Value interface{} `json:"value"`
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut, http.MethodPatch:
		var values map[string]interface{}
		if err := httputil.ReadJSON(r, &values); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.session.SetParams(values); err != nil {
			writeSessionError(w, err)
			return
		}
	case http.MethodDelete:
		if err := s.session.ResetParams(); err != nil {
			writeSessionError(w, err)
			return
		}
	default:
		httputil.MethodNotAllowed(w)
		return
	}

	ps := s.session.Params()
	values := ps.Values()
	specs := ps.Specs()
	out := make([]ParamView, len(specs))
	for i, p := range specs {
		out[i] = ParamView{Param: p, Value: values[p.Name]}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.session.Result()
	switch r.URL.Query().Get("format") {
	case "", "json":
		httputil.WriteJSONOK(w, snap)
	case "csv":
		if !snap.Ready {
			httputil.NotFound(w, "no measurement result")
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", snap.Profile))
		if err := writeResultCSV(w, snap); err != nil {
			log.Printf("failed to write result csv: %v", err)
		}
	default:
		httputil.BadRequest(w, "format must be json or csv")
	}
}

func writeResultCSV(w http.ResponseWriter, snap result.Snapshot) error {
	cw := csv.NewWriter(w)
	header := append([]string{"group"}, snap.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, p := range snap.Processed {
		row := make([]string, 0, len(header))
		row = append(row, p.Group)
		for _, col := range snap.Columns {
			row = append(row, strconv.FormatFloat(p.Fields[col], 'f', -1, 64))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (s *Server) handleTemplate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.session.SaveTemplate(); err != nil {
		if errors.Is(err, session.ErrBusy) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.session.Result().Adjustments)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.MeasurementRun{}
	}
	httputil.WriteJSONOK(w, runs)
}

// RunResponse is a recorded run with its raw points.
type RunResponse struct {
	db.MeasurementRun
	RawPoints []result.RawPoint `json:"raw_points"`
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if id == "" {
		httputil.BadRequest(w, "missing run id")
		return
	}
	run, err := s.runs.GetRun(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load run: %v", err))
		return
	}
	if run == nil {
		httputil.NotFound(w, fmt.Sprintf("run %s not found", id))
		return
	}
	points, err := s.runs.RunPoints(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load run points: %v", err))
		return
	}
	if points == nil {
		points = []result.RawPoint{}
	}
	httputil.WriteJSONOK(w, RunResponse{MeasurementRun: *run, RawPoints: points})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// encodeEvent renders e as one server-sent event.
func encodeEvent(e session.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)), nil
}
