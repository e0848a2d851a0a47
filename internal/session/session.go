// Package session owns one bench: the connected instruments, the selected
// device variant and its parameters, the calibration tables and the result
// of the last measurement. Check, Calibrate and Measure run one at a time
// in the background and report through events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/banshee-data/rfbench/internal/calibration"
	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/db"
	"github.com/banshee-data/rfbench/internal/instrument"
	"github.com/banshee-data/rfbench/internal/monitoring"
	"github.com/banshee-data/rfbench/internal/result"
	"github.com/banshee-data/rfbench/internal/sweep"
	"github.com/banshee-data/rfbench/internal/timeutil"
)

var logf = monitoring.Tagged("session")

var (
	ErrBusy         = errors.New("another operation is running")
	ErrNotConnected = errors.New("instruments not connected")
	ErrNotChecked   = errors.New("sample not checked")
	ErrBadAddress   = errors.New("invalid instrument address")
)

// Operation names a background invocation.
type Operation string

const (
	OpCheck     Operation = "check"
	OpCalibrate Operation = "calibrate"
	OpMeasure   Operation = "measure"
)

// Options configure a Session. Registry, Factory and Store default to the
// built-in variants, the simulated bench and an in-memory store.
type Options struct {
	Registry  *sweep.Registry
	Factory   instrument.Factory
	Clock     timeutil.Clock
	Store     Store
	Device    string
	Addresses map[string]string
}

// Session is safe for concurrent use.
type Session struct {
	registry *sweep.Registry
	factory  instrument.Factory
	clock    timeutil.Clock
	store    Store
	cal      *calibration.Store
	hub      *Hub

	mu        sync.RWMutex
	variant   *sweep.Variant
	params    *config.ParameterSet
	acc       *result.Accumulator
	addresses map[string]string
	handles   map[string]instrument.Handle
	engine    *sweep.Engine
	found     bool
	present   bool
	hasResult bool

	busy    bool
	op      Operation
	token   *sweep.Token
	runID   string
	lastErr error
	done    chan struct{}
}

// New builds a session, loads persisted calibration tables and addresses,
// and selects the configured device.
func New(opts Options) (*Session, error) {
	s := &Session{
		registry:  opts.Registry,
		factory:   opts.Factory,
		clock:     opts.Clock,
		store:     opts.Store,
		hub:       NewHub(),
		addresses: make(map[string]string),
	}
	if s.registry == nil {
		s.registry = sweep.DefaultRegistry()
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}

	s.cal = calibration.NewStore(s.store)
	if err := s.cal.Load(); err != nil {
		return nil, err
	}

	saved, err := s.store.Addresses()
	if err != nil {
		return nil, fmt.Errorf("load instrument addresses: %w", err)
	}
	for role, addr := range config.DefaultBenchConfig().GetAddresses() {
		s.addresses[role] = addr
	}
	for role, addr := range saved {
		s.addresses[role] = addr
	}
	for role, addr := range opts.Addresses {
		s.addresses[role] = addr
	}

	device := opts.Device
	if device == "" {
		device = s.registry.Names()[0]
	}
	if s.factory == nil {
		s.factory = instrument.NewSimulated(device)
	}
	if err := s.SelectDevice(device); err != nil {
		return nil, err
	}
	return s, nil
}

// Events returns the session's event hub.
func (s *Session) Events() *Hub { return s.hub }

// Calibration returns the active calibration tables.
func (s *Session) Calibration() *calibration.Store { return s.cal }

// Registry returns the known device variants.
func (s *Session) Registry() *sweep.Registry { return s.registry }

// SelectDevice switches the session to another variant. Its saved
// parameters and adjustment template are loaded and the previous result,
// connection and sample check are dropped.
func (s *Session) SelectDevice(name string) error {
	v, err := s.registry.Get(name)
	if err != nil {
		return err
	}
	ps := v.NewParameterSet()
	saved, err := s.store.LoadParameters(v.Name)
	if err != nil {
		return fmt.Errorf("load %s parameters: %w", v.Name, err)
	}
	if saved != nil {
		// Saved snapshots may predate newer parameters; keep their defaults.
		merged := ps.Values()
		for k, val := range saved {
			merged[k] = val
		}
		ps.Replace(merged)
	}
	acc := result.NewAccumulator(v.Profile, s.store)
	if err := acc.Clear(); err != nil {
		return err
	}
	acc.SetParams(ps)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	if sim, ok := s.factory.(*instrument.Simulated); ok {
		sim.SetDevice(v.Name)
	}
	s.variant = v
	s.params = ps
	s.acc = acc
	s.handles = nil
	s.engine = nil
	s.found, s.present, s.hasResult = false, false, false
	logf("selected device %s", v.Name)
	return nil
}

// Variant returns the selected device variant.
func (s *Session) Variant() *sweep.Variant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.variant
}

// Params returns a copy of the current parameter set.
func (s *Session) Params() *config.ParameterSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.Clone()
}

// SetParams applies edits to known parameters and saves the result. The
// stored adjustment template no longer matches the sweep grid, so it is
// discarded.
func (s *Session) SetParams(values map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	next := s.params.Clone()
	for name, v := range values {
		if _, err := next.Spec(name); err != nil {
			return err
		}
		if err := next.Set(name, v); err != nil {
			return err
		}
	}
	return s.installParamsLocked(next)
}

// ResetParams restores every parameter default.
func (s *Session) ResetParams() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	next := s.params.Clone()
	next.Reset()
	return s.installParamsLocked(next)
}

func (s *Session) installParamsLocked(next *config.ParameterSet) error {
	name := s.variant.Name
	if err := s.store.SaveParameters(name, next.Values()); err != nil {
		return fmt.Errorf("save %s parameters: %w", name, err)
	}
	if err := s.store.DeleteAdjustments(s.variant.Profile.Name); err != nil {
		return fmt.Errorf("discard %s adjustments: %w", name, err)
	}
	s.params = next
	s.acc.SetParams(next)
	s.acc.SetAdjustments(nil)
	s.hub.Publish(Event{Type: EventParams})
	return nil
}

// Addresses returns the instrument address of every role.
func (s *Session) Addresses() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.addresses))
	for k, v := range s.addresses {
		out[k] = v
	}
	return out
}

// Connect opens every instrument the variant needs. overrides replace the
// address of individual roles and are saved. The session is connected only
// when every instrument answers.
func (s *Session) Connect(overrides map[string]string) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	for role, addr := range overrides {
		if _, err := config.ParseGPIBAddress(addr); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%w for %s: %w", ErrBadAddress, role, err)
		}
	}
	for role, addr := range overrides {
		s.addresses[role] = addr
	}
	roles := append([]string(nil), s.variant.Roles...)
	addrs := make(map[string]string, len(roles))
	for _, role := range roles {
		addrs[role] = s.addresses[role]
	}
	s.mu.Unlock()

	var errs error
	for role, addr := range overrides {
		errs = multierr.Append(errs, s.store.SaveAddress(role, addr))
	}

	handles := make(map[string]instrument.Handle, len(roles))
	var missing []string
	for _, role := range roles {
		h, err := s.factory.Open(role, addrs[role])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("open %s at %s: %w", role, addrs[role], err))
			missing = append(missing, role)
			continue
		}
		handles[role] = h
		if !h.Find() {
			missing = append(missing, role)
		}
		logf("%s: %s", role, h.Status())
	}
	found := len(missing) == 0

	s.mu.Lock()
	s.handles = handles
	s.engine = sweep.NewEngine(sweep.NewBench(s.clock, handles))
	s.found = found
	s.present = false
	s.mu.Unlock()
	s.hub.Publish(Event{Type: EventState, Status: "connected"})

	if !found {
		sort.Strings(missing)
		errs = multierr.Append(errs, fmt.Errorf("%w: %s not found", ErrNotConnected, strings.Join(missing, ", ")))
	}
	return errs
}

// InstrumentStatus returns the status line of every opened instrument.
func (s *Session) InstrumentStatus() map[string]string {
	s.mu.RLock()
	handles := s.handles
	s.mu.RUnlock()
	out := make(map[string]string, len(handles))
	for role, h := range handles {
		out[role] = h.Status()
	}
	return out
}

// State is a point-in-time view of the session.
type State struct {
	Device      string                   `json:"device"`
	Devices     []string                 `json:"devices"`
	Found       bool                     `json:"found"`
	Present     bool                     `json:"present"`
	HasResult   bool                     `json:"has_result"`
	Busy        bool                     `json:"busy"`
	Operation   Operation                `json:"operation,omitempty"`
	RunID       string                   `json:"run_id,omitempty"`
	Engine      sweep.State              `json:"engine"`
	Progress    sweep.Progress           `json:"progress"`
	LastError   string                   `json:"last_error,omitempty"`
	Calibration map[calibration.Kind]int `json:"calibration"`
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	st := State{
		Device:    s.variant.Name,
		Devices:   s.registry.Names(),
		Found:     s.found,
		Present:   s.present,
		HasResult: s.hasResult,
		Busy:      s.busy,
		Operation: s.op,
		RunID:     s.runID,
		Engine:    sweep.StateIdle,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	engine := s.engine
	s.mu.RUnlock()

	if engine != nil {
		st.Engine = engine.State()
		st.Progress = engine.Progress()
	}
	st.Calibration = s.cal.Summary()
	return st
}

// Result returns a snapshot of the accumulated result. Ready is false
// until a measurement completes.
func (s *Session) Result() result.Snapshot {
	s.mu.RLock()
	acc := s.acc
	s.mu.RUnlock()
	return acc.Snapshot()
}

// SaveTemplate saves the adjustment template of the current device,
// synthesizing a zero template from the last result when none exists.
func (s *Session) SaveTemplate() error {
	s.mu.RLock()
	busy, acc := s.busy, s.acc
	s.mu.RUnlock()
	if busy {
		return ErrBusy
	}
	return acc.SaveAdjustmentTemplate()
}

// Check resets the instruments and marks the sample present.
func (s *Session) Check() error {
	s.mu.RLock()
	v := s.variant
	s.mu.RUnlock()

	plan := &sweep.Plan{Name: "check", Prepare: v.Init}
	return s.start(OpCheck, false, func(run *runContext) error {
		if err := run.engine.Run(run.token, plan, nil); err != nil {
			return err
		}
		s.mu.Lock()
		s.present = true
		s.mu.Unlock()
		return nil
	})
}

// Calibrate runs the calibration sweep of kind and installs the table when
// it completes.
func (s *Session) Calibrate(kind calibration.Kind) error {
	s.mu.RLock()
	v, ps := s.variant, s.params.Clone()
	s.mu.RUnlock()

	plan, table, err := v.CalibrationPlan(kind, ps)
	if err != nil {
		return err
	}
	return s.start(OpCalibrate, false, func(run *runContext) error {
		if err := run.engine.Run(run.token, plan, run.record); err != nil {
			return err
		}
		return s.cal.Replace(table)
	})
}

// Measure runs the selected variant's measurement. The previous result is
// cleared first; a cancelled measurement leaves no result.
func (s *Session) Measure() error {
	s.mu.RLock()
	v, ps, acc := s.variant, s.params.Clone(), s.acc
	s.mu.RUnlock()

	return s.start(OpMeasure, true, func(run *runContext) error {
		if err := acc.Clear(); err != nil {
			return err
		}
		acc.SetParams(ps)
		plan, err := v.Build(ps, sweep.Env{Cal: s.cal, Adjust: acc.Adjustments()})
		if err != nil {
			return err
		}
		err = run.engine.Run(run.token, plan, func(p result.RawPoint) {
			acc.AddPoint(p)
			run.record(p)
		})
		if err != nil {
			return err
		}
		acc.Finalize()
		s.mu.Lock()
		s.hasResult = true
		s.mu.Unlock()
		return nil
	})
}

// Cancel flips the token of the running operation. It reports whether
// anything was running.
func (s *Session) Cancel() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.busy || s.token == nil {
		return false
	}
	s.token.Cancel()
	logf("cancel requested for %s", s.op)
	return true
}

// Wait blocks until the running operation finishes and returns its error.
// It returns nil at once when the session is idle.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Close cancels any running operation, waits for it and ends every event
// subscription.
func (s *Session) Close() error {
	s.Cancel()
	s.Wait(context.Background())
	s.hub.Close()
	return nil
}

type runContext struct {
	session *Session
	op      Operation
	runID   string
	token   *sweep.Token
	engine  *sweep.Engine

	points   int
	storeErr error
}

// record persists and publishes one raw point. Store failures do not stop
// the sweep; the first is reported with the run.
func (r *runContext) record(p result.RawPoint) {
	seq := r.points
	r.points++
	if err := r.session.store.AppendRunPoint(r.runID, seq, p); err != nil && r.storeErr == nil {
		r.storeErr = err
		logf("run %s: %v", r.runID, err)
	}
	point := p
	r.session.hub.Publish(Event{
		Type:      EventPoint,
		Operation: r.op,
		RunID:     r.runID,
		Index:     seq,
		Point:     &point,
	})
}

func (s *Session) start(op Operation, needSample bool, body func(*runContext) error) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	if !s.found || s.engine == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if needSample && !s.present {
		s.mu.Unlock()
		return ErrNotChecked
	}

	run := &runContext{
		session: s,
		op:      op,
		token:   sweep.NewToken(),
		engine:  s.engine,
	}
	record := &db.MeasurementRun{
		Device:    s.variant.Name,
		Operation: string(op),
		Params:    s.params.Values(),
	}
	if err := s.store.CreateRun(record); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("record %s run: %w", op, err)
	}
	run.runID = record.ID

	s.busy = true
	s.op = op
	s.token = run.token
	s.runID = run.runID
	s.lastErr = nil
	if op == OpMeasure {
		s.hasResult = false
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	s.hub.Publish(Event{Type: EventStarted, Operation: op, RunID: run.runID})
	logf("%s started (run %s)", op, run.runID)

	go s.finish(run, done, body)
	return nil
}

func (s *Session) finish(run *runContext, done chan struct{}, body func(*runContext) error) {
	var err error
	defer func() {
		status := db.RunCompleted
		switch {
		case errors.Is(err, sweep.ErrCancelled):
			status = db.RunCancelled
		case err != nil:
			status = db.RunFailed
		}
		runErr := err
		if runErr == nil {
			runErr = run.storeErr
		}
		if ferr := s.store.FinishRun(run.runID, status, run.points, runErr); ferr != nil {
			logf("run %s: %v", run.runID, ferr)
		}

		s.mu.Lock()
		s.busy = false
		s.token = nil
		s.lastErr = err
		s.mu.Unlock()

		e := Event{Type: EventFinished, Operation: run.op, RunID: run.runID, Status: status}
		if err != nil {
			e.Error = err.Error()
		}
		s.hub.Publish(e)
		logf("%s %s after %d points", run.op, status, run.points)
		close(done)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", run.op, r)
		}
	}()
	err = body(run)
}
