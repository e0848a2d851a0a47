package sweep

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/banshee-data/rfbench/internal/monitoring"
)

var logf = monitoring.Tagged("sweep")

// ErrCancelled is returned when a sweep stops because its token was
// cancelled. The safe-shutdown sequence has always run by then.
var ErrCancelled = errors.New("measurement cancelled")

// State is the engine lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateInitialising State = "initialising"
	StateSweeping     State = "sweeping"
	StateCancelling   State = "cancelling"
	StateSafeShutdown State = "safe_shutdown"
	StateCompleting   State = "completing"
)

// Pass is one ordered traversal of coordinates.
type Pass struct {
	Name string
	// Coords computes the coordinates when the pass starts, so a pass can
	// depend on points emitted by earlier passes.
	Coords func(r *Run) []Coord
	// Begin, when set, runs once before the first coordinate, after its
	// cancellation check. Passes with no coordinates never begin.
	Begin func(r *Run) error
	// Point measures one coordinate and emits its raw points.
	Point func(r *Run, c Coord) error
}

// Plan is everything the engine needs to run one sweep.
type Plan struct {
	Name string
	// Prepare configures the instruments before the first pass.
	Prepare []Step
	Passes  []Pass
	// Shutdown is the safe-shutdown sequence issued on cancellation.
	Shutdown []Step
	// Teardown restores the bench after completion or a fault.
	Teardown []Step
}

// Progress describes where a running sweep is.
type Progress struct {
	Plan    string `json:"plan"`
	Pass    string `json:"pass"`
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Emitted int    `json:"emitted"`
}

// Engine executes plans against a bench, one at a time.
type Engine struct {
	bench *Bench

	runMu sync.Mutex

	mu       sync.RWMutex
	state    State
	progress Progress
}

// NewEngine returns an idle engine for bench.
func NewEngine(bench *Bench) *Engine {
	return &Engine{bench: bench, state: StateIdle}
}

// Bench returns the engine's bench.
func (e *Engine) Bench() *Bench {
	return e.bench
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Progress returns a copy of the current progress.
func (e *Engine) Progress() Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progress
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) setProgress(p Progress) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
}

// exitGuard runs exactly one of the shutdown or teardown sequences, once,
// however the sweep ends.
type exitGuard struct {
	once sync.Once
	run  *Run
}

func (g *exitGuard) finish(steps []Step) error {
	var err error
	g.once.Do(func() {
		err = g.run.DoAll(steps...)
	})
	return err
}

// Run executes plan, emitting raw points to sink. It blocks until the sweep
// ends and is meant to be called off the caller's goroutine.
//
// The token is checked before setup and before every coordinate. When it is
// set, only the plan's shutdown steps are issued and ErrCancelled is
// returned. Otherwise teardown runs exactly once, also when there are no
// coordinates, when a step fails and when a callback panics. Faults are not
// retried.
func (e *Engine) Run(tok *Token, plan *Plan, sink Sink) (err error) {
	if tok == nil {
		tok = NewToken()
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()

	run := newRun(e.bench, sink)
	guard := &exitGuard{run: run}
	started := e.bench.clock.Now()

	defer func() {
		if p := recover(); p != nil {
			err = multierr.Append(fmt.Errorf("%s: panic during sweep: %v", plan.Name, p), guard.finish(plan.Teardown))
		}
		e.setState(StateIdle)
		if err != nil && !errors.Is(err, ErrCancelled) {
			logf("%s failed after %d points: %v", plan.Name, run.Emitted(), err)
		}
	}()

	e.setState(StateInitialising)
	e.setProgress(Progress{Plan: plan.Name})
	logf("%s starting", plan.Name)

	if tok.Cancelled() {
		return e.cancel(guard, plan, run)
	}
	if err := run.Do(plan.Prepare...); err != nil {
		return multierr.Append(fmt.Errorf("%s: prepare: %w", plan.Name, err), guard.finish(plan.Teardown))
	}

	e.setState(StateSweeping)
	for _, pass := range plan.Passes {
		var coords []Coord
		if pass.Coords != nil {
			coords = pass.Coords(run)
		}
		run.pass = pass.Name
		for i, c := range coords {
			if tok.Cancelled() {
				return e.cancel(guard, plan, run)
			}
			run.index = i
			e.setProgress(Progress{Plan: plan.Name, Pass: pass.Name, Index: i, Total: len(coords), Emitted: run.Emitted()})

			if i == 0 && pass.Begin != nil {
				if err := pass.Begin(run); err != nil {
					return multierr.Append(fmt.Errorf("%s: %s: %w", plan.Name, pass.Name, err), guard.finish(plan.Teardown))
				}
			}
			if err := pass.Point(run, c); err != nil {
				return multierr.Append(fmt.Errorf("%s: %s point %d/%d: %w", plan.Name, pass.Name, i+1, len(coords), err), guard.finish(plan.Teardown))
			}
		}
		logf("%s: %s pass done, %d points", plan.Name, pass.Name, len(coords))
	}

	e.setState(StateCompleting)
	e.setProgress(Progress{Plan: plan.Name, Emitted: run.Emitted()})
	if err := guard.finish(plan.Teardown); err != nil {
		return fmt.Errorf("%s: teardown: %w", plan.Name, err)
	}
	logf("%s finished: %d points in %s", plan.Name, run.Emitted(), e.bench.clock.Since(started).Round(time.Millisecond))
	return nil
}

func (e *Engine) cancel(guard *exitGuard, plan *Plan, run *Run) error {
	e.setState(StateCancelling)
	logf("%s cancelled after %d points", plan.Name, run.Emitted())
	e.setState(StateSafeShutdown)
	if err := guard.finish(plan.Shutdown); err != nil {
		return multierr.Append(ErrCancelled, fmt.Errorf("safe shutdown: %w", err))
	}
	return ErrCancelled
}
