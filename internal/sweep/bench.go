package sweep

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/banshee-data/rfbench/internal/instrument"
	"github.com/banshee-data/rfbench/internal/result"
	"github.com/banshee-data/rfbench/internal/timeutil"
)

// Bench is the set of connected instruments, by role, and the clock used
// for settling delays.
type Bench struct {
	clock       timeutil.Clock
	instruments map[string]instrument.Handle
}

// NewBench returns a bench over the given handles. A nil clock sleeps for
// real.
func NewBench(clock timeutil.Clock, handles map[string]instrument.Handle) *Bench {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	b := &Bench{clock: clock, instruments: make(map[string]instrument.Handle, len(handles))}
	for role, h := range handles {
		b.instruments[role] = h
	}
	return b
}

// Clock returns the bench clock.
func (b *Bench) Clock() timeutil.Clock {
	return b.clock
}

// Instrument returns the handle for role.
func (b *Bench) Instrument(role string) (instrument.Handle, error) {
	h, ok := b.instruments[role]
	if !ok || h == nil {
		return nil, fmt.Errorf("no %s instrument connected", role)
	}
	return h, nil
}

// Roles lists the connected roles in sorted order.
func (b *Bench) Roles() []string {
	roles := make([]string, 0, len(b.instruments))
	for r := range b.instruments {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// Step is one instrument command, optionally followed by a settling delay.
type Step struct {
	Role    string
	Command string
	Settle  time.Duration
}

// Sink receives every raw point a sweep produces, synchronously, before the
// sweep moves to the next coordinate.
type Sink func(result.RawPoint)

// Run is the per-invocation context handed to plan callbacks. It carries the
// bench and the point sink, and remembers what the sweep has produced so
// later passes can build on earlier ones.
type Run struct {
	bench  *Bench
	sink   Sink
	points []result.RawPoint

	pass  string
	index int
}

func newRun(b *Bench, sink Sink) *Run {
	return &Run{bench: b, sink: sink}
}

// Pass returns the name of the pass being executed.
func (r *Run) Pass() string { return r.pass }

// Index returns the index of the current coordinate within its pass.
func (r *Run) Index() int { return r.index }

// First reports whether the current coordinate is the first of its pass.
func (r *Run) First() bool { return r.index == 0 }

// Send issues a command to the instrument in role.
func (r *Run) Send(role, command string) error {
	h, err := r.bench.Instrument(role)
	if err != nil {
		return err
	}
	if err := h.Send(command); err != nil {
		return fmt.Errorf("%s: send %q: %w", role, command, err)
	}
	return nil
}

// Sendf formats and issues a command.
func (r *Run) Sendf(role, format string, args ...interface{}) error {
	return r.Send(role, fmt.Sprintf(format, args...))
}

// QueryFloat issues a query and parses the reply as a number.
func (r *Run) QueryFloat(role, command string) (float64, error) {
	h, err := r.bench.Instrument(role)
	if err != nil {
		return 0, err
	}
	v, err := instrument.QueryFloat(h, command)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", role, err)
	}
	return v, nil
}

// Settle waits for the bench to settle.
func (r *Run) Settle(d time.Duration) {
	if d > 0 {
		r.bench.clock.Sleep(d)
	}
}

// Do executes steps in order and stops at the first failure.
func (r *Run) Do(steps ...Step) error {
	for _, s := range steps {
		if err := r.Send(s.Role, s.Command); err != nil {
			return err
		}
		r.Settle(s.Settle)
	}
	return nil
}

// DoAll executes every step even when some fail, and returns the joined
// failures. Shutdown sequences use it so one dead instrument does not leave
// another powered.
func (r *Run) DoAll(steps ...Step) error {
	var err error
	for _, s := range steps {
		if e := r.Send(s.Role, s.Command); e != nil {
			err = multierr.Append(err, e)
			continue
		}
		r.Settle(s.Settle)
	}
	return err
}

// Emit records a raw point and hands it to the sink.
func (r *Run) Emit(p result.RawPoint) {
	r.points = append(r.points, p)
	if r.sink != nil {
		r.sink(p)
	}
}

// Points returns the points of the given kind emitted so far.
func (r *Run) Points(kind result.Kind) []result.RawPoint {
	var out []result.RawPoint
	for _, p := range r.points {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// Emitted returns the number of points emitted so far.
func (r *Run) Emitted() int {
	return len(r.points)
}
