package instrument

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoScriptedReply is returned by Recorder.Query for commands without a
// scripted reply.
var ErrNoScriptedReply = errors.New("no scripted reply")

// Recorder is a Handle test double. It records every command in order,
// answers queries from scripted replies and can be told to fail specific
// commands.
type Recorder struct {
	Name string

	// OnCommand, when set, is called with every command before it is
	// recorded. Tests use it to cancel a sweep at a chosen command.
	OnCommand func(command string)

	mu       sync.Mutex
	commands []string
	replies  map[string][]string
	errs     map[string]error
	absent   bool
}

// NewRecorder returns a Recorder that reports itself as found.
func NewRecorder(name string) *Recorder {
	return &Recorder{
		Name:    name,
		replies: make(map[string][]string),
		errs:    make(map[string]error),
	}
}

// Respond scripts replies for command. Replies are consumed in order and the
// last one repeats.
func (r *Recorder) Respond(command string, replies ...string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[command] = append(r.replies[command], replies...)
	return r
}

// Fail makes every future Send or Query of command return err.
func (r *Recorder) Fail(command string, err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[command] = err
	return r
}

// SetAbsent makes Find report false.
func (r *Recorder) SetAbsent(absent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.absent = absent
}

func (r *Recorder) record(command string) error {
	if r.OnCommand != nil {
		r.OnCommand(command)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return r.errs[command]
}

func (r *Recorder) Send(command string) error {
	return r.record(command)
}

func (r *Recorder) Query(command string) (string, error) {
	if err := r.record(command); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.replies[command]
	if len(queue) == 0 {
		return "", fmt.Errorf("%s: %w for %q", r.Name, ErrNoScriptedReply, command)
	}
	reply := queue[0]
	if len(queue) > 1 {
		r.replies[command] = queue[1:]
	}
	return reply, nil
}

func (r *Recorder) Find() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.absent
}

func (r *Recorder) Status() string {
	if !r.Find() {
		return r.Name + ": not found"
	}
	return r.Name + ": recorder"
}

// Commands returns every command seen so far.
func (r *Recorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	copy(out, r.commands)
	return out
}

// Reset forgets recorded commands but keeps scripts and failures.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}

// Recorders is a Factory over a fixed set of recorders keyed by role.
type Recorders map[string]*Recorder

func (rs Recorders) Open(role, addr string) (Handle, error) {
	r, ok := rs[role]
	if !ok {
		return nil, fmt.Errorf("no recorder for role %q", role)
	}
	return r, nil
}
