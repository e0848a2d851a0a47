package serialmux

import (
	"errors"
	"net/http"
	"sync"
)

// ErrBusDisabled is returned by DisabledSerialMux for instrument traffic.
var ErrBusDisabled = errors.New("GPIB bus disabled")

// DisabledSerialMux stands in for the bus when no controller is attached,
// for example when the bench runs against simulated instruments. Subscribers
// are tracked so their channels close deterministically on Unsubscribe or
// Close.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// Already closing: hand back a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) Send(int, string) error { return ErrBusDisabled }

func (d *DisabledSerialMux) Query(int, string) (string, error) { return "", ErrBusDisabled }

func (d *DisabledSerialMux) Initialise() error { return nil }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, d)
}
