// Package instrument defines the capability every bench instrument exposes
// to the sweep engine, plus the implementations selected when a session is
// built: GPIB instruments behind a serial controller, a simulated bench and a
// recording test double.
//
// Command strings are opaque here. Nothing in this package knows what an
// analyzer or a power source is beyond the simulated bench model.
package instrument

import (
	"fmt"
	"strconv"
	"strings"
)

// Instrument roles used by the device variants.
const (
	RoleAnalyzer = "analyzer"
	RoleSource   = "source"
	RoleGenLO    = "gen_lo"
	RoleGenRF    = "gen_rf"
)

// Handle is a single instrument on the bench.
type Handle interface {
	// Send writes a command that produces no reply.
	Send(command string) error
	// Query writes a command and returns the instrument's reply.
	Query(command string) (string, error)
	// Find probes the instrument and reports whether it answered.
	Find() bool
	// Status is a human readable description, usually the *IDN? reply.
	Status() string
}

// Factory opens an instrument handle for a role at an address. The factory
// is chosen once when the session is built.
type Factory interface {
	Open(role, addr string) (Handle, error)
}

// QueryFloat queries h and parses the first comma separated field of the
// reply as a float.
func QueryFloat(h Handle, command string) (float64, error) {
	reply, err := h.Query(command)
	if err != nil {
		return 0, err
	}
	v, err := ParseFloat(reply)
	if err != nil {
		return 0, fmt.Errorf("query %q: %w", command, err)
	}
	return v, nil
}

// ParseFloat parses a numeric instrument reply such as "+1.2345E+09" or
// "-12.50,0".
func ParseFloat(reply string) (float64, error) {
	field := strings.TrimSpace(reply)
	if i := strings.IndexByte(field, ','); i >= 0 {
		field = strings.TrimSpace(field[:i])
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric reply %q", reply)
	}
	return v, nil
}
