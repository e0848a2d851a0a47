package instrument

import (
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/rfbench/internal/config"
	"github.com/banshee-data/rfbench/internal/serialmux"
)

// GPIB is an instrument reached through the shared GPIB controller.
type GPIB struct {
	bus  serialmux.SerialMuxInterface
	addr config.GPIBAddress

	mu    sync.Mutex
	found bool
	idn   string
}

// NewGPIB returns a handle for the instrument at addr on bus.
func NewGPIB(bus serialmux.SerialMuxInterface, addr config.GPIBAddress) *GPIB {
	return &GPIB{bus: bus, addr: addr}
}

// Address returns the instrument address.
func (g *GPIB) Address() config.GPIBAddress { return g.addr }

func (g *GPIB) Send(command string) error {
	return g.bus.Send(g.addr.Primary, command)
}

func (g *GPIB) Query(command string) (string, error) {
	return g.bus.Query(g.addr.Primary, command)
}

// Find asks the instrument to identify itself.
func (g *GPIB) Find() bool {
	idn, err := g.Query("*IDN?")
	g.mu.Lock()
	defer g.mu.Unlock()
	g.found = err == nil && strings.TrimSpace(idn) != ""
	g.idn = strings.TrimSpace(idn)
	if !g.found {
		g.idn = ""
	}
	return g.found
}

func (g *GPIB) Status() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.found {
		return fmt.Sprintf("%s: not found", g.addr)
	}
	return g.idn
}

// GPIBFactory opens handles on a shared bus.
type GPIBFactory struct {
	Bus serialmux.SerialMuxInterface
}

func (f GPIBFactory) Open(role, addr string) (Handle, error) {
	a, err := config.ParseGPIBAddress(addr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}
	return NewGPIB(f.Bus, a), nil
}
