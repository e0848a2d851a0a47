// Package serialmux multiplexes GPIB instruments behind a single
// Prologix-style USB controller. Every instrument on the bus shares one serial
// port; the mux serialises access, re-addresses the controller when the
// target instrument changes and lets debug clients tail the bus traffic.
package serialmux

import (
	"bytes"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/rfbench/internal/monitoring"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrNoResponse  = errors.New("no response from instrument")
	ErrReadTimeout = errors.New("timed out waiting for instrument response")
	ErrClosed      = errors.New("serial mux closed")
)

// DefaultReadTimeout bounds a single query round-trip. Peak searches on
// older analyzers take well over a second to answer.
const DefaultReadTimeout = 3 * time.Second

// controllerSetup configures the controller for host-driven reads: no
// read-after-write, EOI asserted on the last byte, LF appended on EOI.
var controllerSetup = []string{
	"mode 1",
	"auto 0",
	"eoi 1",
	"eos 0",
	"read_tmo_ms 500",
	"eot_char 10",
	"eot_enable 1",
}

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

var logf = monitoring.Tagged("serialmux")

// SerialMuxInterface is the bus surface used by instrument handles.
type SerialMuxInterface interface {
	// Send writes a command to the instrument at the given primary address.
	Send(addr int, command string) error
	// Query writes a command and returns the instrument's single-line reply.
	Query(addr int, command string) (string, error)
	// Subscribe creates a channel that receives a copy of the bus traffic.
	// The channel ID is used to unsubscribe.
	Subscribe() (string, chan string)
	// Unsubscribe removes a traffic subscriber and closes its channel.
	Unsubscribe(string)
	// Initialise puts the controller into controller-in-charge mode.
	Initialise() error
	// Close closes all subscribed channels and the serial port.
	Close() error
	// AttachAdminRoutes attaches debugging endpoints served under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux drives a GPIB controller over a serial port.
type SerialMux[T SerialPorter] struct {
	port        T
	readTimeout time.Duration

	subscribers  map[string]chan string
	subscriberMu sync.Mutex

	// commandMu serialises whole transactions, including the address switch
	// and the read-back of a query.
	commandMu sync.Mutex
	addr      int
	pending   []byte

	closing   bool
	closingMu sync.Mutex
}

// NewSerialMux creates a SerialMux over an already opened port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		readTimeout: DefaultReadTimeout,
		subscribers: make(map[string]chan string),
		addr:        -1,
	}
}

// SetReadTimeout changes how long Query waits for a reply line.
func (s *SerialMux[T]) SetReadTimeout(d time.Duration) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	s.readTimeout = d
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 64)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// publish copies a traffic line to every subscriber without blocking.
func (s *SerialMux[T]) publish(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// slow tail clients lose lines rather than stall the bus
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Initialise configures the controller and forgets the cached address so the
// next transaction re-addresses its target.
func (s *SerialMux[T]) Initialise() error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	for _, cmd := range controllerSetup {
		if err := s.writeLine("++" + cmd); err != nil {
			return fmt.Errorf("failed to send controller command %q: %w", cmd, err)
		}
	}
	s.addr = -1
	s.pending = s.pending[:0]
	logf("controller initialised (%d commands)", len(controllerSetup))
	return nil
}

// SendCommand writes a raw line to the controller. Lines starting with "++"
// address the controller itself; anything else goes to the currently
// addressed instrument.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if strings.HasPrefix(strings.TrimSpace(command), "++addr") {
		s.addr = -1
	}
	return s.writeLine(command)
}

// Send writes command to the instrument at addr.
func (s *SerialMux[T]) Send(addr int, command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	if err := s.selectAddr(addr); err != nil {
		return err
	}
	s.publish(fmt.Sprintf("> [%d] %s", addr, command))
	return s.writeLine(command)
}

// Query writes command to the instrument at addr, asks the controller to read
// until EOI and returns the first non-empty reply line.
func (s *SerialMux[T]) Query(addr int, command string) (string, error) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	if err := s.selectAddr(addr); err != nil {
		return "", err
	}
	// Anything still buffered belongs to an earlier, abandoned exchange.
	s.pending = s.pending[:0]

	s.publish(fmt.Sprintf("> [%d] %s", addr, command))
	if err := s.writeLine(command); err != nil {
		return "", err
	}
	if err := s.writeLine("++read eoi"); err != nil {
		return "", fmt.Errorf("failed to request read: %w", err)
	}

	reply, err := s.readLine()
	if err != nil {
		return "", fmt.Errorf("query %q at address %d: %w", command, addr, err)
	}
	s.publish(fmt.Sprintf("< [%d] %s", addr, reply))
	return reply, nil
}

// selectAddr re-addresses the controller when the target changes. Caller
// holds commandMu.
func (s *SerialMux[T]) selectAddr(addr int) error {
	if addr < 0 || addr > 30 {
		return fmt.Errorf("invalid GPIB primary address %d (must be 0-30)", addr)
	}
	if s.addr == addr {
		return nil
	}
	if err := s.writeLine("++addr " + strconv.Itoa(addr)); err != nil {
		return fmt.Errorf("failed to address instrument %d: %w", addr, err)
	}
	s.addr = addr
	return nil
}

// writeLine writes one newline-terminated line. Caller holds commandMu.
func (s *SerialMux[T]) writeLine(command string) error {
	if s.isClosing() {
		return ErrClosed
	}
	command = strings.TrimSpace(command)
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// readLine returns the next non-empty line from the port. The controller
// appends LF on EOI, so instruments that already terminate with LF produce a
// blank line that is skipped. Caller holds commandMu.
func (s *SerialMux[T]) readLine() (string, error) {
	deadline := time.Now().Add(s.readTimeout)
	buf := make([]byte, 256)
	for {
		for {
			i := bytes.IndexByte(s.pending, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(string(s.pending[:i]), "\r")
			s.pending = s.pending[i+1:]
			if strings.TrimSpace(line) != "" {
				return strings.TrimSpace(line), nil
			}
		}

		n, err := s.port.Read(buf)
		if n > 0 {
			s.pending = append(s.pending, buf[:n]...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrNoResponse
			}
			return "", err
		}
		// go.bug.st/serial reports a read timeout as (0, nil).
		if time.Now().After(deadline) {
			return "", ErrReadTimeout
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s)
}

// attachAdminRoutes registers the bus console. It is shared with the
// disabled mux so both expose the same pages.
func attachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("gpib", "send a command or query to a GPIB instrument", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// POST addr=<n>&command=<scpi>[&query=1]
	debug.HandleSilentFunc("gpib-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		addr, err := strconv.Atoi(strings.TrimSpace(r.FormValue("addr")))
		if err != nil {
			http.Error(w, "Invalid addr", http.StatusBadRequest)
			return
		}

		if r.FormValue("query") != "" {
			reply, err := s.Query(addr, command)
			if err != nil {
				http.Error(w, fmt.Sprintf("Query failed: %v", err), http.StatusBadGateway)
				return
			}
			io.WriteString(w, reply)
			return
		}
		if err := s.Send(addr, command); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write command: %v", err), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to address %d", command, addr))
	})

	// Server-sent events, one per bus transaction line.
	debug.HandleSilentFunc("gpib-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("gpib-tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
