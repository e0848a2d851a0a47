package serialmux

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TestableSerialPort implements SerialPorter for tests. It captures writes,
// answers controller reads through Responder and injects one-shot errors.
type TestableSerialPort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// Responder, when set, answers "++read eoi" with a reply line for the
	// last instrument command written. Returning "" produces no reply.
	Responder func(addr int, command string) string

	addr    int
	lastCmd string
	partial []byte
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{}
}

// Read returns queued reply bytes, or the pending ReadError.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	return t.readBuf.Read(p)
}

// Write records p and feeds complete lines to Responder.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	n, err = t.writeBuf.Write(p)
	if t.Responder != nil {
		t.respond(p)
	}
	return n, err
}

// respond tracks the addressed instrument and queues a reply when the
// controller is asked to read. Caller holds mu.
func (t *TestableSerialPort) respond(p []byte) {
	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			return
		}
		line := strings.TrimSpace(string(t.partial[:i]))
		t.partial = t.partial[i+1:]

		switch {
		case strings.HasPrefix(line, "++addr "):
			if a, err := strconv.Atoi(strings.TrimPrefix(line, "++addr ")); err == nil {
				t.addr = a
			}
		case line == "++read eoi":
			if reply := t.Responder(t.addr, t.lastCmd); reply != "" {
				t.readBuf.WriteString(reply + "\n")
			}
		case strings.HasPrefix(line, "++"):
		default:
			t.lastCmd = line
		}
	}
}

// WrittenLines returns every line written to the port, in order.
func (t *TestableSerialPort) WrittenLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw := strings.TrimRight(t.writeBuf.String(), "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	calls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Opts PortOptions
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open records the call and returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.calls) == 0 {
		return nil
	}
	return &f.calls[len(f.calls)-1]
}
