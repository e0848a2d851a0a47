package serialmux

import (
	"time"

	"go.bug.st/serial"
)

// RealSerialPortFactory opens hardware ports through go.bug.st/serial.
type RealSerialPortFactory struct{}

// Open opens the port at path with the given options.
func (RealSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// Open opens a port through factory and wraps it in a SerialMux. Ports that
// support read timeouts get a short one so Query can enforce its own
// deadline.
func Open(factory SerialPortFactory, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, err
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(100 * time.Millisecond); err != nil {
			port.Close()
			return nil, err
		}
	}
	return NewSerialMux[SerialPorter](port), nil
}

// NewRealSerialMux creates a SerialMux backed by the hardware port at path.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return Open(RealSerialPortFactory{}, path, opts)
}
