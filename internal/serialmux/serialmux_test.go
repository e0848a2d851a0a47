package serialmux

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResponderMux(t *testing.T, responder func(addr int, cmd string) string) (*SerialMux[*TestableSerialPort], *TestableSerialPort) {
	t.Helper()
	port := NewTestableSerialPort()
	port.Responder = responder
	mux := NewSerialMux(port)
	mux.SetReadTimeout(200 * time.Millisecond)
	return mux, port
}

func TestSerialMux_Initialise(t *testing.T) {
	mux, port := newResponderMux(t, nil)

	require.NoError(t, mux.Initialise())

	lines := port.WrittenLines()
	assert.Equal(t, []string{
		"++mode 1",
		"++auto 0",
		"++eoi 1",
		"++eos 0",
		"++read_tmo_ms 500",
		"++eot_char 10",
		"++eot_enable 1",
	}, lines)
}

func TestSerialMux_Initialise_WriteError(t *testing.T) {
	mux, port := newResponderMux(t, nil)
	port.WriteError = errors.New("unplugged")

	err := mux.Initialise()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode 1")
}

func TestSerialMux_SendAddressesOnlyOnChange(t *testing.T) {
	mux, port := newResponderMux(t, nil)

	require.NoError(t, mux.Send(18, "*RST"))
	require.NoError(t, mux.Send(18, ":CAL:AUTO OFF"))
	require.NoError(t, mux.Send(3, "OUTP OFF"))
	require.NoError(t, mux.Send(18, ":CAL:AUTO ON"))

	assert.Equal(t, []string{
		"++addr 18",
		"*RST",
		":CAL:AUTO OFF",
		"++addr 3",
		"OUTP OFF",
		"++addr 18",
		":CAL:AUTO ON",
	}, port.WrittenLines())
}

func TestSerialMux_SendInvalidAddress(t *testing.T) {
	mux, port := newResponderMux(t, nil)

	testCases := []int{-1, 31, 100}
	for _, addr := range testCases {
		if err := mux.Send(addr, "*RST"); err == nil {
			t.Errorf("Expected error for address %d", addr)
		}
	}
	assert.Empty(t, port.WrittenLines())
}

func TestSerialMux_Query(t *testing.T) {
	mux, port := newResponderMux(t, func(addr int, cmd string) string {
		if addr == 18 && cmd == ":CALC:MARK1:X?" {
			return "1.234500000E+09"
		}
		return ""
	})

	reply, err := mux.Query(18, ":CALC:MARK1:X?")
	require.NoError(t, err)
	assert.Equal(t, "1.234500000E+09", reply)

	assert.Equal(t, []string{"++addr 18", ":CALC:MARK1:X?", "++read eoi"}, port.WrittenLines())
}

func TestSerialMux_QuerySkipsBlankEOTLines(t *testing.T) {
	mux, _ := newResponderMux(t, func(addr int, cmd string) string {
		// Instrument LF followed by the controller's EOT LF.
		return "-12.5\n"
	})

	for i := 0; i < 3; i++ {
		reply, err := mux.Query(7, ":CALC:MARK1:Y?")
		require.NoError(t, err)
		assert.Equal(t, "-12.5", reply)
	}
}

func TestSerialMux_QueryNoResponse(t *testing.T) {
	mux, _ := newResponderMux(t, func(int, string) string { return "" })

	_, err := mux.Query(6, "*IDN?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoResponse))
	assert.Contains(t, err.Error(), "*IDN?")
}

func TestSerialMux_QueryReadError(t *testing.T) {
	mux, port := newResponderMux(t, nil)
	port.ReadError = errors.New("device reset")

	_, err := mux.Query(6, "*IDN?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device reset")
}

type timeoutPort struct {
	*TestableSerialPort
}

// Read mimics go.bug.st/serial on timeout.
func (p timeoutPort) Read([]byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return 0, nil
}

func TestSerialMux_QueryTimeout(t *testing.T) {
	mux := NewSerialMux(timeoutPort{NewTestableSerialPort()})
	mux.SetReadTimeout(20 * time.Millisecond)

	_, err := mux.Query(6, "*IDN?")
	assert.True(t, errors.Is(err, ErrReadTimeout), "got %v", err)
}

type partialWritePort struct {
	*TestableSerialPort
}

func (p partialWritePort) Write(data []byte) (int, error) {
	return len(data) - 1, nil
}

func TestSerialMux_PartialWrite(t *testing.T) {
	mux := NewSerialMux(partialWritePort{NewTestableSerialPort()})
	err := mux.SendCommand("++ver")
	assert.True(t, errors.Is(err, ErrWriteFailed))
}

func TestSerialMux_SendCommandResetsAddress(t *testing.T) {
	mux, port := newResponderMux(t, nil)

	require.NoError(t, mux.Send(18, "*RST"))
	require.NoError(t, mux.SendCommand("++addr 5"))
	require.NoError(t, mux.Send(18, "*CLS"))

	assert.Equal(t, []string{"++addr 18", "*RST", "++addr 5", "++addr 18", "*CLS"}, port.WrittenLines())
}

func TestSerialMux_SubscribeSeesTraffic(t *testing.T) {
	mux, _ := newResponderMux(t, func(int, string) string { return "5.02" })
	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	require.NoError(t, mux.Send(3, "OUTP ON"))
	_, err := mux.Query(3, "MEAS:CURR? p6v")
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case line := <-ch:
			got = append(got, line)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for traffic line %d", i)
		}
	}
	assert.Equal(t, []string{"> [3] OUTP ON", "> [3] MEAS:CURR? p6v", "< [3] 5.02"}, got)
}

func TestSerialMux_UnsubscribeClosesChannel(t *testing.T) {
	mux, _ := newResponderMux(t, nil)
	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)

	// Unknown ids are ignored.
	mux.Unsubscribe("nope")
}

func TestSerialMux_Close(t *testing.T) {
	mux, port := newResponderMux(t, nil)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Close())
	assert.True(t, port.Closed)

	_, ok := <-ch
	assert.False(t, ok)

	err := mux.Send(18, "*RST")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestRandomID(t *testing.T) {
	a, b := randomID(), randomID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
	assert.Equal(t, strings.ToLower(a), a)
}

func TestOpen_WithFactory(t *testing.T) {
	port := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(port)

	mux, err := Open(factory, "/dev/ttyUSB3", PortOptions{BaudRate: 9600})
	require.NoError(t, err)
	require.NotNil(t, mux)

	call := factory.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, "/dev/ttyUSB3", call.Path)
	assert.Equal(t, 9600, call.Opts.BaudRate)
	assert.Equal(t, 100*time.Millisecond, port.ReadTimeout)
}

func TestOpen_FactoryError(t *testing.T) {
	factory := NewMockSerialPortFactory(nil)
	factory.Error = errors.New("permission denied")

	_, err := Open(factory, "/dev/ttyUSB0", PortOptions{})
	assert.Error(t, err)
}

func TestNewRealSerialMux_MissingDevice(t *testing.T) {
	mux, err := NewRealSerialMux("/dev/nonexistent-gpib-controller-12345", PortOptions{})
	if err == nil {
		mux.Close()
		t.Fatal("Expected error when opening non-existent serial port")
	}
	assert.Nil(t, mux)
}
