package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rfbench/internal/serialmux"
)

func newTestBus(responder func(addr int, cmd string) string) (*serialmux.SerialMux[*serialmux.TestableSerialPort], *serialmux.TestableSerialPort) {
	port := serialmux.NewTestableSerialPort()
	port.Responder = responder
	return serialmux.NewSerialMux(port), port
}

func TestGPIB_SendQueryFind(t *testing.T) {
	bus, port := newTestBus(func(addr int, cmd string) string {
		switch {
		case addr == 18 && cmd == "*IDN?":
			return "Agilent Technologies,E4446A,MY1,A.10"
		case addr == 18 && cmd == ":CALC:MARK1:Y?":
			return "-3.25"
		}
		return ""
	})

	f := GPIBFactory{Bus: bus}
	h, err := f.Open(RoleAnalyzer, "GPIB1::18::INSTR")
	require.NoError(t, err)

	assert.Equal(t, "GPIB1::18::INSTR: not found", h.Status())
	assert.True(t, h.Find())
	assert.Equal(t, "Agilent Technologies,E4446A,MY1,A.10", h.Status())

	require.NoError(t, h.Send(":CALC:MARK1:MAX"))
	p, err := QueryFloat(h, ":CALC:MARK1:Y?")
	require.NoError(t, err)
	assert.Equal(t, -3.25, p)

	assert.Equal(t, []string{
		"++addr 18", "*IDN?", "++read eoi",
		":CALC:MARK1:MAX",
		":CALC:MARK1:Y?", "++read eoi",
	}, port.WrittenLines())
}

func TestGPIB_FindSilentInstrument(t *testing.T) {
	bus, _ := newTestBus(func(int, string) string { return "" })
	h, err := GPIBFactory{Bus: bus}.Open(RoleGenLO, "GPIB1::6::INSTR")
	require.NoError(t, err)

	assert.False(t, h.Find())
	assert.Contains(t, h.Status(), "not found")
}

func TestGPIBFactory_BadAddress(t *testing.T) {
	_, err := GPIBFactory{Bus: serialmux.NewDisabledSerialMux()}.Open(RoleSource, "ASRL1::INSTR")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source")
}
