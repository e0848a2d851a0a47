package config

import (
	"fmt"
	"strconv"
	"strings"
)

// GPIBAddress is a parsed VISA-style resource string such as
// "GPIB1::18::INSTR".
type GPIBAddress struct {
	Board   int
	Primary int
}

// String formats the address in VISA form.
func (a GPIBAddress) String() string {
	return fmt.Sprintf("GPIB%d::%d::INSTR", a.Board, a.Primary)
}

// ParseGPIBAddress parses "GPIB[board]::primary[::INSTR]". A bare primary
// address ("18") is accepted and placed on board 0.
func ParseGPIBAddress(s string) (GPIBAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return GPIBAddress{}, fmt.Errorf("empty GPIB address")
	}

	if n, err := strconv.Atoi(s); err == nil {
		return checkPrimary(GPIBAddress{Primary: n}, s)
	}

	parts := strings.Split(s, "::")
	if len(parts) < 2 || len(parts) > 3 {
		return GPIBAddress{}, fmt.Errorf("invalid GPIB address %q", s)
	}
	head := strings.ToUpper(parts[0])
	if !strings.HasPrefix(head, "GPIB") {
		return GPIBAddress{}, fmt.Errorf("invalid GPIB address %q: missing GPIB prefix", s)
	}

	var addr GPIBAddress
	if board := strings.TrimPrefix(head, "GPIB"); board != "" {
		b, err := strconv.Atoi(board)
		if err != nil || b < 0 {
			return GPIBAddress{}, fmt.Errorf("invalid GPIB board in %q", s)
		}
		addr.Board = b
	}

	p, err := strconv.Atoi(parts[1])
	if err != nil {
		return GPIBAddress{}, fmt.Errorf("invalid GPIB primary address in %q: %w", s, err)
	}
	addr.Primary = p

	if len(parts) == 3 && !strings.EqualFold(parts[2], "INSTR") {
		return GPIBAddress{}, fmt.Errorf("invalid GPIB resource class in %q", s)
	}
	return checkPrimary(addr, s)
}

func checkPrimary(a GPIBAddress, raw string) (GPIBAddress, error) {
	// IEEE-488 primary addresses are 0..30.
	if a.Primary < 0 || a.Primary > 30 {
		return GPIBAddress{}, fmt.Errorf("GPIB primary address out of range in %q", raw)
	}
	return a, nil
}
