package instrument

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Simulated device models.
const (
	SimVCO   = "vco"
	SimDemod = "demod"
	SimMod   = "mod"
)

const (
	noiseFloor = -95.0 // dBm
	// markerTolerance is how far from a signal a fixed marker still reads it.
	markerTolerance = 1e6 // Hz
)

// Simulated is a whole bench in one process: an analyzer, a dual output
// power source and two signal generators wired to a modelled device under
// test. It answers the same command strings the real instruments accept, so
// sweeps run unchanged against it. Settling delays are the caller's concern;
// pair it with a timeutil.MockClock.
type Simulated struct {
	mu      sync.Mutex
	device  string
	absent  map[string]bool
	sa      simAnalyzer
	src     simSource
	gens    map[string]*simGenerator
	history map[string][]string
}

type simAnalyzer struct {
	start, stop  float64
	center, span float64
	centerMode   bool
	xOffs, yOffs float64
	markerF      float64
	autoCal      bool
}

type simChannel struct {
	u, i float64
}

type simSource struct {
	on  bool
	p6v simChannel
	p25 simChannel
}

type simGenerator struct {
	f, p float64
	on   bool
}

type simSignal struct {
	f, p float64
}

// NewSimulated builds a bench wired to the named device model.
func NewSimulated(device string) *Simulated {
	s := &Simulated{
		device:  device,
		absent:  make(map[string]bool),
		history: make(map[string][]string),
	}
	s.resetLocked(RoleAnalyzer)
	s.resetLocked(RoleSource)
	s.resetLocked(RoleGenLO)
	s.resetLocked(RoleGenRF)
	return s
}

// SetDevice rewires the bench to another device model.
func (s *Simulated) SetDevice(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = device
}

// SetPresent controls whether Find succeeds for role.
func (s *Simulated) SetPresent(role string, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absent[role] = !present
}

// History returns the commands received by role.
func (s *Simulated) History(role string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history[role]))
	copy(out, s.history[role])
	return out
}

// Open returns the simulated instrument for role; addr is ignored.
func (s *Simulated) Open(role, addr string) (Handle, error) {
	switch role {
	case RoleAnalyzer, RoleSource, RoleGenLO, RoleGenRF:
		return &simHandle{bench: s, role: role}, nil
	}
	return nil, fmt.Errorf("simulated bench has no %q instrument", role)
}

type simHandle struct {
	bench *Simulated
	role  string
}

func (h *simHandle) Send(command string) error {
	_, err := h.bench.exec(h.role, command, false)
	return err
}

func (h *simHandle) Query(command string) (string, error) {
	return h.bench.exec(h.role, command, true)
}

func (h *simHandle) Find() bool {
	h.bench.mu.Lock()
	defer h.bench.mu.Unlock()
	return !h.bench.absent[h.role]
}

func (h *simHandle) Status() string {
	if !h.Find() {
		return "simulated " + h.role + ": not found"
	}
	return "simulated " + h.role
}

func (s *Simulated) resetLocked(role string) {
	switch role {
	case RoleAnalyzer:
		s.sa = simAnalyzer{start: 0, stop: 3e9, autoCal: true}
	case RoleSource:
		s.src = simSource{}
	case RoleGenLO, RoleGenRF:
		if s.gens == nil {
			s.gens = make(map[string]*simGenerator)
		}
		s.gens[role] = &simGenerator{f: 1e9, p: -130}
	}
}

func (s *Simulated) exec(role, command string, query bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.absent[role] {
		return "", fmt.Errorf("simulated %s: no listener", role)
	}
	s.history[role] = append(s.history[role], command)

	header, args := splitCommand(command)
	switch header {
	case "*RST":
		s.resetLocked(role)
		return "", nil
	case "*IDN?":
		return fmt.Sprintf("rfbench,SIM-%s,0,1.0", strings.ToUpper(role)), nil
	case "SYST:ERR?":
		return `+0,"No error"`, nil
	}

	var (
		reply string
		err   error
	)
	switch role {
	case RoleAnalyzer:
		reply, err = s.analyzerLocked(header, args)
	case RoleSource:
		reply, err = s.sourceLocked(header, args)
	default:
		reply, err = s.generatorLocked(s.gens[role], header, args)
	}
	if err != nil {
		return "", fmt.Errorf("simulated %s: %w", role, err)
	}
	if query && reply == "" {
		return "", fmt.Errorf("simulated %s: %q is not a query", role, command)
	}
	return reply, nil
}

func (s *Simulated) analyzerLocked(header string, args []string) (string, error) {
	sa := &s.sa
	switch header {
	case "SENS:FREQ:STAR":
		sa.start, sa.centerMode = quantity(args), false
	case "SENS:FREQ:STOP":
		sa.stop, sa.centerMode = quantity(args), false
	case "SENS:FREQ:CENT":
		sa.center, sa.centerMode = quantity(args), true
	case "SENS:FREQ:SPAN":
		sa.span = quantity(args)
	case "DISP:WIND:TRAC:X:OFFS":
		sa.xOffs = quantity(args)
	case "DISP:WIND:TRAC:Y:RLEV:OFFS":
		sa.yOffs = quantity(args)
	case "CAL:AUTO":
		sa.autoCal = onOff(args)
	case "CALC:MARK1:MAX":
		sa.markerF = s.peakLocked()
	case "CALC:MARK1:X":
		sa.markerF = quantity(args)
	case "CALC:MARK1:X?":
		return formatFloat(sa.markerF + sa.xOffs), nil
	case "CALC:MARK1:Y?":
		return formatFloat(s.powerAtLocked(sa.markerF) + sa.yOffs), nil
	case "DISP:WIND:TRAC:Y:RLEV", "DISP:WIND:TRAC:Y:PDIV", "CALC:MARK1:MODE",
		"SENS:AVER:STAT", "SENS:AVER:COUN", "INIT:CONT":
		// display only
	default:
		return "", fmt.Errorf("unsupported command %q", header)
	}
	return "", nil
}

func (s *Simulated) sourceLocked(header string, args []string) (string, error) {
	switch header {
	case "APPLY", "APPL":
		if len(args) < 2 {
			return "", fmt.Errorf("APPLY needs an output and a voltage")
		}
		ch := s.channelLocked(args[0])
		if ch == nil {
			return "", fmt.Errorf("unknown output %q", args[0])
		}
		ch.u = parseQuantity(args[1])
		if len(args) > 2 {
			ch.i = parseQuantity(args[2])
		}
	case "OUTP", "OUTPUT":
		s.src.on = onOff(args)
	case "MEAS:CURR?":
		if ch := s.channelLocked(first(args)); ch == &s.src.p25 {
			return formatFloat(0.001), nil
		}
		return formatFloat(s.currentLocked()), nil
	case "MEAS:VOLT?":
		ch := s.channelLocked(first(args))
		if ch == nil || !s.src.on {
			return formatFloat(0), nil
		}
		return formatFloat(ch.u), nil
	default:
		return "", fmt.Errorf("unsupported command %q", header)
	}
	return "", nil
}

func (s *Simulated) channelLocked(name string) *simChannel {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "P6V", "":
		return &s.src.p6v
	case "P25V":
		return &s.src.p25
	}
	return nil
}

func (s *Simulated) generatorLocked(g *simGenerator, header string, args []string) (string, error) {
	switch header {
	case "SOUR:FREQ", "FREQ":
		g.f = quantity(args)
	case "SOUR:POW", "POW":
		g.p = quantity(args)
	case "OUTP:STAT", "OUTP":
		g.on = onOff(args)
	case "SOUR:FREQ?", "FREQ?":
		return formatFloat(g.f), nil
	case "SOUR:POW?", "POW?":
		return formatFloat(g.p), nil
	default:
		return "", fmt.Errorf("unsupported command %q", header)
	}
	return "", nil
}

// pathLoss is the cable and fixture loss between a generator and whatever it
// drives, in dB.
func pathLoss(f float64) float64 {
	return 1.0 + 0.2*f/1e9
}

func (s *Simulated) powered() bool {
	return s.src.on && s.src.p6v.u > 0
}

func (s *Simulated) currentLocked() float64 {
	if !s.powered() {
		return 0
	}
	u := s.src.p6v.u
	switch s.device {
	case SimVCO:
		return 0.025 + 0.004*(u-5) + 0.0005*s.src.p25.u
	case SimDemod:
		return 0.040 + 0.008*(u-5)
	default:
		return 0.050 + 0.006*(u-5)
	}
}

// signalsLocked lists what the analyzer input sees.
func (s *Simulated) signalsLocked() []simSignal {
	lo, rf := s.gens[RoleGenLO], s.gens[RoleGenRF]

	if !s.powered() {
		// No device in circuit: generators land on the analyzer through
		// their cables. This is the calibration setup.
		var out []simSignal
		for _, g := range []*simGenerator{lo, rf} {
			if g.on {
				out = append(out, simSignal{f: g.f, p: g.p - pathLoss(g.f)})
			}
		}
		return out
	}

	switch s.device {
	case SimVCO:
		uc, ud := s.src.p25.u, s.src.p6v.u
		f := 1e9*(1.0+0.25*uc) + 20e6*(ud-5)
		p := 3 - 0.15*uc
		return []simSignal{{f, p}, {2 * f, p - 22}, {3 * f, p - 31}}
	case SimDemod:
		if !lo.on || !rf.on {
			return nil
		}
		p := rf.p - pathLoss(rf.f) - (7 + 0.4*lo.f/1e9)
		// A doubled LO drives an internal divider.
		return []simSignal{
			{math.Abs(rf.f - lo.f), p},
			{math.Abs(rf.f - lo.f/2), p},
		}
	case SimMod:
		if !lo.on || !rf.on {
			return nil
		}
		p := rf.p - pathLoss(rf.f) - 6 - 0.3*lo.f/1e9
		// A halved LO is doubled inside the device.
		return []simSignal{
			{lo.f + rf.f, p},
			{2*lo.f + rf.f, p},
			{lo.f, lo.p - 30},
		}
	}
	return nil
}

func (s *Simulated) windowLocked() (float64, float64) {
	if s.sa.centerMode {
		return s.sa.center - s.sa.span/2, s.sa.center + s.sa.span/2
	}
	return s.sa.start, s.sa.stop
}

// peakLocked returns the frequency of the strongest signal in the display
// window, or the window centre when only noise is visible.
func (s *Simulated) peakLocked() float64 {
	lo, hi := s.windowLocked()
	best, bestP := (lo+hi)/2, math.Inf(-1)
	for _, sig := range s.signalsLocked() {
		if sig.f >= lo && sig.f <= hi && sig.p > bestP {
			best, bestP = sig.f, sig.p
		}
	}
	return best
}

func (s *Simulated) powerAtLocked(f float64) float64 {
	p := noiseFloor
	for _, sig := range s.signalsLocked() {
		if math.Abs(sig.f-f) <= markerTolerance && sig.p > p {
			p = sig.p
		}
	}
	return p
}

func splitCommand(command string) (string, []string) {
	command = strings.TrimSpace(command)
	header, rest, _ := strings.Cut(command, " ")
	header = strings.TrimPrefix(strings.ToUpper(header), ":")
	var args []string
	if rest = strings.TrimSpace(rest); rest != "" {
		for _, a := range strings.Split(rest, ",") {
			args = append(args, strings.TrimSpace(a))
		}
	}
	return header, args
}

func first(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func quantity(args []string) float64 {
	return parseQuantity(first(args))
}

func onOff(args []string) bool {
	switch strings.ToUpper(first(args)) {
	case "ON", "1":
		return true
	}
	return false
}

var unitScale = []struct {
	suffix string
	scale  float64
}{
	{"GHZ", 1e9},
	{"MHZ", 1e6},
	{"KHZ", 1e3},
	{"HZ", 1},
	{"DBM", 1},
	{"DB", 1},
	{"MV", 1e-3},
	{"MA", 1e-3},
	{"V", 1},
	{"A", 1},
}

// parseQuantity parses "1.5GHz", "-5dBm" or "0.01A" into base units.
// Unparseable values read as zero.
func parseQuantity(s string) float64 {
	upper := strings.ToUpper(strings.TrimSpace(s))
	scale := 1.0
	for _, u := range unitScale {
		if strings.HasSuffix(upper, u.suffix) {
			upper = strings.TrimSpace(strings.TrimSuffix(upper, u.suffix))
			scale = u.scale
			break
		}
	}
	v, err := strconv.ParseFloat(upper, 64)
	if err != nil {
		return 0
	}
	return v * scale
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'E', 9, 64)
}
