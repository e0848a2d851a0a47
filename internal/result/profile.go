package result

// Params is the read side of a parameter set.
type Params interface {
	Float(name string) float64
}

// Profile describes how one device variant's raw points become report rows.
// Variants differ only in data: the fields they group and plot by, the
// derivation formula and which corrections an adjustment template carries.
type Profile struct {
	Name string

	// GroupKey and XKey name the raw fields that form a point's coordinate.
	// Adjustments are keyed by this coordinate.
	GroupKey string
	XKey     string

	// PlotX and PlotY name the processed fields plotted per group.
	PlotX string
	PlotY string

	// Derive computes the processed fields of a primary point. Nil copies
	// the raw values.
	Derive func(raw RawPoint, params Params) map[string]float64

	// Rounding maps processed fields to report precision, applied after
	// adjustments.
	Rounding map[string]int

	// AdjustFields are the correction fields of the adjustment template.
	// Each is added to the processed field of the same name when present.
	AdjustFields []string

	// Columns orders the processed fields for reports.
	Columns []string

	// Slope, when set, computes per-step slopes between consecutive points
	// of a group at finalize.
	Slope *SlopeSpec

	// Harmonic, when set, relates harmonic points to their fundamentals.
	Harmonic *HarmonicSpec

	// Current, when set, collects current sweep points into one series.
	Current *CurrentSpec
}

// SlopeSpec names the processed fields of a slope (ΔY/ΔX).
type SlopeSpec struct {
	Name string
	X    string
	Y    string
	Unit string
}

// HarmonicSpec names the raw fields of harmonic points. Fundamentals are
// primary points with the same GroupKey and XKey values.
type HarmonicSpec struct {
	Multiplier  string
	Power       string
	Fundamental string
}

// CurrentSpec names the raw voltage and current fields of a current sweep.
// Currents are reported in milliamps.
type CurrentSpec struct {
	U string
	I string
}
