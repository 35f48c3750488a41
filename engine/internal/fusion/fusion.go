// Package fusion merges readings from redundant sensor sources (typically two
// cadence sources) with dropout detection, inconsistency handling and
// smoothing. Updates are synchronous and deterministic: wall-clock is only
// consulted to decide freshness, and the clock is injectable.
package fusion

import "time"

// Mode indicates which sources currently feed the fused value.
type Mode string

const (
	ModeDualSensor    Mode = "dual_sensor"
	ModePrimaryOnly   Mode = "primary_only"
	ModeSecondaryOnly Mode = "secondary_only"
	ModeNoData        Mode = "no_data"
	ModeInconsistent  Mode = "inconsistent"
)

// Description returns a human-readable mode description.
func (m Mode) Description() string {
	switch m {
	case ModeDualSensor:
		return "Both sensors active"
	case ModePrimaryOnly:
		return "Primary sensor only"
	case ModeSecondaryOnly:
		return "Secondary sensor only"
	case ModeInconsistent:
		return "Sensors disagree"
	default:
		return "No sensor data"
	}
}

// Config tunes a Fuser.
type Config struct {
	PrimaryWeight       float64 `yaml:"primary_weight" json:"primary_weight"`
	SecondaryWeight     float64 `yaml:"secondary_weight" json:"secondary_weight"`
	DropoutTimeoutMS    uint32  `yaml:"dropout_timeout_ms" json:"dropout_timeout_ms"`
	MaxDeviationPercent float64 `yaml:"max_deviation_percent" json:"max_deviation_percent"`
	AutoFallback        bool    `yaml:"auto_fallback" json:"auto_fallback"`
	SmoothingFactor     float64 `yaml:"smoothing_factor" json:"smoothing_factor"`
	WindowSize          int     `yaml:"window_size" json:"window_size"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		PrimaryWeight:       0.6,
		SecondaryWeight:     0.4,
		DropoutTimeoutMS:    3000,
		MaxDeviationPercent: 20,
		AutoFallback:        true,
		SmoothingFactor:     0.3,
		WindowSize:          5,
	}
}

// NormalizedWeights returns the effective weights, which always sum to 1.
// Two zero weights collapse to an even split.
func (c Config) NormalizedWeights() (primary, secondary float64) {
	total := c.PrimaryWeight + c.SecondaryWeight
	if total <= 0 {
		return 0.5, 0.5
	}
	return c.PrimaryWeight / total, c.SecondaryWeight / total
}

// Diagnostics is a read-only view of fuser state.
type Diagnostics struct {
	PrimaryActive    bool     `json:"primary_active"`
	SecondaryActive  bool     `json:"secondary_active"`
	PrimaryValue     *float64 `json:"primary_value,omitempty"`
	SecondaryValue   *float64 `json:"secondary_value,omitempty"`
	FusedValue       *float64 `json:"fused_value,omitempty"`
	PrimaryAgeMS     uint32   `json:"primary_age_ms"`
	SecondaryAgeMS   uint32   `json:"secondary_age_ms"`
	DeviationPercent *float64 `json:"deviation_percent,omitempty"`
	SensorsAgree     bool     `json:"sensors_agree"`
	Mode             Mode     `json:"mode"`
	SampleCount      int      `json:"sample_count"`
}

// Fuser combines two sources of one metric via a weighted complementary
// filter with EMA smoothing over a sliding window.
type Fuser struct {
	cfg Config
	now func() time.Time

	primaryValue   *float64
	secondaryValue *float64
	primaryAt      time.Time
	secondaryAt    time.Time
	fused          *float64
	window         []float64
	mode           Mode
}

// New creates a Fuser with the given config.
func New(cfg Config) *Fuser {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.DropoutTimeoutMS == 0 {
		cfg.DropoutTimeoutMS = DefaultConfig().DropoutTimeoutMS
	}
	return &Fuser{cfg: cfg, now: time.Now, mode: ModeNoData}
}

// NewWithClock creates a Fuser with an injected clock; tests use this to fix
// freshness decisions.
func NewWithClock(cfg Config, now func() time.Time) *Fuser {
	f := New(cfg)
	if now != nil {
		f.now = now
	}
	return f
}

// Configure swaps the tuning; the smoothing window shrinks if needed.
func (f *Fuser) Configure(cfg Config) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	f.cfg = cfg
	if len(f.window) > cfg.WindowSize {
		f.window = f.window[len(f.window)-cfg.WindowSize:]
	}
}

// Value returns the current fused value, nil when no data.
func (f *Fuser) Value() *float64 { return f.fused }

// Mode returns the current fusion mode.
func (f *Fuser) Mode() Mode { return f.mode }

// Update ingests new readings (either may be nil) and recomputes the fused
// value. Passing nil for a source leaves its last value aging toward dropout.
func (f *Fuser) Update(primary, secondary *float64) {
	now := f.now()
	if primary != nil {
		v := *primary
		f.primaryValue = &v
		f.primaryAt = now
	}
	if secondary != nil {
		v := *secondary
		f.secondaryValue = &v
		f.secondaryAt = now
	}

	f.mode = f.determineMode(now)

	var raw *float64
	switch f.mode {
	case ModeDualSensor:
		if f.primaryValue != nil && f.secondaryValue != nil {
			wp, ws := f.cfg.NormalizedWeights()
			v := wp**f.primaryValue + ws**f.secondaryValue
			raw = &v
		}
	case ModePrimaryOnly:
		if f.cfg.AutoFallback {
			raw = f.primaryValue
		}
	case ModeSecondaryOnly:
		if f.cfg.AutoFallback {
			raw = f.secondaryValue
		}
	case ModeInconsistent:
		if f.cfg.AutoFallback {
			raw = f.primaryValue
		} else if f.primaryValue != nil && f.secondaryValue != nil {
			v := (*f.primaryValue + *f.secondaryValue) / 2
			raw = &v
		}
	}

	if raw != nil {
		v := f.smooth(*raw)
		f.fused = &v
	} else if f.mode == ModeNoData {
		f.fused = nil
	}
}

// Reset clears all state.
func (f *Fuser) Reset() {
	f.primaryValue = nil
	f.secondaryValue = nil
	f.primaryAt = time.Time{}
	f.secondaryAt = time.Time{}
	f.fused = nil
	f.window = f.window[:0]
	f.mode = ModeNoData
}

// Diagnostics returns the current observable state.
func (f *Fuser) Diagnostics() Diagnostics {
	now := f.now()
	d := Diagnostics{
		PrimaryActive:   !f.droppedOut(f.primaryAt, now),
		SecondaryActive: !f.droppedOut(f.secondaryAt, now),
		PrimaryValue:    f.primaryValue,
		SecondaryValue:  f.secondaryValue,
		FusedValue:      f.fused,
		PrimaryAgeMS:    ageMS(f.primaryAt, now),
		SecondaryAgeMS:  ageMS(f.secondaryAt, now),
		Mode:            f.mode,
		SampleCount:     len(f.window),
	}
	if f.primaryValue != nil && f.secondaryValue != nil {
		dev := deviation(*f.primaryValue, *f.secondaryValue)
		d.DeviationPercent = &dev
		d.SensorsAgree = dev <= f.cfg.MaxDeviationPercent
	}
	return d
}

func (f *Fuser) droppedOut(at, now time.Time) bool {
	if at.IsZero() {
		return true
	}
	return now.Sub(at) > time.Duration(f.cfg.DropoutTimeoutMS)*time.Millisecond
}

func ageMS(at, now time.Time) uint32 {
	if at.IsZero() {
		return ^uint32(0)
	}
	ms := now.Sub(at).Milliseconds()
	if ms < 0 {
		return 0
	}
	return uint32(ms)
}

// deviation is the relative difference in percent against the larger value.
func deviation(a, b float64) float64 {
	maxVal := a
	if b > maxVal {
		maxVal = b
	}
	if maxVal == 0 {
		return 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff / maxVal * 100
}

func (f *Fuser) determineMode(now time.Time) Mode {
	primaryActive := !f.droppedOut(f.primaryAt, now)
	secondaryActive := !f.droppedOut(f.secondaryAt, now)
	switch {
	case primaryActive && secondaryActive:
		if f.primaryValue != nil && f.secondaryValue != nil &&
			deviation(*f.primaryValue, *f.secondaryValue) > f.cfg.MaxDeviationPercent {
			return ModeInconsistent
		}
		return ModeDualSensor
	case primaryActive:
		return ModePrimaryOnly
	case secondaryActive:
		return ModeSecondaryOnly
	default:
		return ModeNoData
	}
}

// smooth pushes the raw value into the window and returns the exponential
// moving average, seeded by the oldest window value.
func (f *Fuser) smooth(v float64) float64 {
	f.window = append(f.window, v)
	if len(f.window) > f.cfg.WindowSize {
		f.window = f.window[len(f.window)-f.cfg.WindowSize:]
	}
	ema := f.window[0]
	alpha := f.cfg.SmoothingFactor
	for _, val := range f.window[1:] {
		ema = alpha*val + (1-alpha)*ema
	}
	return ema
}
