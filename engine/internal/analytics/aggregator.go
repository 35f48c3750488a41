package analytics

import (
	"math"

	"veloride/engine/models"
)

// Sample is one finalized 1 Hz row, shaped for the recording sink.
type Sample struct {
	ElapsedSeconds   uint32   `json:"elapsed_seconds"`
	PowerWatts       *uint16  `json:"power_watts,omitempty"`
	CadenceRPM       *uint8   `json:"cadence_rpm,omitempty"`
	HeartRateBPM     *uint8   `json:"heart_rate_bpm,omitempty"`
	SpeedMPS         *float64 `json:"speed_mps,omitempty"`
	DistanceM        float64  `json:"distance_m"`
	CaloriesKcal     float64  `json:"calories_kcal"`
	ResistanceLevel  *uint8   `json:"resistance_level,omitempty"`
	TargetPowerWatts *uint16  `json:"target_power_watts,omitempty"`
	TrainerGrade     *float64 `json:"trainer_grade,omitempty"`
	PotentialGap     bool     `json:"-"`
}

// RideStats is the running summary over the ride so far.
type RideStats struct {
	Seconds         uint32  `json:"seconds"`
	AvgPowerWatts   float64 `json:"avg_power_watts"`
	MaxPowerWatts   uint16  `json:"max_power_watts"`
	NormalizedPower float64 `json:"normalized_power"`
	IntensityFactor float64 `json:"intensity_factor"`
	TSS             float64 `json:"tss"`
	AvgHeartRate    float64 `json:"avg_heart_rate"`
	MaxHeartRate    uint8   `json:"max_heart_rate"`
	AvgCadence      float64 `json:"avg_cadence"`
	DistanceM       float64 `json:"distance_m"`
	CaloriesKcal    float64 `json:"calories_kcal"`
}

// npWindow is the rolling-average window feeding normalized power.
const npWindow = 30

// Aggregator resamples up-to-4 Hz readings onto the 1 Hz ride clock and
// keeps running statistics. Single-writer: only the coordinator touches it.
type Aggregator struct {
	ftp uint16

	// accumulation for the currently open second
	powerSum   int64
	powerCount int
	cadence    *uint8
	heartRate  *uint8
	speed      *float64
	resistance *uint8

	distanceM float64
	calories  float64
	hasDeltas bool

	series  []uint16
	gapMask []bool

	// running statistics
	powerTotal int64
	maxPower   uint16
	hrTotal    int64
	hrCount    int64
	maxHR      uint8
	cadTotal   int64
	cadCount   int64
	npRoll     []uint16
	npQuartic  float64
	npCount    int64
}

// NewAggregator creates an aggregator for the given FTP (used by IF/TSS).
func NewAggregator(ftp uint16) *Aggregator {
	return &Aggregator{ftp: ftp}
}

// Reset clears all accumulated state for a new ride.
func (a *Aggregator) Reset(ftp uint16) {
	*a = Aggregator{ftp: ftp}
}

// Ingest folds one sensor reading into the currently open second.
func (a *Aggregator) Ingest(r *models.Reading) {
	if r == nil {
		return
	}
	if r.PowerWatts != nil {
		a.powerSum += int64(*r.PowerWatts)
		a.powerCount++
	}
	if r.CadenceRPM != nil {
		v := *r.CadenceRPM
		a.cadence = &v
	}
	if r.HeartRateBPM != nil {
		v := *r.HeartRateBPM
		a.heartRate = &v
	}
	if r.SpeedMPS != nil {
		v := *r.SpeedMPS
		a.speed = &v
	}
	if r.DistanceDeltaM != nil {
		a.distanceM += *r.DistanceDeltaM
		a.hasDeltas = true
	}
}

// Rollover closes the current ride-clock second and emits its sample. A
// second with no power reading emits zero watts flagged as a potential gap.
func (a *Aggregator) Rollover(elapsedSeconds uint32, targetPower *uint16, grade *float64) Sample {
	var power uint16
	gap := a.powerCount == 0
	if !gap {
		power = uint16(a.powerSum / int64(a.powerCount))
	}

	// Distance comes from explicit deltas when the sensor reports them;
	// otherwise integrate speed over the second.
	if !a.hasDeltas && a.speed != nil {
		a.distanceM += *a.speed
	}
	// Mechanical work approximated as metabolic kcal (kJ at ~24% efficiency
	// against ~4.184 kJ/kcal cancels to roughly one).
	a.calories += float64(power) / 1000.0

	a.series = append(a.series, power)
	a.gapMask = append(a.gapMask, gap)

	a.powerTotal += int64(power)
	if power > a.maxPower {
		a.maxPower = power
	}
	if a.heartRate != nil {
		a.hrTotal += int64(*a.heartRate)
		a.hrCount++
		if *a.heartRate > a.maxHR {
			a.maxHR = *a.heartRate
		}
	}
	if a.cadence != nil {
		a.cadTotal += int64(*a.cadence)
		a.cadCount++
	}

	a.npRoll = append(a.npRoll, power)
	if len(a.npRoll) > npWindow {
		a.npRoll = a.npRoll[1:]
	}
	if len(a.npRoll) == npWindow {
		var sum int64
		for _, p := range a.npRoll {
			sum += int64(p)
		}
		avg := float64(sum) / npWindow
		a.npQuartic += avg * avg * avg * avg
		a.npCount++
	}

	s := Sample{
		ElapsedSeconds:  elapsedSeconds,
		CadenceRPM:      a.cadence,
		HeartRateBPM:    a.heartRate,
		SpeedMPS:        a.speed,
		DistanceM:       a.distanceM,
		CaloriesKcal:    a.calories,
		ResistanceLevel: a.resistance,
		TrainerGrade:    grade,
		PotentialGap:    gap,
	}
	if !gap {
		p := power
		s.PowerWatts = &p
	}
	if targetPower != nil {
		tp := *targetPower
		s.TargetPowerWatts = &tp
	}

	// All per-second accumulators reset: cadence/HR/speed are last-observed
	// within the second, so a second without readings emits null columns.
	a.powerSum = 0
	a.powerCount = 0
	a.cadence = nil
	a.heartRate = nil
	a.speed = nil

	return s
}

// PowerSeries returns the accumulated 1 Hz power samples.
func (a *Aggregator) PowerSeries() []uint16 {
	out := make([]uint16, len(a.series))
	copy(out, a.series)
	return out
}

// Stats returns the running ride summary.
func (a *Aggregator) Stats() RideStats {
	n := uint32(len(a.series))
	st := RideStats{
		Seconds:       n,
		MaxPowerWatts: a.maxPower,
		MaxHeartRate:  a.maxHR,
		DistanceM:     a.distanceM,
		CaloriesKcal:  a.calories,
	}
	if n > 0 {
		st.AvgPowerWatts = float64(a.powerTotal) / float64(n)
	}
	if a.hrCount > 0 {
		st.AvgHeartRate = float64(a.hrTotal) / float64(a.hrCount)
	}
	if a.cadCount > 0 {
		st.AvgCadence = float64(a.cadTotal) / float64(a.cadCount)
	}
	if a.npCount > 0 {
		st.NormalizedPower = math.Pow(a.npQuartic/float64(a.npCount), 0.25)
	}
	if a.ftp > 0 && st.NormalizedPower > 0 {
		st.IntensityFactor = st.NormalizedPower / float64(a.ftp)
		hours := float64(n) / 3600.0
		st.TSS = hours * st.IntensityFactor * st.IntensityFactor * 100.0
	}
	return st
}
