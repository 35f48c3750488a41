package analytics

import "sort"

// PDCPoint is one point on the power-duration curve.
type PDCPoint struct {
	DurationSeconds uint32 `json:"duration_secs"`
	PowerWatts      uint16 `json:"power_watts"`
}

// PowerDurationCurve is the rider-lifetime mapping from duration to the best
// ever mean power at that duration. Points stay sorted by duration with no
// duplicates, and each point only ever increases.
type PowerDurationCurve struct {
	points []PDCPoint
}

// NewPDC creates an empty curve.
func NewPDC() *PowerDurationCurve { return &PowerDurationCurve{} }

// PDCFromPoints creates a curve from existing points (copied, sorted).
func PDCFromPoints(points []PDCPoint) *PowerDurationCurve {
	cp := make([]PDCPoint, len(points))
	copy(cp, points)
	sort.Slice(cp, func(i, j int) bool { return cp[i].DurationSeconds < cp[j].DurationSeconds })
	return &PowerDurationCurve{points: cp}
}

// Points returns the sorted points for charting or persistence.
func (p *PowerDurationCurve) Points() []PDCPoint {
	out := make([]PDCPoint, len(p.points))
	copy(out, p.points)
	return out
}

// Len returns the number of recorded points.
func (p *PowerDurationCurve) Len() int { return len(p.points) }

// IsEmpty reports whether no point has been recorded yet.
func (p *PowerDurationCurve) IsEmpty() bool { return len(p.points) == 0 }

// Update merges new ride points into the curve. A point replaces an existing
// duration only when strictly higher; the returned slice holds exactly the
// points that improved the curve.
func (p *PowerDurationCurve) Update(newPoints []PDCPoint) []PDCPoint {
	var changed []PDCPoint
	for _, np := range newPoints {
		idx := -1
		for i := range p.points {
			if p.points[i].DurationSeconds == np.DurationSeconds {
				idx = i
				break
			}
		}
		if idx >= 0 {
			if np.PowerWatts > p.points[idx].PowerWatts {
				p.points[idx] = np
				changed = append(changed, np)
			}
		} else {
			p.points = append(p.points, np)
			changed = append(changed, np)
		}
	}
	sort.Slice(p.points, func(i, j int) bool { return p.points[i].DurationSeconds < p.points[j].DurationSeconds })
	return changed
}

// PowerAt returns the power at a duration: exact points as recorded, linear
// interpolation between neighbors, clamped at both ends, nil when empty.
func (p *PowerDurationCurve) PowerAt(durationSeconds uint32) *uint16 {
	if len(p.points) == 0 {
		return nil
	}
	var lower, upper *PDCPoint
	for i := range p.points {
		pt := &p.points[i]
		switch {
		case pt.DurationSeconds == durationSeconds:
			w := pt.PowerWatts
			return &w
		case pt.DurationSeconds < durationSeconds:
			lower = pt
		default:
			upper = pt
		}
		if upper != nil {
			break
		}
	}
	switch {
	case lower != nil && upper != nil:
		ratio := float64(durationSeconds-lower.DurationSeconds) / float64(upper.DurationSeconds-lower.DurationSeconds)
		w := uint16(float64(lower.PowerWatts) + ratio*(float64(upper.PowerWatts)-float64(lower.PowerWatts)) + 0.5)
		return &w
	case lower != nil:
		w := lower.PowerWatts
		return &w
	default:
		w := upper.PowerWatts
		return &w
	}
}

// HasDataNear reports whether an actual recorded point lies within tolerance
// of the duration.
func (p *PowerDurationCurve) HasDataNear(durationSeconds, toleranceSeconds uint32) bool {
	for _, pt := range p.points {
		diff := pt.DurationSeconds - durationSeconds
		if pt.DurationSeconds < durationSeconds {
			diff = durationSeconds - pt.DurationSeconds
		}
		if diff <= toleranceSeconds {
			return true
		}
	}
	return false
}

// PowerAtActual returns PowerAt only when a recorded point is within
// tolerance, avoiding reliance on extrapolated values.
func (p *PowerDurationCurve) PowerAtActual(durationSeconds, toleranceSeconds uint32) *uint16 {
	if !p.HasDataNear(durationSeconds, toleranceSeconds) {
		return nil
	}
	return p.PowerAt(durationSeconds)
}

// HasSufficientDataForCP reports whether a critical-power fit is meaningful:
// at least three recorded points in the 2–20 minute range.
func (p *PowerDurationCurve) HasSufficientDataForCP() bool {
	count := 0
	for _, pt := range p.points {
		if pt.DurationSeconds >= 120 && pt.DurationSeconds <= 1200 {
			count++
		}
	}
	return count >= 3
}

// MaxDuration returns the longest recorded duration, or false when empty.
func (p *PowerDurationCurve) MaxDuration() (uint32, bool) {
	if len(p.points) == 0 {
		return 0, false
	}
	return p.points[len(p.points)-1].DurationSeconds, true
}

// BatchProcessor accumulates a PDC across many rides, sharing one calculator.
type BatchProcessor struct {
	pdc       *PowerDurationCurve
	calc      *MMPCalculator
	rideCount int
}

// NewBatchProcessor creates a processor with an empty curve and the standard
// duration set.
func NewBatchProcessor() *BatchProcessor {
	return &BatchProcessor{pdc: NewPDC(), calc: StandardMMPCalculator()}
}

// NewBatchProcessorWithPDC seeds the processor with an existing curve.
func NewBatchProcessorWithPDC(pdc *PowerDurationCurve) *BatchProcessor {
	if pdc == nil {
		pdc = NewPDC()
	}
	return &BatchProcessor{pdc: pdc, calc: StandardMMPCalculator()}
}

// ProcessRide folds one ride's power samples into the curve, returning the
// points that improved it.
func (b *BatchProcessor) ProcessRide(samples []uint16) []PDCPoint {
	changed := b.pdc.Update(b.calc.CalculateWithInterpolation(samples))
	b.rideCount++
	return changed
}

// ProcessRideSelected folds one ride using only the given durations.
func (b *BatchProcessor) ProcessRideSelected(samples []uint16, durations []uint32) []PDCPoint {
	changed := b.pdc.Update(b.calc.CalculateSelected(InterpolateSensorGaps(samples), durations))
	b.rideCount++
	return changed
}

// PDC returns the accumulated curve.
func (b *BatchProcessor) PDC() *PowerDurationCurve { return b.pdc }

// RideCount returns how many rides have been folded in.
func (b *BatchProcessor) RideCount() int { return b.rideCount }
