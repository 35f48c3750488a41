// Package analytics computes running ride statistics, Mean Maximal Power and
// the rider's lifetime power-duration curve from 1 Hz sample streams.
package analytics

// maxInterpolationGap is the longest run of zero-watt samples treated as a
// sensor dropout; longer runs are genuine rest and stay untouched.
const maxInterpolationGap = 10

// StandardDurations is the stock MMP duration set, 1 s through 5 h.
func StandardDurations() []uint32 {
	return []uint32{
		1, 2, 3, 5, 10, 15, 20, 30,
		60, 120, 180, 300, 600, 900, 1200, 1800,
		2700, 3600, 5400, 7200, 10800, 14400, 18000,
	}
}

// InterpolateSensorGaps fills short zero runs (sensor dropouts) by linear
// interpolation between the surrounding non-zero samples. Non-zero samples
// are never changed and the series never grows.
func InterpolateSensorGaps(samples []uint16) []uint16 {
	if len(samples) == 0 {
		return nil
	}
	result := make([]uint16, len(samples))
	copy(result, samples)
	n := len(result)

	for i := 0; i < n; {
		if result[i] != 0 {
			i++
			continue
		}
		gapStart := i
		gapEnd := i
		for gapEnd < n && result[gapEnd] == 0 {
			gapEnd++
		}
		gapLen := gapEnd - gapStart

		if gapLen <= maxInterpolationGap {
			var before uint16
			if gapStart > 0 {
				before = result[gapStart-1]
			} else if gapEnd < n {
				// Run starts the series: lean on the first value after it.
				before = result[gapEnd]
			}
			after := before
			if gapEnd < n {
				after = result[gapEnd]
			}
			if before > 0 || after > 0 {
				for idx := gapStart; idx < gapEnd; idx++ {
					t := float64(idx-gapStart+1) / float64(gapLen+1)
					v := float64(before)*(1-t) + float64(after)*t
					result[idx] = uint16(v + 0.5)
				}
			}
		}
		i = gapEnd
	}
	return result
}

// MMPCalculator extracts Mean Maximal Power at configured durations from a
// 1 Hz power series. Prefix sums are built once per calculation and shared
// across durations: O(n + n·|D|).
type MMPCalculator struct {
	durations []uint32
}

// NewMMPCalculator creates a calculator for the given durations (sorted copy).
func NewMMPCalculator(durations []uint32) *MMPCalculator {
	sorted := make([]uint32, len(durations))
	copy(sorted, durations)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return &MMPCalculator{durations: sorted}
}

// StandardMMPCalculator uses the stock duration set.
func StandardMMPCalculator() *MMPCalculator {
	return &MMPCalculator{durations: StandardDurations()}
}

// Durations returns the configured duration set.
func (c *MMPCalculator) Durations() []uint32 {
	out := make([]uint32, len(c.durations))
	copy(out, c.durations)
	return out
}

func prefixSums(samples []uint16) []int64 {
	prefix := make([]int64, len(samples)+1)
	for i, p := range samples {
		prefix[i+1] = prefix[i] + int64(p)
	}
	return prefix
}

func maxWindowAverage(prefix []int64, window int) int64 {
	n := len(prefix) - 1
	var best int64
	for end := window; end <= n; end++ {
		avg := (prefix[end] - prefix[end-window]) / int64(window)
		if avg > best {
			best = avg
		}
	}
	return best
}

// Calculate returns the MMP point for every configured duration that fits
// the sample count.
func (c *MMPCalculator) Calculate(samples []uint16) []PDCPoint {
	return c.calculateFor(samples, c.durations)
}

// CalculateSelected reuses the prefix-sum scheme for an arbitrary duration
// set without reconfiguring the calculator.
func (c *MMPCalculator) CalculateSelected(samples []uint16, durations []uint32) []PDCPoint {
	return c.calculateFor(samples, durations)
}

func (c *MMPCalculator) calculateFor(samples []uint16, durations []uint32) []PDCPoint {
	n := len(samples)
	if n == 0 || len(durations) == 0 {
		return nil
	}
	prefix := prefixSums(samples)
	results := make([]PDCPoint, 0, len(durations))
	for _, d := range durations {
		if int(d) > n {
			continue
		}
		results = append(results, PDCPoint{
			DurationSeconds: d,
			PowerWatts:      uint16(maxWindowAverage(prefix, int(d))),
		})
	}
	return results
}

// CalculateSingle returns the MMP for one duration, or false when the series
// is shorter than the window.
func (c *MMPCalculator) CalculateSingle(samples []uint16, durationSeconds uint32) (uint16, bool) {
	n := len(samples)
	if n == 0 || int(durationSeconds) > n || durationSeconds == 0 {
		return 0, false
	}
	prefix := prefixSums(samples)
	return uint16(maxWindowAverage(prefix, int(durationSeconds))), true
}

// CalculateWithInterpolation interpolates short sensor gaps first, so
// dropouts do not dent the curve.
func (c *MMPCalculator) CalculateWithInterpolation(samples []uint16) []PDCPoint {
	return c.Calculate(InterpolateSensorGaps(samples))
}
