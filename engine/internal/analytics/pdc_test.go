package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDCUpdateMergeSemantics(t *testing.T) {
	pdc := NewPDC()

	changed := pdc.Update([]PDCPoint{{60, 300}, {300, 250}})
	assert.Len(t, changed, 2)

	changed = pdc.Update([]PDCPoint{{60, 350}})
	assert.Len(t, changed, 1)
	require.NotNil(t, pdc.PowerAt(60))
	assert.Equal(t, uint16(350), *pdc.PowerAt(60))

	// Lower power never regresses the curve.
	changed = pdc.Update([]PDCPoint{{60, 320}})
	assert.Empty(t, changed)
	assert.Equal(t, uint16(350), *pdc.PowerAt(60))

	// Equal power is not an improvement.
	changed = pdc.Update([]PDCPoint{{60, 350}})
	assert.Empty(t, changed)

	mid := pdc.PowerAt(180)
	require.NotNil(t, mid)
	assert.Greater(t, *mid, uint16(250))
	assert.Less(t, *mid, uint16(350))
}

func TestPDCMonotoneUnderMerges(t *testing.T) {
	pdc := NewPDC()
	updates := [][]PDCPoint{
		{{60, 280}, {600, 210}},
		{{60, 260}, {120, 290}},
		{{60, 300}, {600, 230}},
	}
	prev := map[uint32]uint16{}
	for _, up := range updates {
		pdc.Update(up)
		for _, d := range []uint32{60, 120, 600} {
			if v := pdc.PowerAt(d); v != nil {
				assert.GreaterOrEqual(t, *v, prev[d], "duration %d", d)
				prev[d] = *v
			}
		}
	}
}

func TestPDCInterpolationMidpoint(t *testing.T) {
	pdc := PDCFromPoints([]PDCPoint{{60, 400}, {300, 300}})

	v := pdc.PowerAt(180)
	require.NotNil(t, v)
	assert.Equal(t, uint16(350), *v, "midpoint interpolates to round((w1+w2)/2)")
}

func TestPDCClampsBeyondEnds(t *testing.T) {
	pdc := PDCFromPoints([]PDCPoint{{60, 400}, {300, 300}})

	v := pdc.PowerAt(10)
	require.NotNil(t, v)
	assert.Equal(t, uint16(400), *v, "below smallest duration clamps")

	v = pdc.PowerAt(7200)
	require.NotNil(t, v)
	assert.Equal(t, uint16(300), *v, "above largest duration clamps")
}

func TestPDCEmptyReturnsNil(t *testing.T) {
	pdc := NewPDC()
	assert.Nil(t, pdc.PowerAt(60))
	assert.True(t, pdc.IsEmpty())
	_, ok := pdc.MaxDuration()
	assert.False(t, ok)
}

func TestPDCPowerAtActual(t *testing.T) {
	pdc := PDCFromPoints([]PDCPoint{{60, 400}, {300, 300}})

	require.NotNil(t, pdc.PowerAtActual(65, 10))
	assert.Nil(t, pdc.PowerAtActual(180, 30), "no recorded point within tolerance")
	assert.True(t, pdc.HasDataNear(290, 10))
}

func TestPDCSufficientDataForCP(t *testing.T) {
	pdc := NewPDC()
	assert.False(t, pdc.HasSufficientDataForCP())

	pdc.Update([]PDCPoint{{30, 500}})
	assert.False(t, pdc.HasSufficientDataForCP(), "points outside [120,1200] do not count")

	pdc.Update([]PDCPoint{{180, 350}, {600, 300}, {1200, 280}})
	assert.True(t, pdc.HasSufficientDataForCP())
}

func TestPDCSortedAfterUpdates(t *testing.T) {
	pdc := NewPDC()
	pdc.Update([]PDCPoint{{600, 220}})
	pdc.Update([]PDCPoint{{5, 600}})
	pdc.Update([]PDCPoint{{60, 380}})

	pts := pdc.Points()
	require.Len(t, pts, 3)
	for i := 1; i < len(pts); i++ {
		assert.Less(t, pts[i-1].DurationSeconds, pts[i].DurationSeconds)
	}
	maxDur, ok := pdc.MaxDuration()
	require.True(t, ok)
	assert.Equal(t, uint32(600), maxDur)
}

func TestBatchProcessorAccumulates(t *testing.T) {
	bp := NewBatchProcessor()

	changed := bp.ProcessRide(constantSeries(220, 120))
	assert.NotEmpty(t, changed)

	// A weaker ride cannot improve anything.
	changed = bp.ProcessRide(constantSeries(180, 120))
	assert.Empty(t, changed)

	assert.Equal(t, 2, bp.RideCount())
	v := bp.PDC().PowerAt(60)
	require.NotNil(t, v)
	assert.Equal(t, uint16(220), *v)
}
