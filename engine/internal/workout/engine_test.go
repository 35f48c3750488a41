package workout

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veloride/engine/models"
)

func simpleWorkout() *models.Workout {
	return models.NewWorkout("test", []models.WorkoutSegment{
		{Type: models.SegmentSteadyState, DurationSeconds: 60, PowerTarget: models.PercentFTP(75)},
		{Type: models.SegmentSteadyState, DurationSeconds: 60, PowerTarget: models.PercentFTP(100)},
	})
}

func startedEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	require.NoError(t, e.Load(simpleWorkout(), 200))
	require.NoError(t, e.Start())
	return e
}

func tick(e *Engine, n int) {
	for i := 0; i < n; i++ {
		e.Tick()
	}
}

func TestLoadRejectsEmptyWorkout(t *testing.T) {
	e := New()
	err := e.Load(models.NewWorkout("empty", nil), 200)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEmptyWorkout)
	assert.False(t, e.HasWorkout())
}

func TestLoadReplacesExistingState(t *testing.T) {
	e := startedEngine(t)
	tick(e, 30)

	require.NoError(t, e.Load(simpleWorkout(), 250))
	st := e.State()
	assert.Equal(t, models.StatusNotStarted, st.Status)
	assert.Zero(t, st.TotalElapsedSeconds)
	assert.Equal(t, uint16(250), st.UserFTP)
}

func TestStartInitializesFirstSegment(t *testing.T) {
	e := startedEngine(t)

	st := e.State()
	assert.Equal(t, models.StatusInProgress, st.Status)
	require.NotNil(t, st.SegmentProgress)
	assert.Equal(t, 0, st.SegmentProgress.SegmentIndex)

	// 75% of 200W FTP
	target, ok := e.TargetPower()
	require.True(t, ok)
	assert.Equal(t, uint16(150), target)
}

func TestOperationsFromWrongState(t *testing.T) {
	e := New()
	assert.ErrorIs(t, e.Start(), models.ErrNoWorkoutLoaded)
	assert.ErrorIs(t, e.Pause(), models.ErrNoWorkoutLoaded)
	assert.ErrorIs(t, e.SkipSegment(), models.ErrNoWorkoutLoaded)

	require.NoError(t, e.Load(simpleWorkout(), 200))
	var stateErr *models.StateError
	assert.True(t, errors.As(e.Pause(), &stateErr), "pause before start")
	assert.True(t, errors.As(e.Resume(), &stateErr), "resume before start")
	assert.True(t, errors.As(e.Stop(), &stateErr), "stop before start")
	assert.True(t, errors.As(e.SkipSegment(), &stateErr))

	require.NoError(t, e.Start())
	assert.True(t, errors.As(e.Start(), &stateErr), "double start")

	// Failed operations leave state untouched.
	assert.Equal(t, models.StatusInProgress, e.State().Status)
}

func TestClockMonotonicity(t *testing.T) {
	e := startedEngine(t)

	tick(e, 10)
	assert.Equal(t, uint32(10), e.State().TotalElapsedSeconds)

	require.NoError(t, e.Pause())
	tick(e, 5)
	assert.Equal(t, uint32(10), e.State().TotalElapsedSeconds, "paused clock is frozen")

	require.NoError(t, e.Resume())
	tick(e, 5)
	assert.Equal(t, uint32(15), e.State().TotalElapsedSeconds)

	require.NoError(t, e.Stop())
	tick(e, 5)
	assert.Equal(t, uint32(15), e.State().TotalElapsedSeconds, "stopped clock is frozen")
	assert.Equal(t, models.StatusStopped, e.State().Status)
}

// Scenario: interval workout with boundary smoothing. FTP 200, ramp 3s,
// segments 60s@75% then 60s@100%.
func TestBoundarySmoothing(t *testing.T) {
	e := startedEngine(t)

	tick(e, 59)
	target, _ := e.TargetPower()
	assert.Equal(t, uint16(150), target)

	// Tick 60 crosses the boundary with ramp counter at 0: previous target
	// still reported.
	e.Tick()
	st := e.State()
	require.NotNil(t, st.SegmentProgress)
	assert.Equal(t, 1, st.SegmentProgress.SegmentIndex)
	target, _ = e.TargetPower()
	assert.Equal(t, uint16(150), target)

	// Monotone interpolation toward the new base.
	prev := target
	for i := 61; i <= 63; i++ {
		e.Tick()
		cur, _ := e.TargetPower()
		assert.GreaterOrEqual(t, cur, prev, "tick %d", i)
		prev = cur
	}
	assert.Equal(t, uint16(200), prev, "ramp lands on the new base by tick 63")

	tick(e, 120-63)
	assert.True(t, e.IsComplete())
	assert.Nil(t, e.State().SegmentProgress)
}

// Scenario: trainer dropout mid-workout preserves clock and progress.
func TestTrainerDisconnectPreservesProgress(t *testing.T) {
	e := startedEngine(t)
	tick(e, 10)

	require.NoError(t, e.OnTrainerDisconnect())
	assert.True(t, e.IsTrainerDisconnected())
	assert.True(t, e.IsActive())

	tick(e, 5)
	st := e.State()
	assert.Equal(t, uint32(10), st.TotalElapsedSeconds)
	assert.Equal(t, 0, st.SegmentProgress.SegmentIndex)
	target, _ := e.TargetPower()
	assert.Equal(t, uint16(150), target, "target preserved across disconnect")

	require.NoError(t, e.OnTrainerReconnect())
	assert.False(t, e.IsTrainerDisconnected())
	tick(e, 5)
	assert.Equal(t, uint32(15), e.State().TotalElapsedSeconds)
}

func TestDisconnectWhenNotRunningIsNoop(t *testing.T) {
	e := New()
	require.NoError(t, e.Load(simpleWorkout(), 200))
	require.NoError(t, e.OnTrainerDisconnect())
	assert.Equal(t, models.StatusNotStarted, e.State().Status)

	require.NoError(t, e.Start())
	require.NoError(t, e.Pause())
	require.NoError(t, e.OnTrainerDisconnect())
	assert.Equal(t, models.StatusPaused, e.State().Status)
}

func TestSkipSegment(t *testing.T) {
	e := startedEngine(t)
	tick(e, 10)

	require.NoError(t, e.SkipSegment())
	st := e.State()
	assert.Equal(t, 1, st.SegmentProgress.SegmentIndex)
	assert.Equal(t, uint32(60), st.TotalElapsedSeconds)

	// Skipping the last segment completes the workout.
	require.NoError(t, e.SkipSegment())
	assert.True(t, e.IsComplete())
}

func TestSkipHonorsExtension(t *testing.T) {
	e := startedEngine(t)
	tick(e, 10)
	require.NoError(t, e.ExtendSegment(30))
	require.NoError(t, e.SkipSegment())

	st := e.State()
	assert.Equal(t, 1, st.SegmentProgress.SegmentIndex)
	assert.Equal(t, uint32(90), st.TotalElapsedSeconds)
}

func TestExtendSegmentShiftsWorkoutEnd(t *testing.T) {
	e := startedEngine(t)
	tick(e, 10)
	require.NoError(t, e.ExtendSegment(30))

	// Still in segment 0 at tick 89.
	tick(e, 79)
	st := e.State()
	assert.Equal(t, 0, st.SegmentProgress.SegmentIndex)
	assert.Equal(t, uint32(89), st.SegmentProgress.ElapsedSeconds)

	// Boundary moved to 90; second segment runs its full 60s after it.
	e.Tick()
	st = e.State()
	assert.Equal(t, 1, st.SegmentProgress.SegmentIndex)
	assert.Equal(t, uint32(0), st.SegmentProgress.ElapsedSeconds)

	tick(e, 59)
	assert.False(t, e.IsComplete())
	e.Tick()
	assert.True(t, e.IsComplete(), "completion shifted to 150s")
}

func TestExtensionClearedAtBoundary(t *testing.T) {
	e := startedEngine(t)
	require.NoError(t, e.ExtendSegment(20))
	tick(e, 80) // through extended segment 0 into segment 1

	st := e.State()
	require.Equal(t, 1, st.SegmentProgress.SegmentIndex)
	// Segment 1 keeps its base duration: extension applied only where
	// requested.
	assert.Equal(t, uint32(60), st.SegmentProgress.RemainingSeconds)
}

func TestAdjustPower(t *testing.T) {
	e := startedEngine(t)
	e.Tick()

	require.NoError(t, e.AdjustPower(10))
	target, _ := e.TargetPower()
	assert.Equal(t, uint16(160), target)

	require.NoError(t, e.AdjustPower(-20))
	target, _ = e.TargetPower()
	assert.Equal(t, uint16(140), target)
	assert.Equal(t, int16(-10), e.State().PowerOffset)
}

func TestAdjustPowerFloorsAtZero(t *testing.T) {
	e := startedEngine(t)
	e.Tick()

	require.NoError(t, e.AdjustPower(-1000))
	target, ok := e.TargetPower()
	require.True(t, ok)
	assert.Zero(t, target, "reported target never goes negative")
}

func TestRampProgressWithinRangeSegment(t *testing.T) {
	w := models.NewWorkout("ramp", []models.WorkoutSegment{
		{Type: models.SegmentRamp, DurationSeconds: 100, PowerTarget: models.RangeTarget(models.Absolute(100), models.Absolute(200))},
	})
	e := New()
	require.NoError(t, e.Load(w, 200))
	require.NoError(t, e.Start())

	tick(e, 50)
	st := e.State()
	assert.InDelta(t, 0.5, st.SegmentProgress.Progress, 1e-9)
	target, _ := e.TargetPower()
	assert.Equal(t, uint16(150), target)
}

func TestFreeRideReportsZeroTarget(t *testing.T) {
	w := models.NewWorkout("free", []models.WorkoutSegment{
		{Type: models.SegmentFreeRide, DurationSeconds: 120, PowerTarget: models.PercentFTP(0)},
	})
	e := New()
	require.NoError(t, e.Load(w, 200))
	require.NoError(t, e.Start())
	tick(e, 10)

	target, ok := e.TargetPower()
	require.True(t, ok)
	assert.Zero(t, target)
	segType, _ := e.CurrentSegmentType()
	assert.Equal(t, models.SegmentFreeRide, segType)
}

func TestCurrentTextEventAndCadence(t *testing.T) {
	w := models.NewWorkout("cues", []models.WorkoutSegment{
		{
			Type: models.SegmentSteadyState, DurationSeconds: 60,
			PowerTarget:   models.PercentFTP(80),
			CadenceTarget: &models.CadenceTarget{MinRPM: 85, MaxRPM: 95},
			TextEvent:     "Settle in",
		},
	})
	e := New()
	require.NoError(t, e.Load(w, 200))
	require.NoError(t, e.Start())

	text, ok := e.CurrentTextEvent()
	require.True(t, ok)
	assert.Equal(t, "Settle in", text)

	cad, ok := e.CurrentCadenceTarget()
	require.True(t, ok)
	assert.Equal(t, uint8(85), cad.MinRPM)
}

func TestTargetPowerBounds(t *testing.T) {
	e := startedEngine(t)
	require.NoError(t, e.AdjustPower(25))
	for i := 0; i < 120; i++ {
		e.Tick()
		if target, ok := e.TargetPower(); ok {
			assert.LessOrEqual(t, target, uint16(225), "max workout watts plus offset")
		}
	}
}

func TestResetClearsWorkout(t *testing.T) {
	e := startedEngine(t)
	e.Reset()
	assert.False(t, e.HasWorkout())
	assert.Nil(t, e.State())
	_, ok := e.TargetPower()
	assert.False(t, ok)
}
