package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veloride/engine/internal/segments"
	"veloride/engine/models"
	"veloride/engine/telemetry/health"
)

func testConfig() Config {
	cfg := Defaults()
	cfg.FTP = 200
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func intervalWorkout() *models.Workout {
	return models.NewWorkout("intervals", []models.WorkoutSegment{
		{Type: models.SegmentSteadyState, DurationSeconds: 60, PowerTarget: models.PercentFTP(75)},
		{Type: models.SegmentSteadyState, DurationSeconds: 60, PowerTarget: models.PercentFTP(100)},
	})
}

func trainerReading(power uint16, cadence uint8) models.SensorEvent {
	p, c := power, cadence
	return models.Data(models.Reading{
		DeviceID: "kickr", Kind: models.SensorTrainer, Timestamp: time.Now(),
		PowerWatts: &p, CadenceRPM: &c,
	})
}

// driveSeconds advances the coordinator n ride-clock seconds, feeding one
// trainer reading per second.
func driveSeconds(e *Engine, n int, power uint16) {
	now := time.Now()
	for i := 0; i < n; i++ {
		e.Submit(trainerReading(power, 90))
		now = now.Add(time.Second)
		e.step(now)
	}
}

func TestNewRejectsZeroFTP(t *testing.T) {
	cfg := Defaults()
	cfg.FTP = 0
	_, err := New(cfg)
	require.Error(t, err)
}

func TestLoadWorkoutComputesEstimates(t *testing.T) {
	e := newTestEngine(t, testConfig())
	w := intervalWorkout()
	require.NoError(t, e.LoadWorkout(w))
	assert.Greater(t, w.EstimatedTSS, 0.0)

	snap := e.Snapshot()
	require.NotNil(t, snap.Workout)
	assert.Equal(t, models.StatusNotStarted, snap.Workout.Status)
}

func TestRideLifecycle(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.NoError(t, e.LoadWorkout(intervalWorkout()))
	require.NoError(t, e.StartRide())

	driveSeconds(e, 10, 150)

	snap := e.Snapshot()
	require.NotNil(t, snap.Workout)
	assert.Equal(t, models.StatusInProgress, snap.Workout.Status)
	assert.Equal(t, uint32(10), snap.Workout.TotalElapsedSeconds)
	require.NotNil(t, snap.Ride)
	assert.Equal(t, uint32(10), snap.Ride.Stats.Seconds)
	assert.InDelta(t, 150, snap.Ride.Stats.AvgPowerWatts, 1.0)

	require.NoError(t, e.PauseRide())
	driveSeconds(e, 5, 150)
	assert.Equal(t, uint32(10), e.Snapshot().Workout.TotalElapsedSeconds, "paused clock frozen")

	require.NoError(t, e.ResumeRide())
	summary, err := e.StopRide()
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, uint16(200), summary.Ride.FTPAtRide)
	assert.NotEmpty(t, summary.MMP)
}

func TestWorkoutRunsToCompletionAndFinalizes(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.NoError(t, e.LoadWorkout(intervalWorkout()))

	var events []TelemetryEvent
	e.RegisterEventObserver(func(ev TelemetryEvent) { events = append(events, ev) })

	require.NoError(t, e.StartRide())
	driveSeconds(e, 121, 160)

	snap := e.Snapshot()
	assert.Equal(t, models.StatusCompleted, snap.Workout.Status)

	var seen []string
	for _, ev := range events {
		seen = append(seen, ev.Type)
	}
	assert.Contains(t, seen, "workout_started")
	assert.Contains(t, seen, "segment_transition")
	assert.Contains(t, seen, "workout_completed")
	assert.Contains(t, seen, "ride_finalized")

	// The finalized ride merged into the lifetime PDC.
	points := e.PDCPoints()
	require.NotEmpty(t, points)
	assert.Equal(t, uint16(160), points[0].PowerWatts)

	// Samples landed in the store.
	rides, err := e.Store().Rides()
	require.NoError(t, err)
	require.Len(t, rides, 1)
	samples, err := e.Store().Samples(rides[0])
	require.NoError(t, err)
	assert.Len(t, samples, 120)
}

func TestTrainerDropoutGracePeriod(t *testing.T) {
	cfg := testConfig()
	cfg.TrainerDropoutTimeoutMS = 3000
	e := newTestEngine(t, cfg)
	require.NoError(t, e.LoadWorkout(intervalWorkout()))
	require.NoError(t, e.StartRide())

	driveSeconds(e, 10, 150)
	require.Equal(t, models.StatusInProgress, e.Snapshot().Workout.Status)

	// No trainer data for longer than the grace period.
	now := time.Now().Add(14 * time.Second)
	e.step(now)
	assert.Equal(t, models.StatusTrainerDisconnected, e.Snapshot().Workout.Status)
	elapsed := e.Snapshot().Workout.TotalElapsedSeconds

	// Fresh trainer data recovers the ride; clock resumes with no catch-up.
	e.Submit(trainerReading(150, 90))
	e.step(now.Add(100 * time.Millisecond))
	assert.Equal(t, models.StatusInProgress, e.Snapshot().Workout.Status)
	assert.Equal(t, elapsed, e.Snapshot().Workout.TotalElapsedSeconds)
}

func TestTrainerDisconnectViaConnectionEvent(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.NoError(t, e.LoadWorkout(intervalWorkout()))

	e.Submit(models.Discovered(models.SensorDesc{DeviceID: "kickr", Kind: models.SensorTrainer, Name: "KICKR"}))
	require.NoError(t, e.StartRide())
	driveSeconds(e, 5, 150)

	e.Submit(models.ConnectionChanged("kickr", models.ConnDisconnected))
	e.step(time.Now().Add(6 * time.Second))
	assert.Equal(t, models.StatusTrainerDisconnected, e.Snapshot().Workout.Status)

	e.Submit(models.ConnectionChanged("kickr", models.ConnConnected))
	e.step(time.Now().Add(7 * time.Second))
	assert.Equal(t, models.StatusInProgress, e.Snapshot().Workout.Status)
}

func TestCadenceFusionThroughPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.Fusion.PrimaryWeight = 0.8
	cfg.Fusion.SecondaryWeight = 0.2
	cfg.Fusion.SmoothingFactor = 0
	cfg.Fusion.WindowSize = 1
	e := newTestEngine(t, cfg)

	cad := uint8(100)
	e.Submit(models.Data(models.Reading{DeviceID: "cad", Kind: models.SensorCadence, CadenceRPM: &cad}))
	e.Submit(trainerReading(150, 80))
	e.step(time.Now())

	snap := e.Snapshot()
	require.NotNil(t, snap.Cadence)
	require.NotNil(t, snap.Cadence.FusedValue)
	assert.InDelta(t, 96, *snap.Cadence.FusedValue, 0.5, "0.8·100 + 0.2·80")
}

func TestSegmentTimingThroughPipeline(t *testing.T) {
	route := uuid.New()
	seg := segments.NewSegment(route, "Sprint", 100, 200, 0)
	cfg := testConfig()
	cfg.Segments = []segments.Segment{seg}
	e := newTestEngine(t, cfg)

	w := models.NewWorkout("free", []models.WorkoutSegment{
		{Type: models.SegmentFreeRide, DurationSeconds: 600, PowerTarget: models.PercentFTP(0)},
	})
	require.NoError(t, e.LoadWorkout(w))
	require.NoError(t, e.StartRide())

	// 10 m/s: enters the segment at 100m (t≈10s), exits at 200m (t≈20s).
	now := time.Now()
	speed := 10.0
	for i := 0; i < 30; i++ {
		p := uint16(250)
		e.Submit(models.Data(models.Reading{DeviceID: "kickr", Kind: models.SensorTrainer, PowerWatts: &p, SpeedMPS: &speed}))
		now = now.Add(time.Second)
		e.step(now)
	}

	snap := e.Snapshot()
	require.NotNil(t, snap.Segments)
	require.Len(t, snap.Segments.Completed, 1)
	st := snap.Segments.Completed[0]
	assert.True(t, st.IsPersonalBest)
	assert.InDelta(t, 10.0, st.TimeSeconds, 1.5)

	summary, err := e.StopRide()
	require.NoError(t, err)
	require.Len(t, summary.SegmentTimes, 1)
	assert.True(t, summary.SegmentTimes[0].IsPersonalBest, "store confirms first effort")
}

func TestHealthSnapshot(t *testing.T) {
	e := newTestEngine(t, testConfig())
	snap := e.HealthSnapshot(context.Background())
	assert.Equal(t, health.StatusHealthy, snap.Overall)
	require.Len(t, snap.Probes, 3)
}

func TestMetricsHandlerPresence(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = true
	cfg.MetricsBackend = "prom"
	e := newTestEngine(t, cfg)
	assert.NotNil(t, e.MetricsHandler())

	e2 := newTestEngine(t, testConfig())
	assert.Nil(t, e2.MetricsHandler(), "metrics disabled")
}

func TestStartStopLoop(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, e.Start(context.Background()), "double start rejected")
	require.NoError(t, e.Stop())
}

func TestLoadReplacesRide(t *testing.T) {
	e := newTestEngine(t, testConfig())
	require.NoError(t, e.LoadWorkout(intervalWorkout()))
	require.NoError(t, e.StartRide())
	driveSeconds(e, 5, 150)

	// Loading a new workout cancels the previous ride unconditionally.
	require.NoError(t, e.LoadWorkout(intervalWorkout()))
	snap := e.Snapshot()
	assert.Equal(t, models.StatusNotStarted, snap.Workout.Status)
	assert.Nil(t, snap.Ride)
}
