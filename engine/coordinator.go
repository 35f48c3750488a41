package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"veloride/engine/internal/analytics"
	"veloride/engine/internal/export"
	"veloride/engine/internal/store"
	telemEvents "veloride/engine/internal/telemetry/events"
	"veloride/engine/internal/workout"
	"veloride/engine/models"
)

// LoadWorkout loads a workout into the executor, replacing and cancelling
// any previously loaded one. Estimates are computed against the rider's FTP.
func (e *Engine) LoadWorkout(w *models.Workout) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w != nil {
		w.CalculateEstimates(e.cfg.FTP)
	}
	if err := e.executor.Load(w, e.cfg.FTP); err != nil {
		return err
	}
	e.riding = false
	e.lastSegmentIdx = -1
	e.publish(telemEvents.Event{Category: telemEvents.CategoryWorkout, Type: "workout_loaded", Severity: "info", Fields: map[string]interface{}{"name": w.Name, "duration_seconds": w.TotalDurationSeconds}})
	return nil
}

// LoadWorkoutFile parses a .zwo/.mrc/.erg/.fit file and loads it.
func (e *Engine) LoadWorkoutFile(path string) error {
	w, err := workout.ParseFile(path)
	if err != nil {
		return err
	}
	return e.LoadWorkout(w)
}

// StartRide starts the loaded workout and begins recording.
func (e *Engine) StartRide() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.executor.Start(); err != nil {
		return err
	}
	e.rideID = uuid.New()
	e.rideStartedAt = time.Now().UTC()
	e.nextSecondAt = time.Now().Add(time.Second)
	e.lastSegmentIdx = 0
	e.riding = true
	e.agg.Reset(e.cfg.FTP)
	e.timer.Reset(e.rideID)
	e.seedSegmentBests()
	e.publish(telemEvents.Event{Category: telemEvents.CategoryWorkout, Type: "workout_started", Severity: "info", Labels: map[string]string{"ride_id": e.rideID.String()}})
	return nil
}

// seedSegmentBests primes the timer's PB flags from stored history.
func (e *Engine) seedSegmentBests() {
	for _, seg := range e.cfg.Segments {
		if best, ok, err := e.st.BestSegmentTime(e.cfg.UserID, seg.ID); err == nil && ok {
			e.timer.SeedBestTime(seg.ID, best)
		}
	}
}

// PauseRide suspends the ride clock.
func (e *Engine) PauseRide() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executor.Pause()
}

// ResumeRide resumes a paused ride.
func (e *Engine) ResumeRide() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executor.Resume()
}

// StopRide ends the ride early and finalizes the recording.
func (e *Engine) StopRide() (*RideSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.executor.Stop(); err != nil {
		return nil, err
	}
	return e.finalizeRideLocked()
}

// SkipSegment advances to the next workout segment.
func (e *Engine) SkipSegment() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executor.SkipSegment()
}

// ExtendSegment stretches the active workout segment.
func (e *Engine) ExtendSegment(seconds uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executor.ExtendSegment(seconds)
}

// AdjustPower shifts the manual target offset.
func (e *Engine) AdjustPower(deltaWatts int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executor.AdjustPower(deltaWatts)
}

// run is the coordinator loop: the only scheduler in the core.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.step(now)
		}
	}
}

// step drains pending sensor events, applies trainer-dropout detection and
// processes any crossed one-second boundaries.
func (e *Engine) step(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ev := range e.source.Drain() {
		e.routeEvent(ev, now)
	}

	e.checkTrainerDropout(now)

	if !e.riding {
		return
	}
	for !now.Before(e.nextSecondAt) {
		e.nextSecondAt = e.nextSecondAt.Add(time.Second)
		e.processSecond()
	}
}

// routeEvent dispatches one sensor event. Runs under the coordinator lock.
func (e *Engine) routeEvent(ev models.SensorEvent, now time.Time) {
	switch ev.Kind {
	case models.EventDiscovered:
		if ev.Sensor != nil {
			e.deviceKinds[ev.Sensor.DeviceID] = ev.Sensor.Kind
			e.publish(telemEvents.Event{Category: telemEvents.CategorySensors, Type: "discovered", Severity: "info", Labels: map[string]string{"device": ev.Sensor.DeviceID, "kind": string(ev.Sensor.Kind)}})
		}
	case models.EventConnectionChanged:
		e.publish(telemEvents.Event{Category: telemEvents.CategorySensors, Type: "connection_changed", Severity: "info", Labels: map[string]string{"device": ev.DeviceID, "state": string(ev.State)}})
		if e.deviceKinds[ev.DeviceID] == models.SensorTrainer {
			switch ev.State {
			case models.ConnDisconnected:
				e.trainerDisconnect("connection lost")
			case models.ConnConnected:
				e.lastTrainerAt = now
				e.trainerReconnect()
			}
		}
	case models.EventData:
		e.routeReading(ev.Reading, now)
	case models.EventScanStarted:
		e.publish(telemEvents.Event{Category: telemEvents.CategorySensors, Type: "scan_started", Severity: "info"})
	case models.EventScanStopped:
		e.publish(telemEvents.Event{Category: telemEvents.CategorySensors, Type: "scan_stopped", Severity: "info"})
	case models.EventError:
		e.publish(telemEvents.Event{Category: telemEvents.CategoryError, Type: "transport_error", Severity: "warn", Fields: map[string]interface{}{"message": ev.Message}})
	}
}

func (e *Engine) routeReading(r *models.Reading, now time.Time) {
	if r == nil {
		return
	}
	if r.Kind == models.SensorTrainer {
		e.lastTrainerAt = now
		if r.GradePercent != nil {
			g := *r.GradePercent
			e.trainerGrade = &g
		}
		e.trainerReconnect()
	}

	// Cadence fusion: a dedicated cadence sensor is the primary source, the
	// trainer's (or power meter's) reported cadence the secondary.
	if r.CadenceRPM != nil {
		v := float64(*r.CadenceRPM)
		if r.Kind == models.SensorCadence {
			e.cadence.Update(&v, nil)
		} else {
			e.cadence.Update(nil, &v)
		}
		if e.mCadence != nil {
			if fused := e.cadence.Value(); fused != nil {
				e.mCadence.Set(*fused)
			}
		}
	}
	if r.HeartRateBPM != nil {
		v := float64(*r.HeartRateBPM)
		e.heartRate.Update(&v, nil)
	}

	e.agg.Ingest(r)
}

// checkTrainerDropout applies the grace period: trainer data older than the
// timeout while a workout runs parks the executor in TrainerDisconnected.
func (e *Engine) checkTrainerDropout(now time.Time) {
	if !e.riding || e.lastTrainerAt.IsZero() {
		return
	}
	state := e.executor.State()
	if state == nil || state.Status != models.StatusInProgress {
		return
	}
	if now.Sub(e.lastTrainerAt) > time.Duration(e.cfg.TrainerDropoutTimeoutMS)*time.Millisecond {
		e.trainerDisconnect("data timeout")
	}
}

func (e *Engine) trainerDisconnect(reason string) {
	if e.executor.IsTrainerDisconnected() {
		return
	}
	state := e.executor.State()
	if state == nil || state.Status != models.StatusInProgress {
		return
	}
	_ = e.executor.OnTrainerDisconnect()
	e.publish(telemEvents.Event{Category: telemEvents.CategoryWorkout, Type: "trainer_disconnected", Severity: "warn", Fields: map[string]interface{}{"reason": reason}})
}

func (e *Engine) trainerReconnect() {
	if !e.executor.IsTrainerDisconnected() {
		return
	}
	_ = e.executor.OnTrainerReconnect()
	e.publish(telemEvents.Event{Category: telemEvents.CategoryWorkout, Type: "trainer_reconnected", Severity: "info"})
}

// processSecond advances the ride clock by one second: executor tick,
// aggregator rollover, segment timer update and sink write.
func (e *Engine) processSecond() {
	statusBefore := models.StatusNotStarted
	if st := e.executor.State(); st != nil {
		statusBefore = st.Status
	}
	if statusBefore != models.StatusInProgress {
		return
	}

	e.executor.Tick()
	if e.mTicks != nil {
		e.mTicks.Inc(1)
	}

	state := e.executor.State()
	if state == nil {
		return
	}

	var target *uint16
	if state.SegmentProgress != nil {
		t := state.SegmentProgress.TargetPower
		target = &t
		if e.mTarget != nil {
			e.mTarget.Set(float64(t))
		}
		if state.SegmentProgress.SegmentIndex != e.lastSegmentIdx {
			e.publish(telemEvents.Event{Category: telemEvents.CategoryWorkout, Type: "segment_transition", Severity: "info", Fields: map[string]interface{}{"segment_index": state.SegmentProgress.SegmentIndex}})
			e.lastSegmentIdx = state.SegmentProgress.SegmentIndex
		}
	}

	sample := e.agg.Rollover(state.TotalElapsedSeconds, target, e.trainerGrade)

	// Segment timing runs on the aggregated distance and the ride clock.
	var power *uint16
	if sample.PowerWatts != nil {
		p := *sample.PowerWatts
		power = &p
	}
	completions := e.timer.Update(sample.DistanceM, float64(state.TotalElapsedSeconds), power, sample.HeartRateBPM)
	for _, comp := range completions {
		if e.mCompletions != nil {
			e.mCompletions.Inc(1)
		}
		e.publish(telemEvents.Event{
			Category: telemEvents.CategorySegments,
			Type:     "segment_completed",
			Severity: "info",
			Labels:   map[string]string{"segment": comp.Segment.Name},
			Fields:   map[string]interface{}{"elapsed_ms": comp.ElapsedTimeMS, "tentative_pb": comp.Time.IsPersonalBest},
		})
	}

	if err := e.st.WriteSample(e.rideID, sample); err != nil {
		atomic.AddUint64(&e.sinkErrs, 1)
		e.publish(telemEvents.Event{Category: telemEvents.CategoryRecording, Type: "sample_write_failed", Severity: "error", Fields: map[string]interface{}{"error": err.Error()}})
	}

	// Crash-recovery autosave every 30 seconds of ride time.
	if state.TotalElapsedSeconds%30 == 0 {
		e.autosaveLocked(state)
	}

	if state.Status == models.StatusCompleted {
		e.publish(telemEvents.Event{Category: telemEvents.CategoryWorkout, Type: "workout_completed", Severity: "info"})
		if _, err := e.finalizeRideLocked(); err != nil {
			e.publish(telemEvents.Event{Category: telemEvents.CategoryRecording, Type: "finalize_failed", Severity: "error", Fields: map[string]interface{}{"error": err.Error()}})
		}
	}
}

func (e *Engine) autosaveLocked(state *models.WorkoutState) {
	row := e.rideRowLocked(state, false)
	if err := e.st.SaveAutosave(store.Autosave{Ride: row, SavedAt: time.Now().UTC()}); err != nil {
		atomic.AddUint64(&e.sinkErrs, 1)
	}
}

func (e *Engine) rideRowLocked(state *models.WorkoutState, ended bool) store.RideRow {
	stats := e.agg.Stats()
	row := store.RideRow{
		ID:              e.rideID,
		UserID:          e.cfg.UserID,
		StartedAt:       e.rideStartedAt,
		DurationSeconds: stats.Seconds,
		DistanceM:       stats.DistanceM,
		CaloriesKcal:    stats.CaloriesKcal,
		FTPAtRide:       e.cfg.FTP,
	}
	if state != nil && state.Workout != nil {
		id := state.Workout.ID
		row.WorkoutID = &id
	}
	if stats.Seconds > 0 {
		avg := uint16(stats.AvgPowerWatts + 0.5)
		row.AvgPower = &avg
		maxP := stats.MaxPowerWatts
		row.MaxPower = &maxP
	}
	if stats.NormalizedPower > 0 {
		np := uint16(stats.NormalizedPower + 0.5)
		row.NormalizedPower = &np
		ifactor := stats.IntensityFactor
		row.IntensityFactor = &ifactor
		tss := stats.TSS
		row.TSS = &tss
	}
	if stats.AvgHeartRate > 0 {
		hr := uint8(stats.AvgHeartRate + 0.5)
		row.AvgHR = &hr
		maxHR := stats.MaxHeartRate
		row.MaxHR = &maxHR
	}
	if stats.AvgCadence > 0 {
		cad := uint8(stats.AvgCadence + 0.5)
		row.AvgCadence = &cad
	}
	if ended {
		t := time.Now().UTC()
		row.EndedAt = &t
	}
	return row
}

// finalizeRideLocked closes out the active recording: gap interpolation, the
// ride's MMP vector, the lifetime PDC merge, segment times and persistence.
// Caller holds e.mu.
func (e *Engine) finalizeRideLocked() (*RideSummary, error) {
	if !e.riding {
		return nil, models.ErrNoActiveRecording
	}
	e.riding = false

	state := e.executor.State()
	samples := analytics.InterpolateSensorGaps(e.agg.PowerSeries())
	mmp := e.mmpCalc.Calculate(samples)
	improved := e.pdc.Update(mmp)

	row := e.rideRowLocked(state, true)
	summary := &RideSummary{Ride: row, MMP: mmp, ImprovedPDC: improved, SampleCount: len(samples)}

	if err := e.st.SaveRide(row); err != nil {
		return summary, fmt.Errorf("save ride: %w", err)
	}
	if err := e.st.SaveMMP(e.rideID, mmp); err != nil {
		return summary, fmt.Errorf("save mmp: %w", err)
	}
	if err := e.st.SavePDC(e.cfg.UserID, e.pdc.Points()); err != nil {
		return summary, fmt.Errorf("save pdc: %w", err)
	}

	for _, st := range e.timer.FinishRide() {
		recorded, err := e.st.RecordSegmentTime(st)
		if err != nil {
			return summary, fmt.Errorf("record segment time: %w", err)
		}
		summary.SegmentTimes = append(summary.SegmentTimes, recorded)
		if recorded.IsPersonalBest {
			e.publish(telemEvents.Event{Category: telemEvents.CategorySegments, Type: "personal_best", Severity: "info", Labels: map[string]string{"segment": recorded.SegmentID.String()}})
		}
	}

	if e.cfg.ParquetExportDir != "" {
		stored, err := e.st.Samples(e.rideID)
		if err == nil {
			path := filepath.Join(e.cfg.ParquetExportDir, e.rideID.String()+".parquet")
			if err := export.WriteRideSamples(path, stored); err == nil {
				summary.ParquetPath = path
			}
		}
	}

	_ = e.st.ClearAutosave()

	e.publish(telemEvents.Event{
		Category: telemEvents.CategoryRecording,
		Type:     "ride_finalized",
		Severity: "info",
		Fields: map[string]interface{}{
			"ride_id":      e.rideID.String(),
			"samples":      summary.SampleCount,
			"improved_pdc": len(improved),
		},
	})
	return summary, nil
}
