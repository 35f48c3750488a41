// Package workout implements the execution engine: a per-second state machine
// that drives a trainer through a structured sequence of power targets with
// ramp smoothing, manual adjustments and trainer-disconnect recovery.
package workout

import (
	"fmt"
	"math"

	"veloride/engine/models"
)

// DefaultRampSeconds is the stock boundary-transition ramp duration.
const DefaultRampSeconds = 3

// Engine executes a loaded workout. It is passive: the coordinator calls
// Tick once per ride-clock second and is the only writer.
type Engine struct {
	state *models.WorkoutState

	// seconds added to the active segment by ExtendSegment
	segmentExtension uint32
	// extensions already spent in segments that have been left; keeps the
	// workout end shifted after an extended segment passes
	extensionCarry uint32
	rampDuration   uint32
	rampElapsed    uint32
	previousPower  *uint16
}

// New creates an engine with the default ramp duration.
func New() *Engine {
	return &Engine{rampDuration: DefaultRampSeconds}
}

// SetRampDuration tunes the boundary smoothing window in seconds.
func (e *Engine) SetRampDuration(seconds uint32) {
	e.rampDuration = seconds
}

// Load prepares a workout for execution, replacing any previous state.
func (e *Engine) Load(w *models.Workout, userFTP uint16) error {
	if w == nil || len(w.Segments) == 0 {
		return fmt.Errorf("load workout: %w", models.ErrEmptyWorkout)
	}
	e.state = &models.WorkoutState{
		Workout: w,
		Status:  models.StatusNotStarted,
		UserFTP: userFTP,
	}
	e.segmentExtension = 0
	e.extensionCarry = 0
	e.rampElapsed = 0
	e.previousPower = nil
	return nil
}

// Reset clears the loaded workout.
func (e *Engine) Reset() {
	e.state = nil
	e.segmentExtension = 0
	e.extensionCarry = 0
	e.rampElapsed = 0
	e.previousPower = nil
}

// HasWorkout reports whether a workout is loaded.
func (e *Engine) HasWorkout() bool { return e.state != nil }

// State returns a copy of the current state, nil when nothing is loaded.
func (e *Engine) State() *models.WorkoutState {
	if e.state == nil {
		return nil
	}
	cp := *e.state
	if e.state.SegmentProgress != nil {
		pr := *e.state.SegmentProgress
		cp.SegmentProgress = &pr
	}
	return &cp
}

// Start begins the loaded workout.
func (e *Engine) Start() error {
	if e.state == nil {
		return models.ErrNoWorkoutLoaded
	}
	if e.state.Status != models.StatusNotStarted {
		return &models.StateError{Op: "start", Status: e.state.Status}
	}
	e.state.Status = models.StatusInProgress
	e.state.TotalElapsedSeconds = 0
	e.updateSegmentProgress()
	return nil
}

// Pause suspends the clock.
func (e *Engine) Pause() error {
	if e.state == nil {
		return models.ErrNoWorkoutLoaded
	}
	if e.state.Status != models.StatusInProgress {
		return &models.StateError{Op: "pause", Status: e.state.Status}
	}
	e.state.Status = models.StatusPaused
	return nil
}

// Resume restarts a paused workout.
func (e *Engine) Resume() error {
	if e.state == nil {
		return models.ErrNoWorkoutLoaded
	}
	if e.state.Status != models.StatusPaused {
		return &models.StateError{Op: "resume", Status: e.state.Status}
	}
	e.state.Status = models.StatusInProgress
	return nil
}

// Stop ends the ride early. Terminal until a new workout is loaded.
func (e *Engine) Stop() error {
	if e.state == nil {
		return models.ErrNoWorkoutLoaded
	}
	if e.state.Status != models.StatusInProgress && e.state.Status != models.StatusPaused {
		return &models.StateError{Op: "stop", Status: e.state.Status}
	}
	e.state.Status = models.StatusStopped
	return nil
}

// Tick advances the ride clock by one second. No-op unless InProgress; in
// particular the clock never moves while the trainer is disconnected.
func (e *Engine) Tick() {
	if e.state == nil || e.state.Status != models.StatusInProgress {
		return
	}
	e.state.TotalElapsedSeconds++
	if e.rampElapsed < e.rampDuration {
		e.rampElapsed++
	}
	e.updateSegmentProgress()
}

// updateSegmentProgress recomputes the active segment, detects boundary
// crossings and derives the reported target power.
func (e *Engine) updateSegmentProgress() {
	state := e.state
	if state == nil {
		return
	}
	switch state.Status {
	case models.StatusNotStarted, models.StatusStopped, models.StatusCompleted:
		return
	}

	activeIdx := 0
	if state.SegmentProgress != nil {
		activeIdx = state.SegmentProgress.SegmentIndex
	}

	// Extensions spent in already-left segments stay folded into the walk so
	// the workout end remains shifted.
	effective := state.TotalElapsedSeconds - e.extensionCarry

	var elapsedInWorkout uint32
	currentIdx := 0
	var elapsedInSegment uint32
	for i, seg := range state.Workout.Segments {
		dur := seg.DurationSeconds
		if i == activeIdx {
			dur += e.segmentExtension
		}
		if elapsedInWorkout+dur > effective {
			currentIdx = i
			elapsedInSegment = effective - elapsedInWorkout
			break
		}
		elapsedInWorkout += dur
		currentIdx = i + 1
	}

	if currentIdx >= len(state.Workout.Segments) {
		state.Status = models.StatusCompleted
		state.SegmentProgress = nil
		return
	}

	if state.SegmentProgress == nil || state.SegmentProgress.SegmentIndex != currentIdx {
		if state.SegmentProgress != nil {
			prev := state.SegmentProgress.TargetPower
			e.previousPower = &prev
		}
		e.rampElapsed = 0
		e.extensionCarry += e.segmentExtension
		e.segmentExtension = 0
	}

	seg := state.Workout.Segments[currentIdx]
	totalDur := seg.DurationSeconds + e.segmentExtension
	var remaining uint32
	if totalDur > elapsedInSegment {
		remaining = totalDur - elapsedInSegment
	}
	progress := 0.0
	if totalDur > 0 {
		progress = float64(elapsedInSegment) / float64(totalDur)
	}

	base := e.baseTarget(seg, state.UserFTP, progress)

	// Blend with the previous segment's final target while inside the ramp.
	smoothed := base
	if e.previousPower != nil && e.rampElapsed < e.rampDuration && e.rampDuration > 0 {
		rampProgress := float64(e.rampElapsed) / float64(e.rampDuration)
		delta := float64(base) - float64(*e.previousPower)
		smoothed = uint16(math.Round(float64(*e.previousPower) + delta*rampProgress))
	}

	target := int32(smoothed) + int32(state.PowerOffset)
	if target < 0 {
		target = 0
	}

	state.SegmentProgress = &models.SegmentProgress{
		SegmentIndex:     currentIdx,
		ElapsedSeconds:   elapsedInSegment,
		RemainingSeconds: remaining,
		Progress:         progress,
		TargetPower:      uint16(target),
	}
}

// baseTarget resolves the segment's target at the given progress. FreeRide
// segments report zero: the trainer is expected to be in resistance mode.
func (e *Engine) baseTarget(seg models.WorkoutSegment, ftp uint16, progress float64) uint16 {
	if seg.Type == models.SegmentFreeRide {
		return 0
	}
	return seg.PowerTarget.ToWattsAt(ftp, progress)
}

// SkipSegment jumps the clock to the start of the next segment.
func (e *Engine) SkipSegment() error {
	if e.state == nil {
		return models.ErrNoWorkoutLoaded
	}
	state := e.state
	if state.Status != models.StatusInProgress && state.Status != models.StatusPaused {
		return &models.StateError{Op: "skip segment", Status: state.Status}
	}

	currentIdx := 0
	if state.SegmentProgress != nil {
		currentIdx = state.SegmentProgress.SegmentIndex
	}

	elapsed := e.extensionCarry
	for i, seg := range state.Workout.Segments {
		if i < currentIdx {
			elapsed += seg.DurationSeconds
		} else if i == currentIdx {
			elapsed += seg.DurationSeconds + e.segmentExtension
			break
		}
	}
	state.TotalElapsedSeconds = elapsed

	if state.SegmentProgress != nil {
		prev := state.SegmentProgress.TargetPower
		e.previousPower = &prev
	}
	e.extensionCarry += e.segmentExtension
	e.segmentExtension = 0
	e.rampElapsed = 0
	e.updateSegmentProgress()
	return nil
}

// ExtendSegment stretches the active segment; the workout end shifts with it.
func (e *Engine) ExtendSegment(seconds uint32) error {
	if e.state == nil {
		return models.ErrNoWorkoutLoaded
	}
	if e.state.Status != models.StatusInProgress && e.state.Status != models.StatusPaused {
		return &models.StateError{Op: "extend segment", Status: e.state.Status}
	}
	e.segmentExtension += seconds
	e.updateSegmentProgress()
	return nil
}

// AdjustPower shifts the manual offset; the reported target never drops
// below zero.
func (e *Engine) AdjustPower(deltaWatts int16) error {
	if e.state == nil {
		return models.ErrNoWorkoutLoaded
	}
	e.state.PowerOffset += deltaWatts
	e.updateSegmentProgress()
	return nil
}

// OnTrainerDisconnect freezes the clock, preserving all progress. A no-op
// when the workout is not actively running.
func (e *Engine) OnTrainerDisconnect() error {
	if e.state == nil {
		return models.ErrNoWorkoutLoaded
	}
	if e.state.Status == models.StatusInProgress {
		e.state.Status = models.StatusTrainerDisconnected
	}
	return nil
}

// OnTrainerReconnect resumes after a disconnect. The clock picks up where it
// stopped; there is no catch-up.
func (e *Engine) OnTrainerReconnect() error {
	if e.state == nil {
		return models.ErrNoWorkoutLoaded
	}
	if e.state.Status == models.StatusTrainerDisconnected {
		e.state.Status = models.StatusInProgress
	}
	return nil
}

// IsTrainerDisconnected reports whether the ride is waiting on the trainer.
func (e *Engine) IsTrainerDisconnected() bool {
	return e.state != nil && e.state.Status == models.StatusTrainerDisconnected
}

// TargetPower returns the current reported target, or false when idle.
func (e *Engine) TargetPower() (uint16, bool) {
	if e.state == nil || e.state.SegmentProgress == nil {
		return 0, false
	}
	return e.state.SegmentProgress.TargetPower, true
}

// CurrentTextEvent returns the active segment's on-screen cue, if any.
func (e *Engine) CurrentTextEvent() (string, bool) {
	seg, ok := e.currentSegment()
	if !ok || seg.TextEvent == "" {
		return "", false
	}
	return seg.TextEvent, true
}

// CurrentSegmentType returns the active segment's type.
func (e *Engine) CurrentSegmentType() (models.SegmentType, bool) {
	seg, ok := e.currentSegment()
	if !ok {
		return "", false
	}
	return seg.Type, true
}

// CurrentCadenceTarget returns the active segment's cadence window, if any.
func (e *Engine) CurrentCadenceTarget() (models.CadenceTarget, bool) {
	seg, ok := e.currentSegment()
	if !ok || seg.CadenceTarget == nil {
		return models.CadenceTarget{}, false
	}
	return *seg.CadenceTarget, true
}

func (e *Engine) currentSegment() (models.WorkoutSegment, bool) {
	if e.state == nil || e.state.SegmentProgress == nil {
		return models.WorkoutSegment{}, false
	}
	idx := e.state.SegmentProgress.SegmentIndex
	if idx >= len(e.state.Workout.Segments) {
		return models.WorkoutSegment{}, false
	}
	return e.state.Workout.Segments[idx], true
}

// IsComplete reports whether the workout ran to its end.
func (e *Engine) IsComplete() bool {
	return e.state != nil && e.state.Status == models.StatusCompleted
}

// IsActive reports whether a ride is underway (running, paused or waiting on
// the trainer).
func (e *Engine) IsActive() bool {
	if e.state == nil {
		return false
	}
	switch e.state.Status {
	case models.StatusInProgress, models.StatusPaused, models.StatusTrainerDisconnected:
		return true
	}
	return false
}
