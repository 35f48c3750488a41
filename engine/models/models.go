package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SegmentType classifies a workout segment.
type SegmentType string

const (
	SegmentWarmup      SegmentType = "warmup"
	SegmentCooldown    SegmentType = "cooldown"
	SegmentSteadyState SegmentType = "steady_state"
	SegmentIntervals   SegmentType = "intervals"
	SegmentFreeRide    SegmentType = "free_ride"
	SegmentRamp        SegmentType = "ramp"
)

// String returns the display name for the segment type.
func (t SegmentType) String() string {
	switch t {
	case SegmentWarmup:
		return "Warmup"
	case SegmentCooldown:
		return "Cooldown"
	case SegmentSteadyState:
		return "Steady State"
	case SegmentIntervals:
		return "Intervals"
	case SegmentFreeRide:
		return "Free Ride"
	case SegmentRamp:
		return "Ramp"
	default:
		return string(t)
	}
}

// PowerTargetKind discriminates the PowerTarget union.
type PowerTargetKind string

const (
	TargetAbsolute   PowerTargetKind = "absolute"
	TargetPercentFTP PowerTargetKind = "percent_ftp"
	TargetRange      PowerTargetKind = "range"
)

// PowerTarget is a tagged union: a fixed wattage, a percentage of FTP, or a
// range between two non-range targets (ranges never nest; parsers only
// produce one level).
type PowerTarget struct {
	Kind    PowerTargetKind `json:"kind"`
	Watts   uint16          `json:"watts,omitempty"`
	Percent uint8           `json:"percent,omitempty"`
	Start   *PowerTarget    `json:"start,omitempty"`
	End     *PowerTarget    `json:"end,omitempty"`
}

// Absolute builds a fixed-wattage target.
func Absolute(watts uint16) PowerTarget {
	return PowerTarget{Kind: TargetAbsolute, Watts: watts}
}

// PercentFTP builds a target expressed as a percentage of the rider's FTP.
func PercentFTP(percent uint8) PowerTarget {
	return PowerTarget{Kind: TargetPercentFTP, Percent: percent}
}

// RangeTarget builds a ramp target running from start to end.
func RangeTarget(start, end PowerTarget) PowerTarget {
	s, e := start, end
	return PowerTarget{Kind: TargetRange, Start: &s, End: &e}
}

// ToWatts resolves the target at its starting value for the given FTP.
func (p PowerTarget) ToWatts(ftp uint16) uint16 {
	switch p.Kind {
	case TargetAbsolute:
		return p.Watts
	case TargetPercentFTP:
		return uint16(float64(ftp)*float64(p.Percent)/100.0 + 0.5)
	case TargetRange:
		if p.Start != nil {
			return p.Start.ToWatts(ftp)
		}
	}
	return 0
}

// ToWattsAt resolves the target at a point in a range, progress in [0, 1].
// Non-range targets ignore progress.
func (p PowerTarget) ToWattsAt(ftp uint16, progress float64) uint16 {
	if p.Kind != TargetRange {
		return p.ToWatts(ftp)
	}
	if p.Start == nil || p.End == nil {
		return 0
	}
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	start := float64(p.Start.ToWatts(ftp))
	end := float64(p.End.ToWatts(ftp))
	return uint16(start + (end-start)*progress + 0.5)
}

// CadenceTarget is an RPM window the rider should hold.
type CadenceTarget struct {
	MinRPM uint8 `json:"min_rpm"`
	MaxRPM uint8 `json:"max_rpm"`
}

// WorkoutFormat identifies the file format a workout was imported from.
type WorkoutFormat string

const (
	FormatZwo    WorkoutFormat = "zwo"
	FormatMrc    WorkoutFormat = "mrc"
	FormatFit    WorkoutFormat = "fit"
	FormatNative WorkoutFormat = "native"
)

// WorkoutSegment is a single block within a workout.
type WorkoutSegment struct {
	Type            SegmentType    `json:"segment_type"`
	DurationSeconds uint32         `json:"duration_seconds"`
	PowerTarget     PowerTarget    `json:"power_target"`
	CadenceTarget   *CadenceTarget `json:"cadence_target,omitempty"`
	TextEvent       string         `json:"text_event,omitempty"`
}

// Workout is a structured training session. Immutable once loaded into the
// executor.
type Workout struct {
	ID                   uuid.UUID        `json:"id"`
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	Author               string           `json:"author,omitempty"`
	SourceFile           string           `json:"source_file,omitempty"`
	SourceFormat         WorkoutFormat    `json:"source_format,omitempty"`
	Segments             []WorkoutSegment `json:"segments"`
	TotalDurationSeconds uint32           `json:"total_duration_seconds"`
	EstimatedTSS         float64          `json:"estimated_tss,omitempty"`
	EstimatedIF          float64          `json:"estimated_if,omitempty"`
	Tags                 []string         `json:"tags,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
}

// NewWorkout builds a workout, deriving the total duration from its segments.
func NewWorkout(name string, segments []WorkoutSegment) *Workout {
	var total uint32
	for _, s := range segments {
		total += s.DurationSeconds
	}
	return &Workout{
		ID:                   uuid.New(),
		Name:                 name,
		Segments:             segments,
		TotalDurationSeconds: total,
		CreatedAt:            time.Now().UTC(),
	}
}

// CalculateEstimates fills EstimatedTSS and EstimatedIF for the given FTP.
// Range targets contribute their midpoint power.
func (w *Workout) CalculateEstimates(ftp uint16) {
	if len(w.Segments) == 0 || ftp == 0 {
		return
	}
	var weighted float64
	var total uint32
	for _, seg := range w.Segments {
		var avg float64
		switch seg.PowerTarget.Kind {
		case TargetAbsolute:
			avg = float64(seg.PowerTarget.Watts)
		case TargetPercentFTP:
			avg = float64(ftp) * float64(seg.PowerTarget.Percent) / 100.0
		case TargetRange:
			avg = (float64(seg.PowerTarget.Start.ToWatts(ftp)) + float64(seg.PowerTarget.End.ToWatts(ftp))) / 2.0
		}
		weighted += avg * float64(seg.DurationSeconds)
		total += seg.DurationSeconds
	}
	if total == 0 {
		return
	}
	avgPower := weighted / float64(total)
	intensity := avgPower / float64(ftp)
	hours := float64(total) / 3600.0
	w.EstimatedIF = intensity
	w.EstimatedTSS = hours * intensity * intensity * 100.0
}

// WorkoutStatus is the executor state machine's current state.
type WorkoutStatus string

const (
	StatusNotStarted          WorkoutStatus = "not_started"
	StatusInProgress          WorkoutStatus = "in_progress"
	StatusPaused              WorkoutStatus = "paused"
	StatusCompleted           WorkoutStatus = "completed"
	StatusStopped             WorkoutStatus = "stopped"
	StatusTrainerDisconnected WorkoutStatus = "trainer_disconnected"
)

// SegmentProgress describes position within the active segment.
type SegmentProgress struct {
	SegmentIndex     int     `json:"segment_index"`
	ElapsedSeconds   uint32  `json:"elapsed_seconds"`
	RemainingSeconds uint32  `json:"remaining_seconds"`
	Progress         float64 `json:"progress"`
	TargetPower      uint16  `json:"target_power"`
}

// WorkoutState is the executor-owned mutable state for a loaded workout.
type WorkoutState struct {
	Workout             *Workout         `json:"workout"`
	Status              WorkoutStatus    `json:"status"`
	TotalElapsedSeconds uint32           `json:"total_elapsed_seconds"`
	SegmentProgress     *SegmentProgress `json:"segment_progress,omitempty"`
	PowerOffset         int16            `json:"power_offset"`
	UserFTP             uint16           `json:"user_ftp"`
}

// SensorKind identifies what a sensor measures.
type SensorKind string

const (
	SensorPower     SensorKind = "power"
	SensorCadence   SensorKind = "cadence"
	SensorHeartRate SensorKind = "heart_rate"
	SensorSpeed     SensorKind = "speed"
	SensorTrainer   SensorKind = "trainer"
)

// ConnectionState tracks a sensor's transport connectivity.
type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnReconnecting ConnectionState = "reconnecting"
)

// SensorDesc describes a discovered sensor.
type SensorDesc struct {
	DeviceID string     `json:"device_id"`
	Name     string     `json:"name"`
	Kind     SensorKind `json:"kind"`
	Protocol string     `json:"protocol,omitempty"`
}

// Reading is one timestamped sample from a sensor. Optional fields are nil
// when the sensor does not report them.
type Reading struct {
	DeviceID        string     `json:"device_id"`
	Kind            SensorKind `json:"kind"`
	Timestamp       time.Time  `json:"timestamp"`
	PowerWatts      *uint16    `json:"power_watts,omitempty"`
	CadenceRPM      *uint8     `json:"cadence_rpm,omitempty"`
	HeartRateBPM    *uint8     `json:"heart_rate_bpm,omitempty"`
	SpeedMPS        *float64   `json:"speed_mps,omitempty"`
	WheelRevs       *uint32    `json:"wheel_revs,omitempty"`
	DistanceDeltaM  *float64   `json:"distance_delta_m,omitempty"`
	BalanceLPercent *float64   `json:"balance_l_percent,omitempty"`
	RRIntervalMS    *uint16    `json:"rr_interval_ms,omitempty"`
	TargetAckWatts  *uint16    `json:"target_ack_watts,omitempty"`
	GradePercent    *float64   `json:"grade_percent,omitempty"`
}

// SensorEventKind discriminates the SensorEvent union.
type SensorEventKind string

const (
	EventDiscovered        SensorEventKind = "discovered"
	EventConnectionChanged SensorEventKind = "connection_changed"
	EventData              SensorEventKind = "data"
	EventScanStarted       SensorEventKind = "scan_started"
	EventScanStopped       SensorEventKind = "scan_stopped"
	EventError             SensorEventKind = "error"
)

// SensorEvent is the tagged union carried from transport adapters into the
// core. Exactly one payload field is set, matching Kind.
type SensorEvent struct {
	Kind     SensorEventKind `json:"kind"`
	Sensor   *SensorDesc     `json:"sensor,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	State    ConnectionState `json:"state,omitempty"`
	Reading  *Reading        `json:"reading,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Discovered builds a discovery event.
func Discovered(desc SensorDesc) SensorEvent {
	return SensorEvent{Kind: EventDiscovered, Sensor: &desc, DeviceID: desc.DeviceID}
}

// ConnectionChanged builds a connectivity event.
func ConnectionChanged(deviceID string, state ConnectionState) SensorEvent {
	return SensorEvent{Kind: EventConnectionChanged, DeviceID: deviceID, State: state}
}

// Data builds a reading event.
func Data(r Reading) SensorEvent {
	return SensorEvent{Kind: EventData, DeviceID: r.DeviceID, Reading: &r}
}

// TransportError builds an error event. Transport errors never tear down the
// stream; they are delivered in-band.
func TransportError(msg string) SensorEvent {
	return SensorEvent{Kind: EventError, Message: msg}
}

// Domain-level sentinel errors.
var (
	ErrNoWorkoutLoaded   = errors.New("no workout loaded")
	ErrEmptyWorkout      = errors.New("workout has no segments")
	ErrWorkoutNotFound   = errors.New("workout not found")
	ErrInsufficientData  = errors.New("insufficient samples for requested duration")
	ErrUnsupportedFormat = errors.New("unsupported workout format")
	ErrRideNotFound      = errors.New("ride not found")
	ErrNoActiveRecording = errors.New("no active recording")
)

// StateError reports an executor operation attempted from a disallowed state.
// The executor guarantees state is unchanged when one is returned.
type StateError struct {
	Op     string
	Status WorkoutStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("workout engine: cannot %s while %s", e.Op, e.Status)
}

// ParseError reports a malformed workout file.
type ParseError struct {
	Format WorkoutFormat
	Field  string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	switch {
	case e.Err != nil && e.Field != "":
		return fmt.Sprintf("parse %s workout: field %q: %v", e.Format, e.Field, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("parse %s workout: %v", e.Format, e.Err)
	case e.Value != "":
		return fmt.Sprintf("parse %s workout: invalid value %q for %s", e.Format, e.Value, e.Field)
	default:
		return fmt.Sprintf("parse %s workout: missing required field %s", e.Format, e.Field)
	}
}

func (e *ParseError) Unwrap() error { return e.Err }
