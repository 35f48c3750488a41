package segments

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// TimingState is the timer's coarse state for the status display.
type TimingState string

const (
	StateInactive    TimingState = "inactive"
	StateApproaching TimingState = "approaching"
	StateActive      TimingState = "active"
	StateCompleted   TimingState = "completed"
)

// approachWindowM is how far before a segment start the Approaching state
// lights up.
const approachWindowM = 200.0

// distanceEpsilonM tolerates GPS/speed jitter: a decrease larger than this
// is clamped to the previous distance rather than rewinding efforts.
const distanceEpsilonM = 0.1

// minEffortSeconds is the floor on recorded times.
const minEffortSeconds = 0.1

// Effort is a live timing of one segment.
type Effort struct {
	Segment          Segment
	StartTimeSeconds float64
	ElapsedSeconds   float64

	powerSum   int64
	powerCount int64
	hrSum      int64
	hrCount    int64
}

// AvgPower returns the running average power, or false before any sample.
func (e *Effort) AvgPower() (uint16, bool) {
	if e.powerCount == 0 {
		return 0, false
	}
	return uint16(e.powerSum / e.powerCount), true
}

// AvgHeartRate returns the running average HR, or false before any sample.
func (e *Effort) AvgHeartRate() (uint8, bool) {
	if e.hrCount == 0 {
		return 0, false
	}
	return uint8(e.hrSum / e.hrCount), true
}

// Completion is emitted when a segment is exited.
type Completion struct {
	Segment       Segment
	ElapsedTimeMS uint64
	AvgPower      *uint16
	AvgHeartRate  *uint8
	Time          Time
}

// Timer detects entry into and exit from route segments as distance
// accumulates. Overlapping and nested segments are timed independently.
// Single-writer: only the coordinator calls Update.
type Timer struct {
	segments []Segment
	userID   uuid.UUID
	rideID   uuid.UUID
	ftp      uint16

	active         map[uuid.UUID]*Effort
	state          TimingState
	distanceToNext *float64
	prevDistance   float64
	started        bool
	completed      []Time

	// best known prior times per segment, seeded from storage and folded
	// with completions from this ride
	bestTimes map[uuid.UUID]float64
}

// NewTimer creates a timer over the route's segment definitions.
func NewTimer(segs []Segment, userID, rideID uuid.UUID, ftp uint16) *Timer {
	cp := make([]Segment, len(segs))
	copy(cp, segs)
	return &Timer{
		segments:  cp,
		userID:    userID,
		rideID:    rideID,
		ftp:       ftp,
		active:    make(map[uuid.UUID]*Effort),
		state:     StateInactive,
		bestTimes: make(map[uuid.UUID]float64),
	}
}

// SeedBestTime registers a rider's previously recorded best for PB flagging.
func (t *Timer) SeedBestTime(segmentID uuid.UUID, seconds float64) {
	t.bestTimes[segmentID] = seconds
}

// State returns the coarse timing state.
func (t *Timer) State() TimingState { return t.state }

// DistanceToNext returns meters to the nearest upcoming segment start while
// approaching, or false otherwise.
func (t *Timer) DistanceToNext() (float64, bool) {
	if t.distanceToNext == nil {
		return 0, false
	}
	return *t.distanceToNext, true
}

// ActiveEfforts returns the live efforts, outermost first by start distance.
func (t *Timer) ActiveEfforts() []Effort {
	out := make([]Effort, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, *e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Segment.StartDistanceM < out[j-1].Segment.StartDistanceM; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CompletedTimes returns the times recorded so far this ride.
func (t *Timer) CompletedTimes() []Time {
	out := make([]Time, len(t.completed))
	copy(out, t.completed)
	return out
}

// Update advances the timer with the current ride position. Power and HR may
// be nil. Returns completions emitted by this sample, in segment order.
func (t *Timer) Update(distanceM, rideTimeSeconds float64, power *uint16, hr *uint8) []Completion {
	// Clamp non-monotonic distance beyond jitter tolerance.
	if t.started && distanceM < t.prevDistance-distanceEpsilonM {
		distanceM = t.prevDistance
	}
	prev := t.prevDistance
	if !t.started {
		prev = math.Inf(-1)
		t.started = true
	}
	t.prevDistance = distanceM

	var completions []Completion

	for i := range t.segments {
		seg := t.segments[i]
		effort, isActive := t.active[seg.ID]

		if !isActive {
			if prev < seg.StartDistanceM && distanceM >= seg.StartDistanceM {
				effort = &Effort{Segment: seg, StartTimeSeconds: rideTimeSeconds}
				t.active[seg.ID] = effort
			} else {
				continue
			}
		}

		if distanceM >= seg.EndDistanceM {
			effort.ingest(rideTimeSeconds, power, hr)
			completions = append(completions, t.complete(effort, rideTimeSeconds))
			delete(t.active, seg.ID)
			continue
		}
		effort.ingest(rideTimeSeconds, power, hr)
	}

	t.updateState(distanceM, len(completions) > 0)
	return completions
}

func (e *Effort) ingest(rideTimeSeconds float64, power *uint16, hr *uint8) {
	e.ElapsedSeconds = rideTimeSeconds - e.StartTimeSeconds
	if power != nil {
		e.powerSum += int64(*power)
		e.powerCount++
	}
	if hr != nil {
		e.hrSum += int64(*hr)
		e.hrCount++
	}
}

func (t *Timer) complete(effort *Effort, rideTimeSeconds float64) Completion {
	elapsed := rideTimeSeconds - effort.StartTimeSeconds
	if elapsed < minEffortSeconds {
		elapsed = minEffortSeconds
	}

	st := Time{
		ID:          uuid.New(),
		SegmentID:   effort.Segment.ID,
		UserID:      t.userID,
		RideID:      t.rideID,
		TimeSeconds: elapsed,
		FTPAtEffort: t.ftp,
		RecordedAt:  time.Now().UTC(),
	}
	comp := Completion{Segment: effort.Segment, ElapsedTimeMS: uint64(elapsed * 1000)}
	if avg, ok := effort.AvgPower(); ok {
		st.AvgPowerWatts = &avg
		comp.AvgPower = &avg
	}
	if avg, ok := effort.AvgHeartRate(); ok {
		st.AvgHeartRate = &avg
		comp.AvgHeartRate = &avg
	}

	// Tentative PB: no prior time, or strictly faster. The storage sink has
	// the final word.
	best, known := t.bestTimes[effort.Segment.ID]
	if !known || elapsed < best {
		st.IsPersonalBest = true
		t.bestTimes[effort.Segment.ID] = elapsed
	}

	t.completed = append(t.completed, st)
	comp.Time = st
	return comp
}

func (t *Timer) updateState(distanceM float64, justCompleted bool) {
	t.distanceToNext = nil
	switch {
	case len(t.active) > 0:
		t.state = StateActive
	case justCompleted:
		t.state = StateCompleted
	default:
		nearest := math.Inf(1)
		for _, seg := range t.segments {
			d := seg.StartDistanceM - distanceM
			if d > 0 && d <= approachWindowM && d < nearest {
				nearest = d
			}
		}
		if !math.IsInf(nearest, 1) {
			t.state = StateApproaching
			t.distanceToNext = &nearest
		} else {
			t.state = StateInactive
		}
	}
}

// FinishRide discards unterminated efforts (no partial times) and returns
// everything recorded this ride.
func (t *Timer) FinishRide() []Time {
	t.active = make(map[uuid.UUID]*Effort)
	t.state = StateInactive
	t.distanceToNext = nil
	return t.CompletedTimes()
}

// Reset prepares the timer for a new ride with the same segment set.
func (t *Timer) Reset(rideID uuid.UUID) {
	t.active = make(map[uuid.UUID]*Effort)
	t.state = StateInactive
	t.distanceToNext = nil
	t.prevDistance = 0
	t.started = false
	t.completed = nil
	t.rideID = rideID
}
