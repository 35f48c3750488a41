package workout

import (
	"bytes"
	"fmt"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/basetype"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"

	"veloride/engine/models"
)

// ParseFIT parses a Garmin .fit workout file: one workout message naming the
// session plus ordered workout_step messages. Repeat steps expand in place,
// like IntervalsT blocks in ZWO files.
func ParseFIT(data []byte) (*models.Workout, error) {
	if len(data) == 0 {
		return nil, &models.ParseError{Format: models.FormatFit, Err: models.ErrEmptyWorkout}
	}

	dec := decoder.New(bytes.NewReader(data))

	var name string
	var steps []*mesgdef.WorkoutStep

	for dec.Next() {
		f, err := dec.Decode()
		if err != nil {
			return nil, &models.ParseError{Format: models.FormatFit, Err: fmt.Errorf("decode: %w", err)}
		}
		for i := range f.Messages {
			msg := &f.Messages[i]
			switch msg.Num {
			case typedef.MesgNumWorkout:
				wkt := mesgdef.NewWorkout(msg)
				if wkt.WktName != "" {
					name = wkt.WktName
				}
			case typedef.MesgNumWorkoutStep:
				steps = append(steps, mesgdef.NewWorkoutStep(msg))
			}
		}
	}

	segments, err := expandFITSteps(steps)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, &models.ParseError{Format: models.FormatFit, Err: models.ErrEmptyWorkout}
	}

	if name == "" {
		name = "Unnamed FIT Workout"
	}
	w := models.NewWorkout(name, segments)
	w.SourceFormat = models.FormatFit
	return w, nil
}

// expandFITSteps converts workout_step messages into segments, unrolling
// repeat blocks. A repeat step points at the first step of its block and
// carries the total iteration count in its target value.
func expandFITSteps(steps []*mesgdef.WorkoutStep) ([]models.WorkoutSegment, error) {
	var segments []models.WorkoutSegment
	// stepStart[i] marks where step i's segments begin, so repeats can
	// re-emit an earlier block.
	stepStart := make([]int, len(steps))

	for i, step := range steps {
		stepStart[i] = len(segments)

		if step.DurationType == typedef.WktStepDurationRepeatUntilStepsCmplt {
			repeats := step.TargetValue
			if repeats == basetype.Uint32Invalid || repeats < 2 {
				continue
			}
			from := int(step.DurationValue)
			if from < 0 || from >= i {
				return nil, &models.ParseError{Format: models.FormatFit, Field: "duration_value", Value: fmt.Sprint(step.DurationValue)}
			}
			block := segments[stepStart[from]:]
			copied := make([]models.WorkoutSegment, len(block))
			copy(copied, block)
			for n := uint32(1); n < repeats; n++ {
				segments = append(segments, copied...)
			}
			continue
		}

		seg, err := fitStepSegment(step)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func fitStepSegment(step *mesgdef.WorkoutStep) (models.WorkoutSegment, error) {
	if step.DurationType != typedef.WktStepDurationTime || step.DurationValue == basetype.Uint32Invalid {
		return models.WorkoutSegment{}, &models.ParseError{Format: models.FormatFit, Field: "duration_time"}
	}
	durationSeconds := step.DurationValue / 1000 // milliseconds on the wire
	if durationSeconds == 0 {
		return models.WorkoutSegment{}, &models.ParseError{Format: models.FormatFit, Field: "duration_time", Value: fmt.Sprint(step.DurationValue)}
	}

	target, ranged, err := fitPowerTarget(step)
	if err != nil {
		return models.WorkoutSegment{}, err
	}

	return models.WorkoutSegment{
		Type:            fitSegmentType(step.Intensity, ranged),
		DurationSeconds: durationSeconds,
		PowerTarget:     target,
		TextEvent:       fitStepText(step),
	}, nil
}

// fitPowerTarget decodes the step's power target. Workout power values at or
// below 1000 are percent of FTP; above 1000 they are watts offset by 1000.
func fitPowerTarget(step *mesgdef.WorkoutStep) (models.PowerTarget, bool, error) {
	if step.TargetType != typedef.WktStepTargetPower {
		return models.PowerTarget{}, false, &models.ParseError{Format: models.FormatFit, Field: "target_type", Value: fmt.Sprint(step.TargetType)}
	}
	low, lowOK := fitWorkoutPower(step.CustomTargetValueLow)
	high, highOK := fitWorkoutPower(step.CustomTargetValueHigh)
	switch {
	case lowOK && highOK && low != high:
		return models.RangeTarget(low, high), true, nil
	case lowOK:
		return low, false, nil
	case highOK:
		return high, false, nil
	}
	if single, ok := fitWorkoutPower(step.TargetValue); ok {
		return single, false, nil
	}
	return models.PowerTarget{}, false, &models.ParseError{Format: models.FormatFit, Field: "target_value"}
}

func fitWorkoutPower(v uint32) (models.PowerTarget, bool) {
	if v == basetype.Uint32Invalid || v == 0 {
		return models.PowerTarget{}, false
	}
	if v > 1000 {
		watts := v - 1000
		if watts > 2000 {
			watts = 2000
		}
		return models.Absolute(uint16(watts)), true
	}
	percent := v
	if percent > 255 {
		percent = 255
	}
	return models.PercentFTP(uint8(percent)), true
}

func fitSegmentType(intensity typedef.Intensity, ranged bool) models.SegmentType {
	switch intensity {
	case typedef.IntensityWarmup:
		return models.SegmentWarmup
	case typedef.IntensityCooldown:
		return models.SegmentCooldown
	case typedef.IntensityRest, typedef.IntensityRecovery, typedef.IntensityInterval:
		return models.SegmentIntervals
	}
	if ranged {
		return models.SegmentRamp
	}
	return models.SegmentSteadyState
}

func fitStepText(step *mesgdef.WorkoutStep) string {
	if step.Notes != "" {
		return step.Notes
	}
	return step.WktStepName
}
