package workout

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"

	"veloride/engine/models"
)

// ParseZWO parses a Zwift .zwo workout from XML content.
func ParseZWO(content []byte) (*models.Workout, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))

	var (
		name, author, description string
		tags                      []string
		segments                  []models.WorkoutSegment
		inWorkout                 bool
		currentElement            string
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &models.ParseError{Format: models.FormatZwo, Err: fmt.Errorf("invalid XML: %w", err)}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name", "author", "description":
				currentElement = t.Name.Local
			case "workout":
				inWorkout = true
			case "tag":
				for _, attr := range t.Attr {
					if attr.Name.Local == "name" {
						tags = append(tags, attr.Value)
					}
				}
			default:
				if !inWorkout {
					continue
				}
				if t.Name.Local == "IntervalsT" {
					segs, err := parseIntervals(t)
					if err != nil {
						return nil, err
					}
					segments = append(segments, segs...)
					continue
				}
				seg, ok, err := parseZWOSegment(t)
				if err != nil {
					return nil, err
				}
				if ok {
					segments = append(segments, seg)
				}
			}
		case xml.CharData:
			text := string(bytes.TrimSpace(t))
			if text == "" {
				continue
			}
			switch currentElement {
			case "name":
				name = text
			case "author":
				author = text
			case "description":
				description = text
			}
		case xml.EndElement:
			if t.Name.Local == "workout" {
				inWorkout = false
			}
			currentElement = ""
		}
	}

	if len(segments) == 0 {
		return nil, &models.ParseError{Format: models.FormatZwo, Err: models.ErrEmptyWorkout}
	}
	if name == "" {
		name = "Unnamed Workout"
	}
	w := models.NewWorkout(name, segments)
	w.Author = author
	w.Description = description
	w.SourceFormat = models.FormatZwo
	w.Tags = tags
	return w, nil
}

// fractionToPercent converts a ZWO power fraction of FTP into whole percent.
func fractionToPercent(f float64) uint8 {
	p := f*100.0 + 0.5
	if p < 0 {
		return 0
	}
	if p > 255 {
		return 255
	}
	return uint8(p)
}

func zwoAttrFloat(attr xml.Attr) (float64, error) {
	v, err := strconv.ParseFloat(attr.Value, 64)
	if err != nil {
		return 0, &models.ParseError{Format: models.FormatZwo, Field: attr.Name.Local, Value: attr.Value}
	}
	return v, nil
}

func zwoAttrUint(attr xml.Attr) (uint64, error) {
	// Some exporters write durations as "300.0".
	f, err := strconv.ParseFloat(attr.Value, 64)
	if err != nil || f < 0 {
		return 0, &models.ParseError{Format: models.FormatZwo, Field: attr.Name.Local, Value: attr.Value}
	}
	return uint64(f), nil
}

func parseZWOSegment(t xml.StartElement) (models.WorkoutSegment, bool, error) {
	var segType models.SegmentType
	switch t.Name.Local {
	case "Warmup":
		segType = models.SegmentWarmup
	case "Cooldown":
		segType = models.SegmentCooldown
	case "SteadyState":
		segType = models.SegmentSteadyState
	case "FreeRide":
		segType = models.SegmentFreeRide
	case "Ramp":
		segType = models.SegmentRamp
	default:
		return models.WorkoutSegment{}, false, nil
	}

	var (
		duration                       *uint32
		power, powerLow, powerHigh     *float64
		cadence, cadenceLow, cadenceHi *uint64
	)
	for _, attr := range t.Attr {
		switch attr.Name.Local {
		case "Duration":
			v, err := zwoAttrUint(attr)
			if err != nil {
				return models.WorkoutSegment{}, false, err
			}
			d := uint32(v)
			duration = &d
		case "Power":
			v, err := zwoAttrFloat(attr)
			if err != nil {
				return models.WorkoutSegment{}, false, err
			}
			power = &v
		case "PowerLow":
			v, err := zwoAttrFloat(attr)
			if err != nil {
				return models.WorkoutSegment{}, false, err
			}
			powerLow = &v
		case "PowerHigh":
			v, err := zwoAttrFloat(attr)
			if err != nil {
				return models.WorkoutSegment{}, false, err
			}
			powerHigh = &v
		case "Cadence":
			v, err := zwoAttrUint(attr)
			if err != nil {
				return models.WorkoutSegment{}, false, err
			}
			cadence = &v
		case "CadenceLow":
			v, err := zwoAttrUint(attr)
			if err != nil {
				return models.WorkoutSegment{}, false, err
			}
			cadenceLow = &v
		case "CadenceHigh":
			v, err := zwoAttrUint(attr)
			if err != nil {
				return models.WorkoutSegment{}, false, err
			}
			cadenceHi = &v
		}
	}

	if duration == nil {
		return models.WorkoutSegment{}, false, &models.ParseError{Format: models.FormatZwo, Field: "Duration"}
	}

	var target models.PowerTarget
	switch {
	case powerLow != nil && powerHigh != nil:
		target = models.RangeTarget(
			models.PercentFTP(fractionToPercent(*powerLow)),
			models.PercentFTP(fractionToPercent(*powerHigh)),
		)
	case power != nil:
		target = models.PercentFTP(fractionToPercent(*power))
	case segType == models.SegmentFreeRide:
		target = models.PercentFTP(0)
	default:
		return models.WorkoutSegment{}, false, &models.ParseError{Format: models.FormatZwo, Field: "Power"}
	}

	var cadenceTarget *models.CadenceTarget
	switch {
	case cadenceLow != nil && cadenceHi != nil:
		cadenceTarget = &models.CadenceTarget{MinRPM: uint8(*cadenceLow), MaxRPM: uint8(*cadenceHi)}
	case cadence != nil:
		cadenceTarget = cadenceWindow(uint8(*cadence))
	}

	return models.WorkoutSegment{
		Type:            segType,
		DurationSeconds: *duration,
		PowerTarget:     target,
		CadenceTarget:   cadenceTarget,
	}, true, nil
}

// cadenceWindow derives the ±5 rpm window around a point cadence.
func cadenceWindow(c uint8) *models.CadenceTarget {
	lo := c
	if lo >= 5 {
		lo -= 5
	} else {
		lo = 0
	}
	hi := c
	if hi <= 250 {
		hi += 5
	}
	return &models.CadenceTarget{MinRPM: lo, MaxRPM: hi}
}

// parseIntervals expands an IntervalsT block into 2·Repeat alternating
// on/off segments.
func parseIntervals(t xml.StartElement) ([]models.WorkoutSegment, error) {
	repeat := uint64(1)
	var onDuration, offDuration uint64
	onPower, offPower := 1.0, 0.5
	var onCadence, offCadence *uint64

	for _, attr := range t.Attr {
		switch attr.Name.Local {
		case "Repeat":
			v, err := zwoAttrUint(attr)
			if err != nil {
				return nil, err
			}
			repeat = v
		case "OnDuration":
			v, err := zwoAttrUint(attr)
			if err != nil {
				return nil, err
			}
			onDuration = v
		case "OffDuration":
			v, err := zwoAttrUint(attr)
			if err != nil {
				return nil, err
			}
			offDuration = v
		case "OnPower":
			v, err := zwoAttrFloat(attr)
			if err != nil {
				return nil, err
			}
			onPower = v
		case "OffPower":
			v, err := zwoAttrFloat(attr)
			if err != nil {
				return nil, err
			}
			offPower = v
		case "Cadence", "OnCadence":
			v, err := zwoAttrUint(attr)
			if err != nil {
				return nil, err
			}
			onCadence = &v
		case "CadenceResting", "OffCadence":
			v, err := zwoAttrUint(attr)
			if err != nil {
				return nil, err
			}
			offCadence = &v
		}
	}

	if onDuration == 0 && offDuration == 0 {
		return nil, &models.ParseError{Format: models.FormatZwo, Field: "OnDuration/OffDuration"}
	}

	var segments []models.WorkoutSegment
	for i := uint64(0); i < repeat; i++ {
		if onDuration > 0 {
			seg := models.WorkoutSegment{
				Type:            models.SegmentIntervals,
				DurationSeconds: uint32(onDuration),
				PowerTarget:     models.PercentFTP(fractionToPercent(onPower)),
			}
			if onCadence != nil {
				seg.CadenceTarget = cadenceWindow(uint8(*onCadence))
			}
			segments = append(segments, seg)
		}
		if offDuration > 0 {
			seg := models.WorkoutSegment{
				Type:            models.SegmentIntervals,
				DurationSeconds: uint32(offDuration),
				PowerTarget:     models.PercentFTP(fractionToPercent(offPower)),
			}
			if offCadence != nil {
				seg.CadenceTarget = cadenceWindow(uint8(*offCadence))
			}
			segments = append(segments, seg)
		}
	}
	return segments, nil
}
