package workout

import (
	"math"
	"strconv"
	"strings"

	"veloride/engine/models"
)

type coursePoint struct {
	minutes      float64
	powerPercent uint8
}

type courseText struct {
	minutes float64
	text    string
}

// ParseMRC parses a TrainerRoad-style .mrc/.erg workout. [COURSE DATA] lines
// are "minutes percent_ftp" pairs; each consecutive pair becomes one segment.
func ParseMRC(content string) (*models.Workout, error) {
	var (
		name, description string
		points            []coursePoint
		texts             []courseText

		inHeader, inData, inText bool
	)

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch line {
		case "[COURSE HEADER]":
			inHeader, inData, inText = true, false, false
			continue
		case "[END COURSE HEADER]":
			inHeader = false
			continue
		case "[COURSE DATA]":
			inHeader, inData, inText = false, true, false
			continue
		case "[END COURSE DATA]":
			inData = false
			continue
		case "[COURSE TEXT]":
			inHeader, inData, inText = false, false, true
			continue
		case "[END COURSE TEXT]":
			inText = false
			continue
		}

		switch {
		case inHeader:
			if key, value, ok := strings.Cut(line, "="); ok {
				switch strings.ToUpper(strings.TrimSpace(key)) {
				case "FILE NAME":
					name = strings.TrimSpace(value)
				case "DESCRIPTION":
					description = strings.TrimSpace(value)
				}
			}
		case inData:
			if p, ok := parseCoursePoint(line); ok {
				points = append(points, p)
			}
		case inText:
			if ev, ok := parseCourseText(line); ok {
				texts = append(texts, ev)
			}
		}
	}

	if len(points) < 2 {
		return nil, &models.ParseError{Format: models.FormatMrc, Err: models.ErrEmptyWorkout}
	}

	segments := buildMRCSegments(points, texts)
	if len(segments) == 0 {
		return nil, &models.ParseError{Format: models.FormatMrc, Err: models.ErrEmptyWorkout}
	}

	if name == "" {
		name = "Unnamed MRC Workout"
	}
	w := models.NewWorkout(name, segments)
	w.Description = description
	w.SourceFormat = models.FormatMrc
	return w, nil
}

func parseCoursePoint(line string) (coursePoint, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return coursePoint{}, false
	}
	minutes, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return coursePoint{}, false
	}
	percent, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return coursePoint{}, false
	}
	return coursePoint{minutes: minutes, powerPercent: uint8(percent)}, true
}

func parseCourseText(line string) (courseText, bool) {
	idx := strings.IndexFunc(line, func(r rune) bool { return r == ' ' || r == '\t' })
	if idx < 0 {
		return courseText{}, false
	}
	minutes, err := strconv.ParseFloat(strings.TrimSpace(line[:idx]), 64)
	if err != nil {
		return courseText{}, false
	}
	text := strings.Trim(strings.TrimSpace(line[idx+1:]), `"`)
	return courseText{minutes: minutes, text: text}, true
}

func buildMRCSegments(points []coursePoint, texts []courseText) []models.WorkoutSegment {
	var segments []models.WorkoutSegment
	for i := 0; i < len(points)-1; i++ {
		start, end := points[i], points[i+1]

		startSeconds := uint32(start.minutes * 60)
		endSeconds := uint32(end.minutes * 60)
		if endSeconds <= startSeconds {
			continue
		}
		duration := endSeconds - startSeconds

		var segType models.SegmentType
		var target models.PowerTarget
		switch {
		case start.powerPercent == end.powerPercent:
			segType = models.SegmentSteadyState
			target = models.PercentFTP(start.powerPercent)
		case start.powerPercent < end.powerPercent:
			segType = models.SegmentWarmup
			target = models.RangeTarget(models.PercentFTP(start.powerPercent), models.PercentFTP(end.powerPercent))
		default:
			segType = models.SegmentCooldown
			target = models.RangeTarget(models.PercentFTP(start.powerPercent), models.PercentFTP(end.powerPercent))
		}

		var textEvent string
		for _, ev := range texts {
			if math.Abs(ev.minutes-start.minutes) < 0.01 {
				textEvent = ev.text
				break
			}
		}

		segments = append(segments, models.WorkoutSegment{
			Type:            segType,
			DurationSeconds: duration,
			PowerTarget:     target,
			TextEvent:       textEvent,
		})
	}
	return segments
}
