package workout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"veloride/engine/models"
)

// ParseFile reads a workout file from disk and dispatches on its extension.
func ParseFile(path string) (*models.Workout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workout file: %w", err)
	}
	w, err := Parse(data, FormatForPath(path))
	if err != nil {
		return nil, err
	}
	w.SourceFile = path
	return w, nil
}

// FormatForPath maps a file extension to a workout format; unknown
// extensions fall back to native.
func FormatForPath(path string) models.WorkoutFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zwo":
		return models.FormatZwo
	case ".mrc", ".erg":
		return models.FormatMrc
	case ".fit":
		return models.FormatFit
	default:
		return models.FormatNative
	}
}

// Parse decodes workout file content in the given format.
func Parse(data []byte, format models.WorkoutFormat) (*models.Workout, error) {
	switch format {
	case models.FormatZwo:
		return ParseZWO(data)
	case models.FormatMrc:
		return ParseMRC(string(data))
	case models.FormatFit:
		return ParseFIT(data)
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedFormat, format)
	}
}
