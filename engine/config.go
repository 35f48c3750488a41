package engine

import (
	"time"

	"github.com/google/uuid"

	"veloride/engine/config"
	"veloride/engine/internal/analytics"
	"veloride/engine/internal/fusion"
	"veloride/engine/internal/segments"
)

// Config is the public configuration surface for the session Engine. It
// narrows and normalizes the underlying component configs.
type Config struct {
	// Rider
	UserID uuid.UUID
	FTP    uint16

	// Workout execution
	RampDurationSeconds uint32

	// Analytics
	MMPDurations []uint32

	// Sensor fusion (cadence)
	Fusion fusion.Config

	// Trainer-disconnect grace period while a workout is in progress.
	TrainerDropoutTimeoutMS uint32

	// Sensor event handoff buffer.
	SensorBufferSize int

	// Coordinator loop resolution. The ride clock still advances at 1 Hz;
	// this only bounds event-drain latency.
	TickInterval time.Duration

	// Route segments timed during the ride.
	Segments []segments.Segment

	// Persistence. Empty StorePath selects an in-memory store.
	StorePath string
	// Optional directory receiving a parquet export per finished ride.
	ParquetExportDir string

	// Telemetry. MetricsBackend selects "prom" (default), "otel" or "noop".
	MetricsEnabled bool
	MetricsBackend string
}

// Defaults returns a Config with reasonable defaults.
func Defaults() Config {
	return Config{
		UserID:                  uuid.New(),
		FTP:                     200,
		RampDurationSeconds:     3,
		MMPDurations:            analytics.StandardDurations(),
		Fusion:                  fusion.DefaultConfig(),
		TrainerDropoutTimeoutMS: 3000,
		SensorBufferSize:        1024,
		TickInterval:            250 * time.Millisecond,
		MetricsEnabled:          false,
		MetricsBackend:          "prom",
	}
}

// FromFile overlays a loaded config file onto defaults.
func FromFile(f config.File) Config {
	cfg := Defaults()
	cfg.FTP = f.FTP
	cfg.RampDurationSeconds = f.RampDurationSeconds
	cfg.MMPDurations = f.MMPDurations
	cfg.Fusion = f.Fusion
	cfg.TrainerDropoutTimeoutMS = f.TrainerDropoutTimeoutMS
	cfg.MetricsEnabled = f.MetricsEnabled
	cfg.MetricsBackend = f.MetricsBackend
	cfg.StorePath = f.StorePath
	return cfg
}
