// Package export serializes finalized ride samples to parquet for offline
// analysis tooling.
package export

import (
	"fmt"
	"math"
	"os"

	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"veloride/engine/internal/analytics"
)

type sampleRow struct {
	ElapsedS     int64   `parquet:"name=elapsed_s, type=INT64"`
	PowerW       float64 `parquet:"name=power_w, type=DOUBLE"`
	CadenceRPM   float64 `parquet:"name=cadence_rpm, type=DOUBLE"`
	HRBPM        float64 `parquet:"name=hr_bpm, type=DOUBLE"`
	SpeedMPS     float64 `parquet:"name=speed_mps, type=DOUBLE"`
	DistanceM    float64 `parquet:"name=distance_m, type=DOUBLE"`
	CaloriesKcal float64 `parquet:"name=calories_kcal, type=DOUBLE"`
	TargetPowerW float64 `parquet:"name=target_power_w, type=DOUBLE"`
	TrainerGrade float64 `parquet:"name=trainer_grade, type=DOUBLE"`
	ValidPower   bool    `parquet:"name=valid_power, type=BOOLEAN"`
	ValidHR      bool    `parquet:"name=valid_hr, type=BOOLEAN"`
	ValidCadence bool    `parquet:"name=valid_cadence, type=BOOLEAN"`
}

// MarshalRideSamples encodes 1 Hz samples as a snappy-compressed parquet
// blob.
func MarshalRideSamples(samples []analytics.Sample) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(sampleRow), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, s := range samples {
		row := sampleRow{
			ElapsedS:     int64(s.ElapsedSeconds),
			PowerW:       u16OrNaN(s.PowerWatts),
			CadenceRPM:   u8OrNaN(s.CadenceRPM),
			HRBPM:        u8OrNaN(s.HeartRateBPM),
			SpeedMPS:     f64OrNaN(s.SpeedMPS),
			DistanceM:    s.DistanceM,
			CaloriesKcal: s.CaloriesKcal,
			TargetPowerW: u16OrNaN(s.TargetPowerWatts),
			TrainerGrade: f64OrNaN(s.TrainerGrade),
			ValidPower:   s.PowerWatts != nil,
			ValidHR:      s.HeartRateBPM != nil,
			ValidCadence: s.CadenceRPM != nil,
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

// WriteRideSamples writes the parquet blob to disk.
func WriteRideSamples(path string, samples []analytics.Sample) error {
	data, err := MarshalRideSamples(samples)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func u16OrNaN(v *uint16) float64 {
	if v == nil {
		return math.NaN()
	}
	return float64(*v)
}

func u8OrNaN(v *uint8) float64 {
	if v == nil {
		return math.NaN()
	}
	return float64(*v)
}

func f64OrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
