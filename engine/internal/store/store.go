// Package store persists rides, 1 Hz samples, MMP vectors, the lifetime PDC
// and segment times in an embedded buntdb key/value database. Storage errors
// surface to the caller verbatim; the core never retries.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"veloride/engine/internal/analytics"
	"veloride/engine/internal/segments"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RideRow is the ride summary row written at ride end.
type RideRow struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	WorkoutID       *uuid.UUID `json:"workout_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds uint32     `json:"duration_seconds"`
	DistanceM       float64    `json:"distance_meters"`
	AvgPower        *uint16    `json:"avg_power,omitempty"`
	MaxPower        *uint16    `json:"max_power,omitempty"`
	NormalizedPower *uint16    `json:"normalized_power,omitempty"`
	IntensityFactor *float64   `json:"intensity_factor,omitempty"`
	TSS             *float64   `json:"tss,omitempty"`
	AvgHR           *uint8     `json:"avg_hr,omitempty"`
	MaxHR           *uint8     `json:"max_hr,omitempty"`
	AvgCadence      *uint8     `json:"avg_cadence,omitempty"`
	CaloriesKcal    float64    `json:"calories"`
	FTPAtRide       uint16     `json:"ftp_at_ride"`
	Notes           string     `json:"notes,omitempty"`
}

// Autosave is the crash-recovery record, replaced on every write.
type Autosave struct {
	Ride    RideRow            `json:"ride"`
	Samples []analytics.Sample `json:"samples"`
	SavedAt time.Time          `json:"saved_at"`
}

// Store wraps the embedded database.
type Store struct {
	db *buntdb.DB
}

// Open opens (creating if needed) a store at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an ephemeral in-memory store.
func OpenMemory() (*Store, error) { return Open(":memory:") }

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func rideKey(id uuid.UUID) string { return "ride:" + id.String() }
func sampleKey(rideID uuid.UUID, elapsed uint32) string {
	return fmt.Sprintf("sample:%s:%010d", rideID, elapsed)
}
func pdcKey(userID uuid.UUID) string { return "pdc:" + userID.String() }
func mmpKey(rideID uuid.UUID) string { return "mmp:" + rideID.String() }
func segTimeKey(st segments.Time) string {
	return fmt.Sprintf("segtime:%s:%s:%s", st.SegmentID, st.UserID, st.ID)
}

const autosaveKey = "autosave"

func (s *Store) setJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), nil)
		return err
	})
}

func (s *Store) getJSON(key string, v interface{}) (bool, error) {
	var raw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		raw = val
		return nil
	})
	if err == buntdb.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(raw), v)
}

// SaveRide writes or replaces a ride summary row.
func (s *Store) SaveRide(r RideRow) error {
	return s.setJSON(rideKey(r.ID), r)
}

// Ride loads a ride summary row.
func (s *Store) Ride(id uuid.UUID) (RideRow, bool, error) {
	var r RideRow
	ok, err := s.getJSON(rideKey(id), &r)
	return r, ok, err
}

// WriteSample appends one 1 Hz sample row for a ride.
func (s *Store) WriteSample(rideID uuid.UUID, sample analytics.Sample) error {
	return s.setJSON(sampleKey(rideID, sample.ElapsedSeconds), sample)
}

// Samples loads a ride's sample rows in elapsed order.
func (s *Store) Samples(rideID uuid.UUID) ([]analytics.Sample, error) {
	prefix := fmt.Sprintf("sample:%s:", rideID)
	var out []analytics.Sample
	var decodeErr error
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			var sm analytics.Sample
			if err := json.Unmarshal([]byte(value), &sm); err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", key, err)
				return false
			}
			out = append(out, sm)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// SavePDC persists the rider's lifetime curve.
func (s *Store) SavePDC(userID uuid.UUID, points []analytics.PDCPoint) error {
	return s.setJSON(pdcKey(userID), points)
}

// LoadPDC restores the rider's lifetime curve; an empty curve when absent.
func (s *Store) LoadPDC(userID uuid.UUID) (*analytics.PowerDurationCurve, error) {
	var points []analytics.PDCPoint
	ok, err := s.getJSON(pdcKey(userID), &points)
	if err != nil {
		return nil, err
	}
	if !ok {
		return analytics.NewPDC(), nil
	}
	return analytics.PDCFromPoints(points), nil
}

// SaveMMP persists a ride's full MMP vector.
func (s *Store) SaveMMP(rideID uuid.UUID, points []analytics.PDCPoint) error {
	return s.setJSON(mmpKey(rideID), points)
}

// MMP loads a ride's MMP vector.
func (s *Store) MMP(rideID uuid.UUID) ([]analytics.PDCPoint, bool, error) {
	var points []analytics.PDCPoint
	ok, err := s.getJSON(mmpKey(rideID), &points)
	return points, ok, err
}

// BestSegmentTime returns the rider's fastest stored time on a segment.
func (s *Store) BestSegmentTime(userID, segmentID uuid.UUID) (float64, bool, error) {
	prefix := fmt.Sprintf("segtime:%s:%s:", segmentID, userID)
	best := 0.0
	found := false
	var decodeErr error
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			var st segments.Time
			if err := json.Unmarshal([]byte(value), &st); err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", key, err)
				return false
			}
			if !found || st.TimeSeconds < best {
				best = st.TimeSeconds
				found = true
			}
			return true
		})
	})
	if err != nil {
		return 0, false, err
	}
	if decodeErr != nil {
		return 0, false, decodeErr
	}
	return best, found, nil
}

// RecordSegmentTime stores a completed effort, confirming or demoting the
// timer's tentative PB flag against stored history. Returns the row as
// written.
func (s *Store) RecordSegmentTime(st segments.Time) (segments.Time, error) {
	best, found, err := s.BestSegmentTime(st.UserID, st.SegmentID)
	if err != nil {
		return segments.Time{}, err
	}
	st.IsPersonalBest = !found || st.TimeSeconds < best
	if err := s.setJSON(segTimeKey(st), st); err != nil {
		return segments.Time{}, err
	}
	return st, nil
}

// SegmentTimes returns every stored time for a segment, fastest first.
func (s *Store) SegmentTimes(segmentID uuid.UUID) ([]segments.Time, error) {
	prefix := fmt.Sprintf("segtime:%s:", segmentID)
	var out []segments.Time
	var decodeErr error
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			var st segments.Time
			if err := json.Unmarshal([]byte(value), &st); err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", key, err)
				return false
			}
			out = append(out, st)
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].TimeSeconds < out[j-1].TimeSeconds; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// SaveAutosave replaces the crash-recovery record.
func (s *Store) SaveAutosave(a Autosave) error {
	if a.SavedAt.IsZero() {
		a.SavedAt = time.Now().UTC()
	}
	return s.setJSON(autosaveKey, a)
}

// LoadAutosave returns the crash-recovery record if one exists.
func (s *Store) LoadAutosave() (Autosave, bool, error) {
	var a Autosave
	ok, err := s.getJSON(autosaveKey, &a)
	return a, ok, err
}

// ClearAutosave removes the crash-recovery record after a clean finish.
func (s *Store) ClearAutosave() error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(autosaveKey)
		return err
	})
	if err == buntdb.ErrNotFound {
		return nil
	}
	return err
}

// Rides lists all stored ride ids.
func (s *Store) Rides() ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("ride:*", func(key, value string) bool {
			if id, err := uuid.Parse(strings.TrimPrefix(key, "ride:")); err == nil {
				out = append(out, id)
			}
			return true
		})
	})
	return out, err
}
