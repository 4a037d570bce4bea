package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
)

// setupTestDB opens a migrated database in a temporary directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedStream stores a patient and one measurement of the given type.
func seedStream(t *testing.T, db *DB, patientID string, week measure.Week, typ measure.Type) measure.Stream {
	t.Helper()
	ctx := t.Context()
	origin, _ := measure.OriginOf(patientID)
	if err := db.InsertPatient(ctx, measure.Patient{ID: patientID, Origin: origin, Arm: measure.ArmVR}); err != nil {
		t.Fatalf("InsertPatient failed: %v", err)
	}
	s := measure.Stream{
		ID:         measure.StreamID(patientID, week, typ),
		PatientID:  patientID,
		Week:       week,
		Type:       typ,
		SampleRate: measure.DefaultRates[typ],
	}
	if err := db.UpsertMeasurement(ctx, s); err != nil {
		t.Fatalf("UpsertMeasurement failed: %v", err)
	}
	return s
}

var testStart = time.Date(2022, 9, 1, 10, 0, 0, 0, time.UTC)
