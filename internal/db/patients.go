package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
)

// InsertPatient stores a patient, replacing origin, arm and user key of an
// existing row.
func (db *DB) InsertPatient(ctx context.Context, p measure.Patient) error {
	_, err := db.ExecContext(ctx, `INSERT INTO patient (id, user_key, origin, patient_group)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_key = excluded.user_key,
			origin = excluded.origin,
			patient_group = excluded.patient_group`,
		p.ID, p.UserKey, string(p.Origin), string(p.Arm))
	if err != nil {
		return fmt.Errorf("failed to insert patient %s: %w", p.ID, err)
	}
	return nil
}

// EnsurePatient creates a placeholder row for a patient found in the data
// folder but not in the participants file. Existing rows are left alone.
func (db *DB) EnsurePatient(ctx context.Context, id string) error {
	origin, err := measure.OriginOf(id)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO patient (id, origin, patient_group)
		VALUES (?, ?, '')
		ON CONFLICT (id) DO NOTHING`, id, string(origin))
	if err != nil {
		return fmt.Errorf("failed to ensure patient %s: %w", id, err)
	}
	return nil
}

// SetDemographics records age and sex of a patient.
func (db *DB) SetDemographics(ctx context.Context, patientID string, age int, sex string) error {
	return db.updatePatient(ctx, patientID, `UPDATE patient SET age = ?, sex = ? WHERE id = ?`, age, sex, patientID)
}

// SetResearchGroups records GR1..GR3 membership of a patient.
func (db *DB) SetResearchGroups(ctx context.Context, patientID string, groups [3]bool) error {
	return db.updatePatient(ctx, patientID, `UPDATE patient SET group_1 = ?, group_2 = ?, group_3 = ? WHERE id = ?`,
		groups[0], groups[1], groups[2], patientID)
}

func (db *DB) updatePatient(ctx context.Context, patientID, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update patient %s: %w", patientID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("patient %s: %w", patientID, ErrNotFound)
	}
	return nil
}

// Patient returns one patient, or ErrNotFound.
func (db *DB) Patient(ctx context.Context, id string) (measure.Patient, error) {
	var (
		p            measure.Patient
		userKey, sex sql.NullString
		age          sql.NullInt64
		origin, arm  string
	)
	err := db.QueryRowContext(ctx, `SELECT id, user_key, origin, patient_group, age, sex, group_1, group_2, group_3
		FROM patient WHERE id = ?`, id).
		Scan(&p.ID, &userKey, &origin, &arm, &age, &sex, &p.Groups[0], &p.Groups[1], &p.Groups[2])
	if errors.Is(err, sql.ErrNoRows) {
		return measure.Patient{}, fmt.Errorf("patient %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return measure.Patient{}, fmt.Errorf("failed to load patient %s: %w", id, err)
	}
	p.UserKey = userKey.String
	p.Origin = measure.Origin(origin)
	p.Arm = measure.Arm(arm)
	p.Age = int(age.Int64)
	p.Sex = sex.String
	return p, nil
}

// PatientIDs returns every patient id in descending order.
func (db *DB) PatientIDs(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM patient ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertMeasurement stores the stream a session belongs to. The sample rate
// of an existing stream is kept.
func (db *DB) UpsertMeasurement(ctx context.Context, s measure.Stream) error {
	_, err := db.ExecContext(ctx, `INSERT INTO measurement (id, patient_id, week, measurement_type, sample_rate)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		s.ID, s.PatientID, int(s.Week), string(s.Type), s.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to insert measurement %s: %w", s.ID, err)
	}
	return nil
}

// Streams returns the measurements of one patient and week.
func (db *DB) Streams(ctx context.Context, patientID string, week measure.Week) ([]measure.Stream, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, patient_id, week, measurement_type, sample_rate
		FROM measurement WHERE patient_id = ? AND week = ? ORDER BY id`, patientID, int(week))
	if err != nil {
		return nil, fmt.Errorf("failed to list measurements of %s %s: %w", patientID, week, err)
	}
	defer rows.Close()

	var out []measure.Stream
	for rows.Next() {
		var (
			s   measure.Stream
			w   int
			typ string
		)
		if err := rows.Scan(&s.ID, &s.PatientID, &w, &typ, &s.SampleRate); err != nil {
			return nil, err
		}
		t, err := measure.ParseType(typ)
		if err != nil {
			return nil, err
		}
		s.Week, s.Type = measure.Week(w), t
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertGroup returns the id of the measurement group of a patient and week
// starting in the given minute, creating it when needed.
func (db *DB) UpsertGroup(ctx context.Context, patientID string, week measure.Week, minute time.Time) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `INSERT INTO measurement_group (patient_id, week, start_minute_unix)
		VALUES (?, ?, ?)
		ON CONFLICT (patient_id, week, start_minute_unix) DO UPDATE SET week = excluded.week
		RETURNING id`,
		patientID, int(week), minute.Truncate(time.Minute).Unix()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert group of %s %s: %w", patientID, week, err)
	}
	return id, nil
}

// Groups returns the measurement groups of a patient ordered by start.
func (db *DB) Groups(ctx context.Context, patientID string) ([]measure.Group, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, patient_id, week, start_minute_unix
		FROM measurement_group WHERE patient_id = ? ORDER BY start_minute_unix, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups of %s: %w", patientID, err)
	}
	defer rows.Close()

	var out []measure.Group
	for rows.Next() {
		var (
			g    measure.Group
			week int
			unix int64
		)
		if err := rows.Scan(&g.ID, &g.PatientID, &week, &unix); err != nil {
			return nil, err
		}
		g.Week = measure.Week(week)
		g.Start = time.Unix(unix, 0).UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

// GroupsForPatient returns the measurement group ids of a patient.
func (db *DB) GroupsForPatient(ctx context.Context, patientID string) ([]int64, error) {
	groups, err := db.Groups(ctx, patientID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	return ids, nil
}
