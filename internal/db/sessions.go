package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
)

const sessionColumns = `s.id, s.measurement_id, s.group_id, m.measurement_type, m.sample_rate,
	s.start_unix_nanos, s.sample_count,
	CASE WHEN m.measurement_type = 'IBI' THEN s.data_json ELSE NULL END`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (measure.Session, error) {
	var (
		s       measure.Session
		groupID sql.NullInt64
		typ     string
		nanos   int64
		ibiJSON sql.NullString
	)
	if err := row.Scan(&s.ID, &s.StreamID, &groupID, &typ, &s.SampleRate, &nanos, &s.Count, &ibiJSON); err != nil {
		return measure.Session{}, err
	}
	t, err := measure.ParseType(typ)
	if err != nil {
		return measure.Session{}, err
	}
	s.Type = t
	s.GroupID = groupID.Int64
	s.Start = time.Unix(0, nanos).UTC()
	if ibiJSON.Valid {
		beats, err := decodeIBI(ibiJSON.String)
		if err != nil {
			return measure.Session{}, fmt.Errorf("session %d: %w", s.ID, err)
		}
		s.Offsets = make([]float64, len(beats))
		for i, b := range beats {
			s.Offsets[i] = b.Offset
		}
	}
	return s, nil
}

// Session returns the metadata of one session, or ErrNotFound.
func (db *DB) Session(ctx context.Context, id int64) (measure.Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM measure_session s JOIN measurement m ON m.id = s.measurement_id
		WHERE s.id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return measure.Session{}, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return measure.Session{}, fmt.Errorf("failed to load session %d: %w", id, err)
	}
	return s, nil
}

func (db *DB) querySessions(ctx context.Context, where string, args ...any) ([]measure.Session, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM measure_session s JOIN measurement m ON m.id = s.measurement_id
		WHERE `+where+` ORDER BY s.start_unix_nanos, s.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []measure.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionsInGroup returns the sessions of a measurement group ordered by
// start time.
func (db *DB) SessionsInGroup(ctx context.Context, groupID int64) ([]measure.Session, error) {
	out, err := db.querySessions(ctx, `s.group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions of group %d: %w", groupID, err)
	}
	return out, nil
}

// SessionsForStream returns every session of a measurement id.
func (db *DB) SessionsForStream(ctx context.Context, streamID string) ([]measure.Session, error) {
	out, err := db.querySessions(ctx, `s.measurement_id = ?`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions of %s: %w", streamID, err)
	}
	return out, nil
}

// SessionsForPatientWeek returns every session of one patient and week.
func (db *DB) SessionsForPatientWeek(ctx context.Context, patientID string, week measure.Week) ([]measure.Session, error) {
	out, err := db.querySessions(ctx, `m.patient_id = ? AND m.week = ?`, patientID, int(week))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions of %s %s: %w", patientID, week, err)
	}
	return out, nil
}

func (db *DB) rawData(ctx context.Context, id int64) (string, string, error) {
	var typ, data string
	err := db.QueryRowContext(ctx, `SELECT m.measurement_type, s.data_json
		FROM measure_session s JOIN measurement m ON m.id = s.measurement_id
		WHERE s.id = ?`, id).Scan(&typ, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load data of session %d: %w", id, err)
	}
	return typ, data, nil
}

// SessionData returns the samples of a session. IBI sessions yield their
// intervals.
func (db *DB) SessionData(ctx context.Context, id int64) ([]float64, error) {
	typ, data, err := db.rawData(ctx, id)
	if err != nil {
		return nil, err
	}
	if typ == string(measure.IBI) {
		beats, err := decodeIBI(data)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", id, err)
		}
		out := make([]float64, len(beats))
		for i, b := range beats {
			out[i] = b.Interval
		}
		return out, nil
	}
	var out []float64
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("failed to decode data of session %d: %w", id, err)
	}
	return out, nil
}

// IBIData returns the beats of an IBI session.
func (db *DB) IBIData(ctx context.Context, id int64) ([]measure.IBISample, error) {
	typ, data, err := db.rawData(ctx, id)
	if err != nil {
		return nil, err
	}
	if typ != string(measure.IBI) {
		return nil, fmt.Errorf("session %d is %s, not IBI", id, typ)
	}
	beats, err := decodeIBI(data)
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", id, err)
	}
	return beats, nil
}

// InvalidRanges returns the stored invalid index ranges of a session.
func (db *DB) InvalidRanges(ctx context.Context, id int64) (measure.Ranges, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT invalid_ranges_json FROM measure_session WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invalid ranges of session %d: %w", id, err)
	}
	rs, err := measure.ParseRanges([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("session %d: %w", id, err)
	}
	return rs, nil
}

// SetInvalidRanges overwrites the invalid ranges of one session. The list
// is normalized before it is stored; the update commits on its own.
func (db *DB) SetInvalidRanges(ctx context.Context, id int64, rs measure.Ranges) error {
	rs = rs.Normalize()
	b, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE measure_session SET invalid_ranges_json = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return fmt.Errorf("failed to update invalid ranges of session %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return nil
}

// InsertSession stores one upload of a regular stream and returns its id.
func (db *DB) InsertSession(ctx context.Context, streamID string, start time.Time, data []float64) (int64, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}
	return db.insertSession(ctx, streamID, start, len(data), string(b))
}

// InsertIBISession stores one upload of an IBI stream and returns its id.
func (db *DB) InsertIBISession(ctx context.Context, streamID string, start time.Time, beats []measure.IBISample) (int64, error) {
	pairs := make([][2]float64, len(beats))
	for i, b := range beats {
		pairs[i] = [2]float64{b.Offset, b.Interval}
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return 0, err
	}
	return db.insertSession(ctx, streamID, start, len(beats), string(b))
}

func (db *DB) insertSession(ctx context.Context, streamID string, start time.Time, count int, data string) (int64, error) {
	// Re-ingesting an upload replaces its samples and keeps its id. Ranges
	// marked on the old samples no longer apply.
	var id int64
	err := db.QueryRowContext(ctx, `INSERT INTO measure_session
		(measurement_id, start_unix_nanos, sample_count, data_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (measurement_id, start_unix_nanos) DO UPDATE SET
			sample_count = excluded.sample_count,
			data_json = excluded.data_json,
			invalid_ranges_json = '[]'
		RETURNING id`,
		streamID, start.UnixNano(), count, data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session of %s: %w", streamID, err)
	}
	return id, nil
}

// AssignGroup sets the measurement group of sessions.
func (db *DB) AssignGroup(ctx context.Context, groupID int64, sessionIDs ...int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE measure_session SET group_id = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range sessionIDs {
		if _, err := stmt.ExecContext(ctx, groupID, id); err != nil {
			return fmt.Errorf("failed to assign session %d to group %d: %w", id, groupID, err)
		}
	}
	return tx.Commit()
}

func decodeIBI(raw string) ([]measure.IBISample, error) {
	var pairs [][2]float64
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, fmt.Errorf("failed to decode ibi data: %w", err)
	}
	out := make([]measure.IBISample, len(pairs))
	for i, p := range pairs {
		out[i] = measure.IBISample{Offset: p[0], Interval: p[1]}
	}
	return out, nil
}
