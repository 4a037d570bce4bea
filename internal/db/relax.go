package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/relax.report/internal/measure"
)

// InsertRelaxSession stores a relaxation session and returns its id.
func (db *DB) InsertRelaxSession(ctx context.Context, r measure.RelaxSession) (int64, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO relax_session
		(patient_id, start_unix, end_unix, start_question_1, end_question_1, start_question_2, end_question_2, modifier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PatientID, r.Start.Unix(), r.End.Unix(),
		nullInt(r.StartQ1), nullInt(r.EndQ1), nullInt(r.StartQ2), nullInt(r.EndQ2), r.Modifier)
	if err != nil {
		return 0, fmt.Errorf("failed to insert relax session of %s: %w", r.PatientID, err)
	}
	return res.LastInsertId()
}

// RelaxSessions returns the relaxation sessions of a patient ordered by start.
func (db *DB) RelaxSessions(ctx context.Context, patientID string) ([]measure.RelaxSession, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, patient_id, start_unix, end_unix,
			start_question_1, end_question_1, start_question_2, end_question_2, modifier
		FROM relax_session WHERE patient_id = ? ORDER BY start_unix, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relax sessions of %s: %w", patientID, err)
	}
	defer rows.Close()

	var out []measure.RelaxSession
	for rows.Next() {
		var (
			r          measure.RelaxSession
			start, end int64
			q          [4]sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.PatientID, &start, &end, &q[0], &q[1], &q[2], &q[3], &r.Modifier); err != nil {
			return nil, err
		}
		r.Start = time.Unix(start, 0).UTC()
		r.End = time.Unix(end, 0).UTC()
		r.StartQ1, r.EndQ1, r.StartQ2, r.EndQ2 = intPtr(q[0]), intPtr(q[1]), intPtr(q[2]), intPtr(q[3])
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
