package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classtrack/internal/store"
)

// Repo persists attendance records in Postgres. The (session_id,
// student_id) primary key is the mutual-exclusion anchor: writers lock the
// row (or the session on first insert) so racing scans serialize.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a repo.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// MarkScan atomically upserts the record to present. It re-checks the
// session status under lock so a sweep racing with a live scan cannot
// admit a write to a closed session.
func (r *Repo) MarkScan(ctx context.Context, sessionID, studentID string, now time.Time) (MarkOutcome, error) {
	outcome := MarkedPresent
	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM sessions WHERE id = $1 FOR SHARE
		`, sessionID).Scan(&status)
		if err != nil {
			return err
		}
		if status != "ongoing" {
			outcome = SessionNowClosed
			return nil
		}

		var presence string
		var viaScan bool
		err = tx.QueryRowContext(ctx, `
			SELECT presence, via_scan FROM attendance_records
			WHERE session_id = $1 AND student_id = $2 FOR UPDATE
		`, sessionID, studentID).Scan(&presence, &viaScan)
		if errors.Is(err, sql.ErrNoRows) {
			// student enrolled after the session was seeded; the conflict
			// branch absorbs a concurrent insert of the same pair
			_, err = tx.ExecContext(ctx, `
				INSERT INTO attendance_records (session_id, student_id, presence, via_scan, marked_at)
				VALUES ($1,$2,'present',TRUE,$3)
				ON CONFLICT (session_id, student_id) DO UPDATE SET
					presence = 'present',
					via_scan = TRUE,
					marked_at = COALESCE(attendance_records.marked_at, EXCLUDED.marked_at)
			`, sessionID, studentID, now)
			return err
		}
		if err != nil {
			return err
		}

		if presence == string(Present) {
			outcome = AlreadyPresent
			if !viaScan {
				// upgrade a manual present to scan-confirmed
				_, err = tx.ExecContext(ctx, `
					UPDATE attendance_records SET via_scan = TRUE
					WHERE session_id = $1 AND student_id = $2
				`, sessionID, studentID)
			}
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE attendance_records SET
				presence = 'present',
				via_scan = TRUE,
				marked_at = COALESCE(marked_at, $3)
			WHERE session_id = $1 AND student_id = $2
		`, sessionID, studentID, now)
		return err
	})
	if err != nil {
		return MarkedPresent, err
	}
	return outcome, nil
}

// SetPresence applies a teacher override while the session is ongoing.
// ViaScan is left untouched and the timestamp is first-write-wins.
func (r *Repo) SetPresence(ctx context.Context, sessionID, studentID string, p Presence, now time.Time) error {
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM sessions WHERE id = $1 FOR SHARE
		`, sessionID).Scan(&status)
		if err != nil {
			return err
		}
		if status != "ongoing" {
			return ErrSessionClosed
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_records (session_id, student_id, presence, marked_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (session_id, student_id) DO UPDATE SET
				presence = EXCLUDED.presence,
				marked_at = COALESCE(attendance_records.marked_at, EXCLUDED.marked_at)
		`, sessionID, studentID, string(p), now)
		return err
	})
}

// RecordsBySession returns a session's attendance sheet ordered by student.
func (r *Repo) RecordsBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return r.list(ctx, `
		SELECT session_id, student_id, presence, via_scan, marked_at
		FROM attendance_records WHERE session_id = $1 ORDER BY student_id
	`, sessionID)
}

// RecordsByClassStudent returns one student's records across a class's
// sessions, newest session first.
func (r *Repo) RecordsByClassStudent(ctx context.Context, classID, studentID string) ([]Record, error) {
	return r.list(ctx, `
		SELECT ar.session_id, ar.student_id, ar.presence, ar.via_scan, ar.marked_at
		FROM attendance_records ar
		JOIN sessions s ON s.id = ar.session_id
		WHERE s.class_id = $1 AND ar.student_id = $2
		ORDER BY s.session_date DESC
	`, classID, studentID)
}

func (r *Repo) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		var presence string
		var markedAt sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.StudentID, &presence, &rec.ViaScan, &markedAt); err != nil {
			return nil, err
		}
		rec.Presence = Presence(presence)
		if markedAt.Valid {
			t := markedAt.Time
			rec.MarkedAt = &t
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
