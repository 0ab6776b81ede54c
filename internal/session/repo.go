package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"classtrack/internal/store"
)

// Repo persists sessions in Postgres.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a repo.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// CreateSession inserts an ongoing session and seeds an unmarked attendance
// record for every student currently enrolled in the class, in one
// transaction. Seeding is idempotent: existing records are left untouched.
func (r *Repo) CreateSession(ctx context.Context, s Session) error {
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, class_id, slot_id, session_date, status, host_addr, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, s.ID, s.ClassID, s.SlotID, s.Date, string(s.Status), s.HostAddr, s.CreatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateSession
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attendance_records (session_id, student_id, presence)
			SELECT $1, student_id, 'unmarked' FROM enrollments WHERE class_id = $2
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, s.ID, s.ClassID)
		return err
	})
}

// GetSession returns a session by id.
func (r *Repo) GetSession(ctx context.Context, id string) (Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT id, class_id, slot_id, session_date, status, host_addr, created_at, closed_at
		FROM sessions WHERE id = $1
	`, id))
}

// ListOngoingSessions returns the ongoing sessions of a class.
func (r *Repo) ListOngoingSessions(ctx context.Context, classID string) ([]Session, error) {
	return r.list(ctx, `
		SELECT id, class_id, slot_id, session_date, status, host_addr, created_at, closed_at
		FROM sessions WHERE class_id = $1 AND status = 'ongoing'
	`, classID)
}

// ListActiveClassIDs returns the distinct classes with an ongoing session.
func (r *Repo) ListActiveClassIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT class_id FROM sessions WHERE status = 'ongoing'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// ListSessionsByClass returns all sessions of a class, newest first.
func (r *Repo) ListSessionsByClass(ctx context.Context, classID string) ([]Session, error) {
	return r.list(ctx, `
		SELECT id, class_id, slot_id, session_date, status, host_addr, created_at, closed_at
		FROM sessions WHERE class_id = $1 ORDER BY session_date DESC, created_at DESC
	`, classID)
}

// CompleteSession transitions a session to completed, forces every still
// unmarked record to absent, and invalidates the scan token — all in one
// transaction so a half-closed session is never observable. The status
// update is the single-winner CAS: a second closer gets ErrAlreadyCompleted.
func (r *Repo) CompleteSession(ctx context.Context, id string, now time.Time) error {
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = 'completed', closed_at = $2
			WHERE id = $1 AND status = 'ongoing'
		`, id, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return ErrAlreadyCompleted
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE attendance_records SET presence = 'absent', marked_at = COALESCE(marked_at, $2)
			WHERE session_id = $1 AND presence = 'unmarked'
		`, id, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE scan_tokens SET active = FALSE, expires_at = $2
			WHERE session_id = $1
		`, id, now)
		return err
	})
}

// DeleteSession removes a session; its records and token go with it via
// cascading constraints.
func (r *Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) list(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var status string
	var closedAt sql.NullTime
	err := row.Scan(&s.ID, &s.ClassID, &s.SlotID, &s.Date, &status, &s.HostAddr, &s.CreatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s.Status = Status(status)
	if closedAt.Valid {
		t := closedAt.Time
		s.ClosedAt = &t
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
