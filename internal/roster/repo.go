package roster

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists roster data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateClass inserts a class owned by a teacher.
func (r *Repository) CreateClass(ctx context.Context, cls Class) (Class, error) {
	if cls.ID == "" {
		cls.ID = uuid.NewString()
	}
	if cls.CreatedAt.IsZero() {
		cls.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classes (id, teacher_id, code, title, academic_year, semester, section, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, cls.ID, cls.TeacherID, cls.Code, cls.Title, cls.AcademicYear, cls.Semester, cls.Section, cls.CreatedAt)
	if isUniqueViolation(err) {
		return Class{}, ErrCodeExists
	}
	if err != nil {
		return Class{}, err
	}
	return cls, nil
}

// GetClass returns a class by id.
func (r *Repository) GetClass(ctx context.Context, id string) (Class, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, code, title, COALESCE(academic_year,''), COALESCE(semester,''), COALESCE(section,''), created_at
		FROM classes WHERE id = $1
	`, id)
	var cls Class
	err := row.Scan(&cls.ID, &cls.TeacherID, &cls.Code, &cls.Title, &cls.AcademicYear, &cls.Semester, &cls.Section, &cls.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Class{}, ErrNotFound
	}
	return cls, err
}

// ListClassesByTeacher returns all classes owned by a teacher, newest first.
func (r *Repository) ListClassesByTeacher(ctx context.Context, teacherID string) ([]Class, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, teacher_id, code, title, COALESCE(academic_year,''), COALESCE(semester,''), COALESCE(section,''), created_at
		FROM classes WHERE teacher_id = $1 ORDER BY created_at DESC
	`, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Class
	for rows.Next() {
		var cls Class
		if err := rows.Scan(&cls.ID, &cls.TeacherID, &cls.Code, &cls.Title, &cls.AcademicYear, &cls.Semester, &cls.Section, &cls.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, cls)
	}
	return res, rows.Err()
}

// AddSlot inserts a weekly meeting slot for a class.
func (r *Repository) AddSlot(ctx context.Context, slot MeetingSlot) (MeetingSlot, error) {
	if slot.ID == "" {
		slot.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meeting_slots (id, class_id, weekday, start_min, end_min)
		VALUES ($1,$2,$3,$4,$5)
	`, slot.ID, slot.ClassID, int(slot.Weekday), slot.StartMin, slot.EndMin)
	if err != nil {
		return MeetingSlot{}, err
	}
	return slot, nil
}

// GetSlot returns a meeting slot by id.
func (r *Repository) GetSlot(ctx context.Context, id string) (MeetingSlot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, weekday, start_min, end_min FROM meeting_slots WHERE id = $1
	`, id)
	var slot MeetingSlot
	var weekday int
	err := row.Scan(&slot.ID, &slot.ClassID, &weekday, &slot.StartMin, &slot.EndMin)
	if errors.Is(err, sql.ErrNoRows) {
		return MeetingSlot{}, ErrNotFound
	}
	slot.Weekday = time.Weekday(weekday)
	return slot, err
}

// ListSlots returns all meeting slots of a class ordered by weekday and start.
func (r *Repository) ListSlots(ctx context.Context, classID string) ([]MeetingSlot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, class_id, weekday, start_min, end_min
		FROM meeting_slots WHERE class_id = $1 ORDER BY weekday, start_min
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []MeetingSlot
	for rows.Next() {
		var slot MeetingSlot
		var weekday int
		if err := rows.Scan(&slot.ID, &slot.ClassID, &weekday, &slot.StartMin, &slot.EndMin); err != nil {
			return nil, err
		}
		slot.Weekday = time.Weekday(weekday)
		res = append(res, slot)
	}
	return res, rows.Err()
}

// AddEnrollment enrolls a student in a class, idempotently on (class, student).
func (r *Repository) AddEnrollment(ctx context.Context, classID, studentID string) (Enrollment, error) {
	enr := Enrollment{ID: uuid.NewString(), ClassID: classID, StudentID: studentID, CreatedAt: time.Now().UTC()}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollments (id, class_id, student_id, created_at)
		VALUES ($1,$2,$3,$4)
	`, enr.ID, enr.ClassID, enr.StudentID, enr.CreatedAt)
	if isUniqueViolation(err) {
		return Enrollment{}, ErrAlreadyEnrolled
	}
	if err != nil {
		return Enrollment{}, err
	}
	return enr, nil
}

// RemoveEnrollment deletes a student's membership. Attendance already
// written for past sessions is left untouched.
func (r *Repository) RemoveEnrollment(ctx context.Context, classID, studentID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM enrollments WHERE class_id = $1 AND student_id = $2
	`, classID, studentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStudentIDs returns the ids of all students currently enrolled in a class.
func (r *Repository) ListStudentIDs(ctx context.Context, classID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM enrollments WHERE class_id = $1 ORDER BY student_id
	`, classID)
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

// IsEnrolled reports whether a student holds an enrollment in a class.
func (r *Repository) IsEnrolled(ctx context.Context, classID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE class_id = $1 AND student_id = $2)
	`, classID, studentID).Scan(&exists)
	return exists, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
