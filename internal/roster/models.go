package roster

import (
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("roster entry not found")
	ErrCodeExists          = errors.New("a class with this code already exists")
	ErrAlreadyEnrolled     = errors.New("student is already enrolled in this class")
	ErrInvalidMeetingSlot  = errors.New("meeting slot must end after it starts, on the same day")
	ErrStudentRequired     = errors.New("student id required")
	ErrClassFieldsRequired = errors.New("class code and title required")
)

// Class is a course owned by one teacher.
type Class struct {
	ID           string
	TeacherID    string
	Code         string
	Title        string
	AcademicYear string
	Semester     string
	Section      string
	CreatedAt    time.Time
}

// MeetingSlot is a recurring weekly meeting window of a class. Times are
// minutes since midnight; start and end fall on the same day.
type MeetingSlot struct {
	ID       string
	ClassID  string
	Weekday  time.Weekday
	StartMin int
	EndMin   int
}

// Contains reports whether t falls inside the slot's weekly window,
// boundaries included.
func (m MeetingSlot) Contains(t time.Time) bool {
	if t.Weekday() != m.Weekday {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= m.StartMin && minute <= m.EndMin
}

// EndedBefore reports whether the slot's window on the given calendar day
// has already elapsed at t: either the day is past, or it is the same day
// and t's time-of-day is strictly beyond the slot end.
func (m MeetingSlot) EndedBefore(day time.Time, t time.Time) bool {
	dy, dm, dd := day.Date()
	ty, tm, td := t.Date()
	dayVal := dy*10000 + int(dm)*100 + dd
	tVal := ty*10000 + int(tm)*100 + td
	if dayVal < tVal {
		return true
	}
	if dayVal > tVal {
		return false
	}
	return t.Hour()*60+t.Minute() > m.EndMin
}

// Enrollment is the membership of a student in a class, unique per
// (class, student).
type Enrollment struct {
	ID        string
	ClassID   string
	StudentID string
	CreatedAt time.Time
}
