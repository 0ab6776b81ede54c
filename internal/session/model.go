package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a session. The only transition is
// Ongoing to Completed; sessions are never reopened.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrOutOfWindow      = errors.New("current time is outside the meeting slot window")
	ErrAlreadyCompleted = errors.New("session is already completed")
	ErrDuplicateSession = errors.New("an ongoing session already exists for this slot today")
)

// Session is one dated occurrence of a class meeting slot.
type Session struct {
	ID        string
	ClassID   string
	SlotID    string
	Date      time.Time // calendar date; time component is zero
	Status    Status
	HostAddr  string // teacher's network address at creation, for proximity checks
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Completed reports whether the session has been closed.
func (s Session) Completed() bool {
	return s.Status == StatusCompleted
}

// DateOnly truncates t to its calendar date in t's location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
