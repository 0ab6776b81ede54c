package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"classtrack/internal/roster"
)

type (
	// Repository is the storage contract for sessions. Create seeds an
	// unmarked attendance record for every current enrollee in the same
	// transaction; Complete applies the whole close (status flip, forced
	// absences, token invalidation) atomically.
	Repository interface {
		CreateSession(ctx context.Context, s Session) error
		GetSession(ctx context.Context, id string) (Session, error)
		ListOngoingSessions(ctx context.Context, classID string) ([]Session, error)
		ListActiveClassIDs(ctx context.Context) ([]string, error)
		ListSessionsByClass(ctx context.Context, classID string) ([]Session, error)
		CompleteSession(ctx context.Context, id string, now time.Time) error
		DeleteSession(ctx context.Context, id string) error
	}

	// SlotDirectory resolves meeting slots for eligibility checks.
	SlotDirectory interface {
		GetSlot(ctx context.Context, id string) (roster.MeetingSlot, error)
		ListSlots(ctx context.Context, classID string) ([]roster.MeetingSlot, error)
	}

	// Service owns the session state machine and schedule eligibility.
	Service struct {
		repo  Repository
		slots SlotDirectory
	}
)

// NewService creates a service backed by a repository and slot directory.
func NewService(repo Repository, slots SlotDirectory) *Service {
	return &Service{repo: repo, slots: slots}
}

// Start creates an ongoing session for the slot dated now, provided now
// falls inside the slot's weekly window. Every current enrollee is seeded
// with an unmarked attendance record.
func (s *Service) Start(ctx context.Context, classID, slotID, hostAddr string, now time.Time) (Session, error) {
	slot, err := s.slots.GetSlot(ctx, slotID)
	if err != nil {
		return Session{}, err
	}
	if slot.ClassID != classID {
		return Session{}, roster.ErrNotFound
	}
	if !slot.Contains(now) {
		return Session{}, ErrOutOfWindow
	}
	sess := Session{
		ID:        uuid.NewString(),
		ClassID:   classID,
		SlotID:    slotID,
		Date:      DateOnly(now),
		Status:    StatusOngoing,
		HostAddr:  hostAddr,
		CreatedAt: now,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ListByClass returns all sessions of a class, newest first.
func (s *Service) ListByClass(ctx context.Context, classID string) ([]Session, error) {
	return s.repo.ListSessionsByClass(ctx, classID)
}

// End closes one session. Unmarked records are finalized absent and any
// scan token is invalidated, atomically with the status flip.
func (s *Service) End(ctx context.Context, sessionID string, now time.Time) error {
	return s.repo.CompleteSession(ctx, sessionID, now)
}

// Delete removes a session together with its attendance records and token.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	return s.repo.DeleteSession(ctx, sessionID)
}

// ActiveClasses returns the ids of classes that currently have at least
// one ongoing session; the sweeper daemon uses it to bound its passes.
func (s *Service) ActiveClasses(ctx context.Context) ([]string, error) {
	return s.repo.ListActiveClassIDs(ctx)
}

// SweepClass auto-closes every ongoing session of the class whose window
// has elapsed at now, returning the ids it closed. It is idempotent and
// safe to run concurrently with itself and with live scans: the close
// transition has a single winner, and losers are simply skipped.
func (s *Service) SweepClass(ctx context.Context, classID string, now time.Time) ([]string, error) {
	ongoing, err := s.repo.ListOngoingSessions(ctx, classID)
	if err != nil {
		return nil, err
	}
	if len(ongoing) == 0 {
		return nil, nil
	}
	slots, err := s.slots.ListSlots(ctx, classID)
	if err != nil {
		return nil, err
	}
	slotByID := make(map[string]roster.MeetingSlot, len(slots))
	for _, slot := range slots {
		slotByID[slot.ID] = slot
	}

	var closed []string
	for _, sess := range ongoing {
		slot, ok := slotByID[sess.SlotID]
		if !ok {
			// slot deleted out from under the session; nothing to compare
			// against, leave it for manual EndSession
			continue
		}
		if !slot.EndedBefore(sess.Date, now) {
			continue
		}
		err := s.repo.CompleteSession(ctx, sess.ID, now)
		switch {
		case err == nil:
			closed = append(closed, sess.ID)
		case errors.Is(err, ErrAlreadyCompleted):
			// a concurrent sweep or manual end won the close
		default:
			return closed, err
		}
	}
	return closed, nil
}
