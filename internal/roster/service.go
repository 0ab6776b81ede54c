package roster

import (
	"context"
	"strings"
	"time"
)

type (
	// Repo is the storage contract the service depends on.
	Repo interface {
		CreateClass(ctx context.Context, cls Class) (Class, error)
		GetClass(ctx context.Context, id string) (Class, error)
		ListClassesByTeacher(ctx context.Context, teacherID string) ([]Class, error)
		AddSlot(ctx context.Context, slot MeetingSlot) (MeetingSlot, error)
		GetSlot(ctx context.Context, id string) (MeetingSlot, error)
		ListSlots(ctx context.Context, classID string) ([]MeetingSlot, error)
		AddEnrollment(ctx context.Context, classID, studentID string) (Enrollment, error)
		RemoveEnrollment(ctx context.Context, classID, studentID string) error
		ListStudentIDs(ctx context.Context, classID string) ([]string, error)
		IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	}

	// Service validates and coordinates roster mutations.
	Service struct {
		repo Repo
	}
)

// NewService creates a service backed by a repository.
func NewService(repo Repo) *Service {
	return &Service{repo: repo}
}

// CreateClass validates and stores a new class for a teacher.
func (s *Service) CreateClass(ctx context.Context, cls Class) (Class, error) {
	cls.Code = strings.TrimSpace(cls.Code)
	cls.Title = strings.TrimSpace(cls.Title)
	if cls.Code == "" || cls.Title == "" {
		return Class{}, ErrClassFieldsRequired
	}
	return s.repo.CreateClass(ctx, cls)
}

// GetClass returns a class by id.
func (s *Service) GetClass(ctx context.Context, id string) (Class, error) {
	return s.repo.GetClass(ctx, id)
}

// ListClasses returns the classes a teacher owns.
func (s *Service) ListClasses(ctx context.Context, teacherID string) ([]Class, error) {
	return s.repo.ListClassesByTeacher(ctx, teacherID)
}

// AddSlot validates and stores a weekly meeting slot.
func (s *Service) AddSlot(ctx context.Context, slot MeetingSlot) (MeetingSlot, error) {
	if slot.Weekday < time.Sunday || slot.Weekday > time.Saturday {
		return MeetingSlot{}, ErrInvalidMeetingSlot
	}
	if slot.StartMin < 0 || slot.EndMin > 24*60 || slot.StartMin >= slot.EndMin {
		return MeetingSlot{}, ErrInvalidMeetingSlot
	}
	return s.repo.AddSlot(ctx, slot)
}

// ListSlots returns the meeting slots of a class.
func (s *Service) ListSlots(ctx context.Context, classID string) ([]MeetingSlot, error) {
	return s.repo.ListSlots(ctx, classID)
}

// Enroll adds a student to a class.
func (s *Service) Enroll(ctx context.Context, classID, studentID string) (Enrollment, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return Enrollment{}, ErrStudentRequired
	}
	return s.repo.AddEnrollment(ctx, classID, studentID)
}

// EnrollBulk adds many students at once, skipping ones already enrolled.
// It returns the number of new enrollments.
func (s *Service) EnrollBulk(ctx context.Context, classID string, studentIDs []string) (int, error) {
	added := 0
	for _, id := range studentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		_, err := s.repo.AddEnrollment(ctx, classID, id)
		switch err {
		case nil:
			added++
		case ErrAlreadyEnrolled:
			// bulk import tolerates duplicates
		default:
			return added, err
		}
	}
	return added, nil
}

// Unenroll removes a student from a class.
func (s *Service) Unenroll(ctx context.Context, classID, studentID string) error {
	return s.repo.RemoveEnrollment(ctx, classID, studentID)
}

// Roster returns the ids of students currently enrolled.
func (s *Service) Roster(ctx context.Context, classID string) ([]string, error) {
	return s.repo.ListStudentIDs(ctx, classID)
}
