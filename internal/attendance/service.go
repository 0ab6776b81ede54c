package attendance

import (
	"context"
	"errors"
	"time"

	"classtrack/internal/proximity"
	"classtrack/internal/session"
	"classtrack/internal/token"
)

// MarkOutcome is what the atomic scan upsert did.
type MarkOutcome int

const (
	// MarkedPresent means the record was created or promoted to present.
	MarkedPresent MarkOutcome = iota
	// AlreadyPresent means the record was present before the scan; the
	// original timestamp is preserved.
	AlreadyPresent
	// SessionNowClosed means the session completed between the validity
	// check and the write; nothing was recorded.
	SessionNowClosed
)

type (
	// Repository is the storage contract for attendance records. MarkScan
	// and SetPresence are atomic per (session, student): concurrent
	// writers on the same pair behave as if serialized.
	Repository interface {
		MarkScan(ctx context.Context, sessionID, studentID string, now time.Time) (MarkOutcome, error)
		SetPresence(ctx context.Context, sessionID, studentID string, p Presence, now time.Time) error
		RecordsBySession(ctx context.Context, sessionID string) ([]Record, error)
		RecordsByClassStudent(ctx context.Context, classID, studentID string) ([]Record, error)
	}

	// EnrollmentChecker answers whether a student belongs to a class.
	EnrollmentChecker interface {
		IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	}

	// TokenDirectory resolves and lazily expires scan tokens.
	TokenDirectory interface {
		TokenByCode(ctx context.Context, code string) (token.Token, error)
		DeactivateToken(ctx context.Context, sessionID string, now time.Time) (bool, error)
	}

	// SessionGetter resolves sessions for status and host-address checks.
	SessionGetter interface {
		GetSession(ctx context.Context, id string) (session.Session, error)
	}

	// Service records attendance exactly once per (session, student).
	Service struct {
		repo        Repository
		enrollments EnrollmentChecker
		tokens      TokenDirectory
		sessions    SessionGetter
		verifier    proximity.Verifier
	}
)

// NewService creates an attendance recorder.
func NewService(repo Repository, enrollments EnrollmentChecker, tokens TokenDirectory, sessions SessionGetter, verifier proximity.Verifier) *Service {
	return &Service{repo: repo, enrollments: enrollments, tokens: tokens, sessions: sessions, verifier: verifier}
}

// RecordScan runs the scan pipeline: resolve the token, check validity,
// enrollment and network proximity, then atomically upsert the record.
// Every rejection names its reason; a rejected scan writes nothing.
func (s *Service) RecordScan(ctx context.Context, code, studentID, scannerAddr string, now time.Time) (ScanResult, error) {
	tok, err := s.tokens.TokenByCode(ctx, code)
	if errors.Is(err, token.ErrNoToken) {
		return rejected(ReasonUnknownToken, ""), nil
	}
	if err != nil {
		return ScanResult{}, err
	}

	if !tok.Valid(now) {
		if tok.Active {
			// advisory cleanup; validity was already decided on timestamps
			_, _ = s.tokens.DeactivateToken(ctx, tok.SessionID, now)
		}
		return rejected(ReasonTokenExpired, tok.SessionID), nil
	}

	sess, err := s.sessions.GetSession(ctx, tok.SessionID)
	if err != nil {
		return ScanResult{}, err
	}
	if sess.Completed() {
		return rejected(ReasonTokenExpired, sess.ID), nil
	}

	enrolled, err := s.enrollments.IsEnrolled(ctx, sess.ClassID, studentID)
	if err != nil {
		return ScanResult{}, err
	}
	if !enrolled {
		return rejected(ReasonNotEnrolled, sess.ID), nil
	}

	if !s.verifier.SameNetwork(sess.HostAddr, scannerAddr) {
		return rejected(ReasonNetworkMismatch, sess.ID), nil
	}

	outcome, err := s.repo.MarkScan(ctx, sess.ID, studentID, now)
	if err != nil {
		return ScanResult{}, err
	}
	switch outcome {
	case AlreadyPresent:
		return ScanResult{Status: ScanAlreadyPresent, SessionID: sess.ID}, nil
	case SessionNowClosed:
		// sweep closed the session after the validity check; the token is
		// gone with it, so report it as expired
		return rejected(ReasonTokenExpired, sess.ID), nil
	default:
		return ScanResult{Status: ScanPresent, SessionID: sess.ID}, nil
	}
}

// ManualMark lets the owning teacher set a student's presence while the
// session is still ongoing. It leaves ViaScan untouched and stamps the
// timestamp only if this is the record's first determination.
func (s *Service) ManualMark(ctx context.Context, sessionID, studentID string, p Presence, now time.Time) error {
	if p != Present && p != Absent {
		return ErrInvalidPresence
	}
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Completed() {
		return ErrSessionClosed
	}
	return s.repo.SetPresence(ctx, sessionID, studentID, p, now)
}

// SessionRecords returns the attendance sheet of one session.
func (s *Service) SessionRecords(ctx context.Context, sessionID string) ([]Record, error) {
	return s.repo.RecordsBySession(ctx, sessionID)
}

// StudentHistory returns a student's records across a class's sessions.
func (s *Service) StudentHistory(ctx context.Context, classID, studentID string) ([]Record, error) {
	return s.repo.RecordsByClassStudent(ctx, classID, studentID)
}
