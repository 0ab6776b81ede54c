// Package token issues, reuses, and invalidates the short-lived scan
// tokens that authorize attendance self-check-in for a session.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"classtrack/internal/session"
)

// DefaultValidity is how long a freshly minted token can be scanned.
const DefaultValidity = 5 * time.Minute

var (
	ErrNoToken       = errors.New("no scan token for this session")
	ErrSessionClosed = errors.New("session is already completed")
)

// Token is the at-most-one scan credential of a session. Validity is
// authoritative on the timestamps; Active is advisory cleanup state.
type Token struct {
	SessionID string
	Code      string
	Active    bool
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the token can still be scanned at now.
func (t Token) Valid(now time.Time) bool {
	return t.Active && now.Before(t.ExpiresAt)
}

type (
	// Repository stores the one-token-per-session relation. Save upserts
	// in place so expired tokens do not accumulate as extra rows.
	Repository interface {
		TokenBySession(ctx context.Context, sessionID string) (Token, error)
		TokenByCode(ctx context.Context, code string) (Token, error)
		SaveToken(ctx context.Context, t Token) error
		DeactivateToken(ctx context.Context, sessionID string, now time.Time) (bool, error)
	}

	// SessionGetter resolves sessions for the closed-session guard.
	SessionGetter interface {
		GetSession(ctx context.Context, id string) (session.Session, error)
	}

	// Service is the token issuer.
	Service struct {
		repo     Repository
		sessions SessionGetter
	}
)

// NewService creates a token issuer.
func NewService(repo Repository, sessions SessionGetter) *Service {
	return &Service{repo: repo, sessions: sessions}
}

// IssueOrReuse returns the session's current token if it is still valid,
// otherwise mints a new code expiring at now+validity. Reuse keeps a token
// students are mid-scan on from being pulled out from under them when the
// teacher reopens the display. Fails with ErrSessionClosed on a completed
// session.
func (s *Service) IssueOrReuse(ctx context.Context, sessionID string, now time.Time, validity time.Duration) (Token, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Token{}, err
	}
	if sess.Completed() {
		return Token{}, ErrSessionClosed
	}
	if validity <= 0 {
		validity = DefaultValidity
	}

	existing, err := s.repo.TokenBySession(ctx, sessionID)
	switch {
	case err == nil:
		if existing.Valid(now) {
			return existing, nil
		}
		if existing.Active {
			// advisory lazy expiry; validity stays authoritative on timestamps
			_, _ = s.repo.DeactivateToken(ctx, sessionID, now)
		}
	case errors.Is(err, ErrNoToken):
	default:
		return Token{}, err
	}

	fresh := Token{
		SessionID: sessionID,
		Code:      uuid.NewString(),
		Active:    true,
		IssuedAt:  now,
		ExpiresAt: now.Add(validity),
	}
	if err := s.repo.SaveToken(ctx, fresh); err != nil {
		return Token{}, err
	}
	return fresh, nil
}

// Invalidate deactivates the session's token, valid or not, setting its
// expiry to now. It reports false when there was nothing to invalidate.
func (s *Service) Invalidate(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	return s.repo.DeactivateToken(ctx, sessionID, now)
}

// Resolve looks a token up by its opaque code.
func (s *Service) Resolve(ctx context.Context, code string) (Token, error) {
	return s.repo.TokenByCode(ctx, code)
}
