package token

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repo persists scan tokens in Postgres, one row per session.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a repo.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// TokenBySession returns the session's token, if any.
func (r *Repo) TokenBySession(ctx context.Context, sessionID string) (Token, error) {
	return scanToken(r.db.QueryRowContext(ctx, `
		SELECT session_id, code, active, issued_at, expires_at
		FROM scan_tokens WHERE session_id = $1
	`, sessionID))
}

// TokenByCode resolves an opaque code to its token.
func (r *Repo) TokenByCode(ctx context.Context, code string) (Token, error) {
	return scanToken(r.db.QueryRowContext(ctx, `
		SELECT session_id, code, active, issued_at, expires_at
		FROM scan_tokens WHERE code = $1
	`, code))
}

// SaveToken upserts the session's token row in place. Concurrent issuers
// race on a single row, so the later write wins whole.
func (r *Repo) SaveToken(ctx context.Context, t Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_tokens (session_id, code, active, issued_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (session_id) DO UPDATE SET
			code = EXCLUDED.code,
			active = EXCLUDED.active,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at
	`, t.SessionID, t.Code, t.Active, t.IssuedAt, t.ExpiresAt)
	return err
}

// DeactivateToken flips the session's token inactive and caps its expiry
// at now. It reports whether a token row existed.
func (r *Repo) DeactivateToken(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE scan_tokens SET active = FALSE, expires_at = LEAST(expires_at, $2)
		WHERE session_id = $1
	`, sessionID, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanToken(row *sql.Row) (Token, error) {
	var t Token
	err := row.Scan(&t.SessionID, &t.Code, &t.Active, &t.IssuedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrNoToken
	}
	return t, err
}
