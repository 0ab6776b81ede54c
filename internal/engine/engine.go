// Package engine is the surface external callers use to drive the
// session-and-attendance machinery. It coordinates the session lifecycle,
// the token issuer and the attendance recorder, publishes events for
// downstream consumers, and counts outcomes. All operations take an
// explicit clock value and actor ids; nothing is read from ambient state.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"classtrack/internal/attendance"
	"classtrack/internal/metrics"
	"classtrack/internal/queue"
	"classtrack/internal/session"
	"classtrack/internal/token"
)

// TokenInfo is what the presentation layer needs to render a scan link or
// QR image: the opaque code and when it stops working.
type TokenInfo struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	ScanURL   string    `json:"scan_url"`
}

// Engine orchestrates the attendance components.
type Engine struct {
	sessions *session.Service
	tokens   *token.Service
	recorder *attendance.Service
	events   queue.Queue
	log      *zap.Logger

	tokenValidity time.Duration
	scanURLBase   string
}

// New wires an engine. validity is the default scan-token lifetime;
// scanURLBase prefixes the code in returned scan URLs.
func New(sessions *session.Service, tokens *token.Service, recorder *attendance.Service, events queue.Queue, log *zap.Logger, validity time.Duration, scanURLBase string) *Engine {
	if validity <= 0 {
		validity = token.DefaultValidity
	}
	return &Engine{
		sessions:      sessions,
		tokens:        tokens,
		recorder:      recorder,
		events:        events,
		log:           log,
		tokenValidity: validity,
		scanURLBase:   scanURLBase,
	}
}

// StartSession opens an ongoing session for the slot if now is inside its
// window, seeding unmarked records for the roster. hostAddr is the
// teacher's network address, kept for proximity checks on scans.
func (e *Engine) StartSession(ctx context.Context, classID, slotID, hostAddr string, now time.Time) (session.Session, error) {
	sess, err := e.sessions.Start(ctx, classID, slotID, hostAddr, now)
	if err != nil {
		return session.Session{}, err
	}
	e.log.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("class_id", classID),
		zap.String("slot_id", slotID))
	return sess, nil
}

// Sweep auto-closes every elapsed ongoing session of the class. Callers
// should run it before rendering any session list; the sweeper daemon also
// runs it on a timer. Safe to call repeatedly and concurrently.
func (e *Engine) Sweep(ctx context.Context, classID string, now time.Time) ([]string, error) {
	closed, err := e.sessions.SweepClass(ctx, classID, now)
	if err != nil {
		return closed, err
	}
	for _, id := range closed {
		metrics.SessionsClosedTotal.WithLabelValues("sweep").Inc()
		e.publish(ctx, queue.Event{Kind: queue.KindSessionClosed, SessionID: id, ClassID: classID, At: now})
	}
	if len(closed) > 0 {
		e.log.Info("sweep closed sessions", zap.String("class_id", classID), zap.Int("count", len(closed)))
	}
	return closed, nil
}

// SweepAll runs Sweep over every class with an ongoing session. The
// sweeper daemon calls this on a timer; a late-running pass simply
// back-closes sessions whose window elapsed while it was down.
func (e *Engine) SweepAll(ctx context.Context, now time.Time) ([]string, error) {
	classIDs, err := e.sessions.ActiveClasses(ctx)
	if err != nil {
		return nil, err
	}
	var closed []string
	for _, classID := range classIDs {
		ids, err := e.Sweep(ctx, classID, now)
		closed = append(closed, ids...)
		if err != nil {
			return closed, err
		}
	}
	return closed, nil
}

// EndSession manually closes one session. A second closer observes
// session.ErrAlreadyCompleted.
func (e *Engine) EndSession(ctx context.Context, sessionID string, now time.Time) error {
	if err := e.sessions.End(ctx, sessionID, now); err != nil {
		return err
	}
	metrics.SessionsClosedTotal.WithLabelValues("manual").Inc()
	e.publish(ctx, queue.Event{Kind: queue.KindSessionClosed, SessionID: sessionID, At: now})
	return nil
}

// IssueOrReuseToken returns the session's current valid token, or mints a
// new one expiring after the engine's configured validity.
func (e *Engine) IssueOrReuseToken(ctx context.Context, sessionID string, now time.Time, validity time.Duration) (TokenInfo, error) {
	if validity <= 0 {
		validity = e.tokenValidity
	}
	tok, err := e.tokens.IssueOrReuse(ctx, sessionID, now, validity)
	if err != nil {
		return TokenInfo{}, err
	}
	if tok.IssuedAt.Equal(now) {
		metrics.TokensIssuedTotal.Inc()
	}
	return TokenInfo{
		Code:      tok.Code,
		ExpiresAt: tok.ExpiresAt,
		ScanURL:   e.scanURLBase + "/" + tok.Code,
	}, nil
}

// InvalidateToken ends the scan window for a session. It reports whether
// there was a token to invalidate.
func (e *Engine) InvalidateToken(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	return e.tokens.Invalidate(ctx, sessionID, now)
}

// RecordScan records a student's self-check-in against a scanned code.
func (e *Engine) RecordScan(ctx context.Context, code, studentID, scannerAddr string, now time.Time) (attendance.ScanResult, error) {
	res, err := e.recorder.RecordScan(ctx, code, studentID, scannerAddr, now)
	if err != nil {
		return attendance.ScanResult{}, err
	}
	metrics.ScansTotal.WithLabelValues(string(res.Status), string(res.Reason)).Inc()
	if res.Status == attendance.ScanRejected {
		e.log.Info("scan rejected",
			zap.String("student_id", studentID),
			zap.String("reason", string(res.Reason)))
	} else {
		e.publish(ctx, queue.Event{
			Kind:      queue.KindScanRecorded,
			SessionID: res.SessionID,
			StudentID: studentID,
			Outcome:   string(res.Status),
			At:        now,
		})
	}
	return res, nil
}

// ManualMark applies a teacher's presence override while the session is
// ongoing. The acting teacher is an explicit parameter, never read from
// ambient state.
func (e *Engine) ManualMark(ctx context.Context, sessionID, studentID string, p attendance.Presence, actingTeacher string, now time.Time) error {
	if err := e.recorder.ManualMark(ctx, sessionID, studentID, p, now); err != nil {
		return err
	}
	e.log.Info("manual mark",
		zap.String("session_id", sessionID),
		zap.String("student_id", studentID),
		zap.String("presence", string(p)),
		zap.String("teacher_id", actingTeacher))
	return nil
}

// Session returns one session.
func (e *Engine) Session(ctx context.Context, id string) (session.Session, error) {
	return e.sessions.Get(ctx, id)
}

// ClassSessions sweeps the class and then lists its sessions, so callers
// never render a stale ongoing session.
func (e *Engine) ClassSessions(ctx context.Context, classID string, now time.Time) ([]session.Session, error) {
	if _, err := e.Sweep(ctx, classID, now); err != nil {
		return nil, err
	}
	return e.sessions.ListByClass(ctx, classID)
}

// DeleteSession removes a session and, with it, its records and token.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	return e.sessions.Delete(ctx, sessionID)
}

// SessionRecords returns the attendance sheet of a session.
func (e *Engine) SessionRecords(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	return e.recorder.SessionRecords(ctx, sessionID)
}

// StudentHistory returns one student's attendance across a class.
func (e *Engine) StudentHistory(ctx context.Context, classID, studentID string) ([]attendance.Record, error) {
	return e.recorder.StudentHistory(ctx, classID, studentID)
}

func (e *Engine) publish(ctx context.Context, evt queue.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, evt); err != nil {
		e.log.Warn("event publish failed", zap.String("kind", evt.Kind), zap.Error(err))
	}
}
