package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"classtrack/internal/proximity"
	"classtrack/internal/session"
	"classtrack/internal/token"
)

type pairKey struct{ sessionID, studentID string }

// fakeStore backs all recorder dependencies, mimicking the SQL repo's
// per-pair serialization with one mutex.
type fakeStore struct {
	mu          sync.Mutex
	sessions    map[string]session.Session
	tokens      map[string]token.Token // keyed by session id
	enrollments map[string][]string    // class id -> student ids
	records     map[pairKey]Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:    make(map[string]session.Session),
		tokens:      make(map[string]token.Token),
		enrollments: make(map[string][]string),
		records:     make(map[pairKey]Record),
	}
}

func (f *fakeStore) GetSession(_ context.Context, id string) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) TokenByCode(_ context.Context, code string) (token.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.Code == code {
			return t, nil
		}
	}
	return token.Token{}, token.ErrNoToken
}

func (f *fakeStore) DeactivateToken(_ context.Context, sessionID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[sessionID]
	if !ok {
		return false, nil
	}
	t.Active = false
	if t.ExpiresAt.After(now) {
		t.ExpiresAt = now
	}
	f.tokens[sessionID] = t
	return true, nil
}

func (f *fakeStore) IsEnrolled(_ context.Context, classID, studentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.enrollments[classID] {
		if id == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) MarkScan(_ context.Context, sessionID, studentID string, now time.Time) (MarkOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok || sess.Status != session.StatusOngoing {
		return SessionNowClosed, nil
	}
	key := pairKey{sessionID, studentID}
	rec, ok := f.records[key]
	if ok && rec.Presence == Present {
		rec.ViaScan = true
		f.records[key] = rec
		return AlreadyPresent, nil
	}
	if !ok {
		rec = Record{SessionID: sessionID, StudentID: studentID}
	}
	rec.Presence = Present
	rec.ViaScan = true
	if rec.MarkedAt == nil {
		t := now
		rec.MarkedAt = &t
	}
	f.records[key] = rec
	return MarkedPresent, nil
}

func (f *fakeStore) SetPresence(_ context.Context, sessionID, studentID string, p Presence, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok || sess.Status != session.StatusOngoing {
		return ErrSessionClosed
	}
	key := pairKey{sessionID, studentID}
	rec, ok := f.records[key]
	if !ok {
		rec = Record{SessionID: sessionID, StudentID: studentID}
	}
	rec.Presence = p
	if rec.MarkedAt == nil {
		t := now
		rec.MarkedAt = &t
	}
	f.records[key] = rec
	return nil
}

func (f *fakeStore) RecordsBySession(_ context.Context, sessionID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Record
	for key, rec := range f.records {
		if key.sessionID == sessionID {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (f *fakeStore) RecordsByClassStudent(_ context.Context, classID, studentID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Record
	for key, rec := range f.records {
		if key.studentID != studentID {
			continue
		}
		if sess, ok := f.sessions[key.sessionID]; ok && sess.ClassID == classID {
			res = append(res, rec)
		}
	}
	return res, nil
}

var issuedAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setupRecorder() (*Service, *fakeStore) {
	store := newFakeStore()
	store.sessions["sess-1"] = session.Session{
		ID: "sess-1", ClassID: "class-1", Status: session.StatusOngoing, HostAddr: "192.168.1.10",
	}
	store.tokens["sess-1"] = token.Token{
		SessionID: "sess-1", Code: "code-1", Active: true,
		IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(5 * time.Minute),
	}
	store.enrollments["class-1"] = []string{"stud-1", "stud-2"}
	svc := NewService(store, store, store, store, proximity.NewVerifier(3))
	return svc, store
}

func TestRecordScanPresent(t *testing.T) {
	svc, store := setupRecorder()
	now := issuedAt.Add(4 * time.Minute)

	res, err := svc.RecordScan(context.Background(), "code-1", "stud-1", "192.168.1.55", now)
	require.NoError(t, err)
	require.Equal(t, ScanPresent, res.Status)

	rec := store.records[pairKey{"sess-1", "stud-1"}]
	require.Equal(t, Present, rec.Presence)
	require.True(t, rec.ViaScan)
	require.NotNil(t, rec.MarkedAt)
	require.Equal(t, now, *rec.MarkedAt)
}

func TestRecordScanIdempotent(t *testing.T) {
	svc, store := setupRecorder()
	ctx := context.Background()
	first := issuedAt.Add(time.Minute)

	res, err := svc.RecordScan(ctx, "code-1", "stud-1", "192.168.1.55", first)
	require.NoError(t, err)
	require.Equal(t, ScanPresent, res.Status)

	res, err = svc.RecordScan(ctx, "code-1", "stud-1", "192.168.1.55", first.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, ScanAlreadyPresent, res.Status)

	rec := store.records[pairKey{"sess-1", "stud-1"}]
	require.Equal(t, first, *rec.MarkedAt, "first-write-wins for the timestamp")
}

func TestRecordScanRejections(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		student string
		addr    string
		at      time.Time
		reason  RejectReason
	}{
		{name: "unknown token", code: "nope", student: "stud-1", addr: "192.168.1.55", at: issuedAt, reason: ReasonUnknownToken},
		{name: "expired token", code: "code-1", student: "stud-1", addr: "192.168.1.55", at: issuedAt.Add(6 * time.Minute), reason: ReasonTokenExpired},
		{name: "not enrolled", code: "code-1", student: "stranger", addr: "192.168.1.55", at: issuedAt.Add(time.Minute), reason: ReasonNotEnrolled},
		{name: "wrong network", code: "code-1", student: "stud-1", addr: "10.0.0.4", at: issuedAt.Add(time.Minute), reason: ReasonNetworkMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := setupRecorder()

			res, err := svc.RecordScan(context.Background(), tt.code, tt.student, tt.addr, tt.at)
			require.NoError(t, err)
			require.Equal(t, ScanRejected, res.Status)
			require.Equal(t, tt.reason, res.Reason)
			_, wrote := store.records[pairKey{"sess-1", tt.student}]
			require.False(t, wrote, "rejected scan must not write a record")
		})
	}
}

func TestRecordScanLazyExpiryFlipsActive(t *testing.T) {
	svc, store := setupRecorder()

	_, err := svc.RecordScan(context.Background(), "code-1", "stud-1", "192.168.1.55", issuedAt.Add(10*time.Minute))
	require.NoError(t, err)
	require.False(t, store.tokens["sess-1"].Active, "reader observing stale active flag flips it")
}

func TestRecordScanAgainstJustClosedSession(t *testing.T) {
	svc, store := setupRecorder()
	sess := store.sessions["sess-1"]
	sess.Status = session.StatusCompleted
	store.sessions["sess-1"] = sess

	res, err := svc.RecordScan(context.Background(), "code-1", "stud-1", "192.168.1.55", issuedAt.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, ScanRejected, res.Status)
	require.Equal(t, ReasonTokenExpired, res.Reason)
}

func TestRecordScanConcurrentDoubleTap(t *testing.T) {
	svc, store := setupRecorder()
	ctx := context.Background()
	now := issuedAt.Add(time.Minute)

	var wg sync.WaitGroup
	results := make(chan ScanStatus, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.RecordScan(ctx, "code-1", "stud-1", "192.168.1.55", now)
			if err == nil {
				results <- res.Status
			}
		}()
	}
	wg.Wait()
	close(results)

	for status := range results {
		require.Contains(t, []ScanStatus{ScanPresent, ScanAlreadyPresent}, status)
	}

	count := 0
	for key := range store.records {
		if key.sessionID == "sess-1" && key.studentID == "stud-1" {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one record for the pair")
	require.True(t, store.records[pairKey{"sess-1", "stud-1"}].ViaScan)
}

func TestRecordScanUpgradesManualPresent(t *testing.T) {
	svc, store := setupRecorder()
	ctx := context.Background()
	manualAt := issuedAt

	require.NoError(t, svc.ManualMark(ctx, "sess-1", "stud-1", Present, manualAt))
	require.False(t, store.records[pairKey{"sess-1", "stud-1"}].ViaScan)

	res, err := svc.RecordScan(ctx, "code-1", "stud-1", "192.168.1.55", manualAt.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, ScanAlreadyPresent, res.Status)

	rec := store.records[pairKey{"sess-1", "stud-1"}]
	require.True(t, rec.ViaScan, "manual present gets scan-confirmed")
	require.Equal(t, manualAt, *rec.MarkedAt, "timestamp keeps first determination")
}

func TestManualMark(t *testing.T) {
	svc, store := setupRecorder()
	ctx := context.Background()

	require.ErrorIs(t, svc.ManualMark(ctx, "sess-1", "stud-1", Unmarked, issuedAt), ErrInvalidPresence)

	require.NoError(t, svc.ManualMark(ctx, "sess-1", "stud-1", Absent, issuedAt))
	require.Equal(t, Absent, store.records[pairKey{"sess-1", "stud-1"}].Presence)

	// correction window ends with the session
	sess := store.sessions["sess-1"]
	sess.Status = session.StatusCompleted
	store.sessions["sess-1"] = sess
	require.ErrorIs(t, svc.ManualMark(ctx, "sess-1", "stud-1", Present, issuedAt), ErrSessionClosed)
}
