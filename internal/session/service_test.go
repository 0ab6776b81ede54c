package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"classtrack/internal/roster"
)

// fakeRepo mimics the Postgres repo's atomic close semantics in memory.
type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]Session)}
}

func (f *fakeRepo) CreateSession(_ context.Context, s Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if existing.ClassID == s.ClassID && existing.SlotID == s.SlotID &&
			existing.Date.Equal(s.Date) && existing.Status == StatusOngoing {
			return ErrDuplicateSession
		}
	}
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeRepo) ListOngoingSessions(_ context.Context, classID string) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Session
	for _, s := range f.sessions {
		if s.ClassID == classID && s.Status == StatusOngoing {
			res = append(res, s)
		}
	}
	return res, nil
}

func (f *fakeRepo) ListActiveClassIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var res []string
	for _, s := range f.sessions {
		if s.Status == StatusOngoing && !seen[s.ClassID] {
			seen[s.ClassID] = true
			res = append(res, s.ClassID)
		}
	}
	return res, nil
}

func (f *fakeRepo) ListSessionsByClass(_ context.Context, classID string) ([]Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Session
	for _, s := range f.sessions {
		if s.ClassID == classID {
			res = append(res, s)
		}
	}
	return res, nil
}

func (f *fakeRepo) CompleteSession(_ context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	s.Status = StatusCompleted
	s.ClosedAt = &now
	f.sessions[id] = s
	return nil
}

func (f *fakeRepo) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

type fakeSlots struct {
	byID map[string]roster.MeetingSlot
}

func (f *fakeSlots) GetSlot(_ context.Context, id string) (roster.MeetingSlot, error) {
	s, ok := f.byID[id]
	if !ok {
		return roster.MeetingSlot{}, roster.ErrNotFound
	}
	return s, nil
}

func (f *fakeSlots) ListSlots(_ context.Context, classID string) ([]roster.MeetingSlot, error) {
	var res []roster.MeetingSlot
	for _, s := range f.byID {
		if s.ClassID == classID {
			res = append(res, s)
		}
	}
	return res, nil
}

// mondayNine is Monday 2026-03-02 09:00 UTC.
var mondayNine = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setupService() (*Service, *fakeRepo) {
	repo := newFakeRepo()
	slots := &fakeSlots{byID: map[string]roster.MeetingSlot{
		// Monday 09:00-10:00
		"slot-1": {ID: "slot-1", ClassID: "class-1", Weekday: time.Monday, StartMin: 9 * 60, EndMin: 10 * 60},
	}}
	return NewService(repo, slots), repo
}

func TestStartInsideWindow(t *testing.T) {
	svc, _ := setupService()

	sess, err := svc.Start(context.Background(), "class-1", "slot-1", "192.168.1.10", mondayNine.Add(30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, StatusOngoing, sess.Status)
	require.Equal(t, "192.168.1.10", sess.HostAddr)
	require.Equal(t, DateOnly(mondayNine), sess.Date)
}

func TestStartOutOfWindow(t *testing.T) {
	svc, _ := setupService()
	ctx := context.Background()

	cases := []struct {
		name string
		now  time.Time
	}{
		{name: "after end same day", now: mondayNine.Add(90 * time.Minute)}, // Monday 10:30
		{name: "before start same day", now: mondayNine.Add(-time.Minute)},
		{name: "wrong weekday", now: mondayNine.AddDate(0, 0, 1)}, // Tuesday 09:00
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Start(ctx, "class-1", "slot-1", "192.168.1.10", tc.now)
			require.ErrorIs(t, err, ErrOutOfWindow)
		})
	}
}

func TestStartWindowBoundariesInclusive(t *testing.T) {
	svc, repo := setupService()
	ctx := context.Background()

	_, err := svc.Start(ctx, "class-1", "slot-1", "h", mondayNine)
	require.NoError(t, err, "start time itself is inside the window")

	// clear so the duplicate guard does not interfere
	repo.sessions = make(map[string]Session)

	_, err = svc.Start(ctx, "class-1", "slot-1", "h", mondayNine.Add(time.Hour))
	require.NoError(t, err, "end time itself is inside the window")
}

func TestStartRejectsForeignSlot(t *testing.T) {
	svc, _ := setupService()

	_, err := svc.Start(context.Background(), "other-class", "slot-1", "h", mondayNine)
	require.Error(t, err)
}

func TestStartDuplicateOngoing(t *testing.T) {
	svc, _ := setupService()
	ctx := context.Background()

	_, err := svc.Start(ctx, "class-1", "slot-1", "h", mondayNine)
	require.NoError(t, err)

	_, err = svc.Start(ctx, "class-1", "slot-1", "h", mondayNine.Add(5*time.Minute))
	require.ErrorIs(t, err, ErrDuplicateSession)
}

func TestEndIsSingleWinner(t *testing.T) {
	svc, _ := setupService()
	ctx := context.Background()

	sess, err := svc.Start(ctx, "class-1", "slot-1", "h", mondayNine)
	require.NoError(t, err)

	require.NoError(t, svc.End(ctx, sess.ID, mondayNine.Add(time.Minute)))
	require.ErrorIs(t, svc.End(ctx, sess.ID, mondayNine.Add(2*time.Minute)), ErrAlreadyCompleted)
}

func TestSweepClosesElapsedSessions(t *testing.T) {
	svc, repo := setupService()
	ctx := context.Background()

	sess, err := svc.Start(ctx, "class-1", "slot-1", "h", mondayNine)
	require.NoError(t, err)

	// still inside the window: nothing to close
	closed, err := svc.SweepClass(ctx, "class-1", mondayNine.Add(30*time.Minute))
	require.NoError(t, err)
	require.Empty(t, closed)

	// window end passed
	closed, err = svc.SweepClass(ctx, "class-1", mondayNine.Add(61*time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{sess.ID}, closed)

	got, err := repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.ClosedAt)
}

func TestSweepClosesStaleSessionFromPastDay(t *testing.T) {
	svc, _ := setupService()
	ctx := context.Background()

	sess, err := svc.Start(ctx, "class-1", "slot-1", "h", mondayNine)
	require.NoError(t, err)

	// next day, before the slot's time-of-day: date alone makes it elapsed
	closed, err := svc.SweepClass(ctx, "class-1", mondayNine.AddDate(0, 0, 1).Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{sess.ID}, closed)
}

func TestSweepIdempotent(t *testing.T) {
	svc, _ := setupService()
	ctx := context.Background()

	_, err := svc.Start(ctx, "class-1", "slot-1", "h", mondayNine)
	require.NoError(t, err)

	after := mondayNine.Add(2 * time.Hour)
	first, err := svc.SweepClass(ctx, "class-1", after)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := svc.SweepClass(ctx, "class-1", after)
	require.NoError(t, err)
	require.Empty(t, second, "second sweep reports zero newly-closed sessions")
}

func TestSweepConcurrentSingleWinner(t *testing.T) {
	svc, _ := setupService()
	ctx := context.Background()

	sess, err := svc.Start(ctx, "class-1", "slot-1", "h", mondayNine)
	require.NoError(t, err)

	after := mondayNine.Add(2 * time.Hour)
	results := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closed, err := svc.SweepClass(ctx, "class-1", after)
			if err == nil {
				results <- len(closed)
			}
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	require.Equal(t, 1, total, "exactly one sweep wins the close")

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}
