package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/models"
	"github.com/schoolerp/jobqueue/internal/storage/postgres"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) (*postgres.JobRepository, *testClock) {
	t.Helper()
	db, err := postgres.OpenSQLite(":memory:", logger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return postgres.NewJobRepository(db, postgres.WithClock(clock.Now)), clock
}

// enqueue stores a job with the default policy of its kind.
func enqueue(t *testing.T, repo *postgres.JobRepository, clock *testClock, kind string, payload any) string {
	t.Helper()
	topic, ok := config.TopicOf(kind)
	require.True(t, ok)
	policy, ok := config.PolicyFor(kind)
	require.True(t, ok)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	now := clock.Now()
	j := &models.Job{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Topic:          topic,
		Kind:           kind,
		Payload:        datatypes.JSON(raw),
		State:          config.StateWaiting,
		MaxAttempts:    policy.MaxAttempts,
		BackoffType:    string(policy.Backoff.Type),
		BackoffDelayMs: policy.Backoff.BaseDelayMs,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, repo.Create(context.Background(), j))
	return j.ID
}

type stubEmail struct {
	mu      sync.Mutex
	sent    []string
	failFor map[string]bool
}

func (s *stubEmail) Send(_ context.Context, to, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	if s.failFor[to] || s.failFor["*"] {
		return errSendRefused
	}
	return nil
}

func (s *stubEmail) count(to string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.sent {
		if r == to {
			n++
		}
	}
	return n
}

type stubSMS struct {
	mu    sync.Mutex
	calls []time.Time
	clock *testClock
	fail  bool
}

func (s *stubSMS) Send(_ context.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, s.clock.Now())
	if s.fail {
		return errSendRefused
	}
	return nil
}

type stubRenderer struct {
	calls int
	err   error
}

func (s *stubRenderer) Render(_ context.Context, kind string, _ any) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "/reports/" + kind + "/abc.html", nil
}
