//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/models"
	"github.com/schoolerp/jobqueue/internal/storage/postgres"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newJob builds a waiting job of kind with its default policy, created at
// the clock's current time.
func newJob(t testing.TB, c *clock, kind string) *models.Job {
	t.Helper()
	topic, ok := config.TopicOf(kind)
	require.True(t, ok)
	policy, ok := config.PolicyFor(kind)
	require.True(t, ok)

	now := c.Now()
	return &models.Job{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Topic:          topic,
		Kind:           kind,
		Payload:        datatypes.JSON(`{"to":"+919876543210","message":"Exam timetable published"}`),
		State:          config.StateWaiting,
		MaxAttempts:    policy.MaxAttempts,
		BackoffType:    string(policy.Backoff.Type),
		BackoffDelayMs: policy.Backoff.BaseDelayMs,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// connectPostgres opens a fresh gorm pool on the test database, as a separate
// process would.
func connectPostgres(t testing.TB) *gorm.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := postgres.ConnectDB(ctx, &postgres.Config{
		User:         "testuser",
		Password:     "testpass",
		Host:         "localhost",
		Port:         testPort,
		Database:     "schoolerp",
		SSLMode:      "disable",
		MaxRetries:   3,
		RetryDelay:   100 * time.Millisecond,
		MaxOpenConns: 20,
		LogLevel:     logger.Silent,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func truncateJobs(t testing.TB) {
	t.Helper()
	_, err := testDB.Exec("TRUNCATE TABLE jobs")
	require.NoError(t, err)
}
