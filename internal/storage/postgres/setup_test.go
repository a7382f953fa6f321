package postgres

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schoolerp/jobqueue/internal/backoff"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func SetupTestDB(t *testing.T) *gorm.DB {
	db, err := OpenSQLite(":memory:", logger.Silent)
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestJob(clock *fakeClock, topic, kind string, policy config.Policy) *models.Job {
	now := clock.Now()
	return &models.Job{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Topic:          topic,
		Kind:           kind,
		Payload:        datatypes.JSON(`{"to":"parent@school.test"}`),
		State:          config.StateWaiting,
		MaxAttempts:    policy.MaxAttempts,
		BackoffType:    string(policy.Backoff.Type),
		BackoffDelayMs: policy.Backoff.BaseDelayMs,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

var (
	emailPolicy  = config.Policy{MaxAttempts: 3, Backoff: backoff.Exponential(2 * time.Second)}
	reportPolicy = config.Policy{MaxAttempts: 2, Backoff: backoff.None()}
)
