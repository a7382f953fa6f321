//go:build integration

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/internal/job"
	"github.com/schoolerp/jobqueue/internal/storage/mongostore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// newMongoStore returns a store on a database private to the test.
func newMongoStore(t *testing.T, c *clock) *mongostore.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg := mongostore.Config{
		ConnectionURL:   mongoURL,
		Database:        "it_" + uuid.NewString()[:8],
		ConnectTimeout:  5 * time.Second,
		MaxPoolSize:     20,
		MinPoolSize:     1,
		MaxConnIdleTime: time.Minute,
		RetryAttempts:   3,
		RetryInterval:   time.Second,
	}
	client, err := mongostore.Connect(ctx, cfg)
	require.NoError(t, err)

	db := client.Database(cfg.Database)
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	var opts []mongostore.Option
	if c != nil {
		opts = append(opts, mongostore.WithClock(c.Now))
	}
	store := mongostore.New(db, opts...)
	require.NoError(t, store.EnsureIndexes(ctx))
	return store
}

func TestMongoStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := newMongoStore(t, c)

	j := newJob(t, c, config.KindSendSMS)
	require.NoError(t, store.Create(ctx, j))
	assert.ErrorIs(t, store.Create(ctx, j), mongostore.ErrDuplicateJob)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.Kind, got.Kind)
	assert.Equal(t, config.StateWaiting, got.State)
	assert.JSONEq(t, string(j.Payload), string(got.Payload))

	_, err = store.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestMongoStore_ClaimOrderAndBackoff(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := newMongoStore(t, c)

	first := newJob(t, c, config.KindSendEmail)
	require.NoError(t, store.Create(ctx, first))
	c.Advance(time.Millisecond)
	second := newJob(t, c, config.KindSendEmail)
	require.NoError(t, store.Create(ctx, second))
	require.NoError(t, store.Create(ctx, newJob(t, c, config.KindSendSMS)))

	claimed, err := store.ClaimNext(ctx, config.TopicEmail, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, "w1", claimed.Owner)
	assert.Equal(t, 1, claimed.AttemptsMade)

	failed, err := store.AckFailure(ctx, first.ID, "w1", "connection reset")
	require.NoError(t, err)
	assert.Equal(t, config.StateDelayed, failed.State)
	assert.Equal(t, c.Now().Add(2*time.Second), failed.NotBefore)

	_, err = store.AckFailure(ctx, first.ID, "w1", "again")
	assert.ErrorIs(t, err, job.ErrLeaseLost)

	// The delayed job is not due, so the next email claim takes the second job.
	claimed, err = store.ClaimNext(ctx, config.TopicEmail, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)
	require.NoError(t, store.AckSuccess(ctx, second.ID, "w1", datatypes.JSON(`{"message_id":"pm-1"}`)))

	none, err := store.ClaimNext(ctx, config.TopicEmail, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)

	stats, err := store.Stats(ctx, config.TopicEmail)
	require.NoError(t, err)
	assert.Equal(t, dto.Stats{Completed: 1, Delayed: 1}, stats)

	c.Advance(2 * time.Second)
	stats, err = store.Stats(ctx, config.TopicEmail)
	require.NoError(t, err)
	assert.Equal(t, dto.Stats{Completed: 1, Waiting: 1}, stats, "a due delayed job counts as waiting")

	claimed, err = store.ClaimNext(ctx, config.TopicEmail, "w2")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, 2, claimed.AttemptsMade)

	got, err := store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_id":"pm-1"}`, string(got.Result))
}

func TestMongoStore_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	store := newMongoStore(t, nil)
	c := newClock()

	const total = 30
	for range total {
		require.NoError(t, store.Create(ctx, newJob(t, c, config.KindGenerateReportCard)))
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := fmt.Sprintf("host/report-%d", i)
			for {
				j, err := store.ClaimNext(ctx, config.TopicReport, workerID)
				if !assert.NoError(t, err) || j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
				assert.NoError(t, store.AckSuccess(ctx, j.ID, workerID, nil))
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, total)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestMongoStore_RecoverPruneRetry(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := newMongoStore(t, c)

	// One report job on its last attempt, one with attempts left.
	last := newJob(t, c, config.KindGenerateSalarySlip)
	last.AttemptsMade = 1
	require.NoError(t, store.Create(ctx, last))
	c.Advance(time.Millisecond)
	fresh := newJob(t, c, config.KindGenerateSalarySlip)
	require.NoError(t, store.Create(ctx, fresh))

	for range 2 {
		_, err := store.ClaimNext(ctx, config.TopicReport, "crashed-worker")
		require.NoError(t, err)
	}

	c.Advance(6 * time.Minute)
	recovered, err := store.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recovered)

	got, err := store.Get(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, config.StateFailed, got.State)
	assert.Equal(t, "visibility timeout exceeded", got.LastError)
	assert.Equal(t, 2, got.AttemptsMade)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, config.StateWaiting, got.State)
	assert.Empty(t, got.Owner)

	assert.ErrorIs(t, store.Retry(ctx, fresh.ID), job.ErrNotRetryable)
	require.NoError(t, store.Retry(ctx, last.ID))
	got, err = store.Get(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, config.StateWaiting, got.State)
	assert.Zero(t, got.AttemptsMade)
	assert.Empty(t, got.LastError)

	for range 3 {
		j := newJob(t, c, config.KindGenerateSalarySlip)
		require.NoError(t, store.Create(ctx, j))
	}
	for {
		j, err := store.ClaimNext(ctx, config.TopicReport, "w")
		require.NoError(t, err)
		if j == nil {
			break
		}
		require.NoError(t, store.AckSuccess(ctx, j.ID, "w", nil))
		c.Advance(time.Second)
	}

	removed, err := store.Prune(ctx, config.TopicReport, config.Retention{RemoveOnComplete: 2, RemoveOnFail: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	jobs, err := store.List(ctx, dto.ListFilter{Topic: config.TopicReport})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
