package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/schoolerp/jobqueue/internal/backoff"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/dto"
	"github.com/schoolerp/jobqueue/internal/job"
	"github.com/schoolerp/jobqueue/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// claimAttempts bounds how often ClaimNext retries after losing a race
	// for the same candidate row.
	claimAttempts = 3

	defaultListLimit = 100
	maxListLimit     = 500
)

// pruneBatchSize bounds how many ids Prune loads and deletes per statement.
var pruneBatchSize = 500

var (
	stateActive    = string(config.StateActive)
	stateWaiting   = string(config.StateWaiting)
	stateDelayed   = string(config.StateDelayed)
	stateCompleted = string(config.StateCompleted)
	stateFailed    = string(config.StateFailed)
)

type Option func(*JobRepository)

// WithClock replaces the time source. Tests use it to step through backoff
// windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(r *JobRepository) { r.now = now }
}

// JobRepository is the SQL queue store. On postgres the claim query takes row
// locks with SKIP LOCKED so concurrent workers in different processes never
// block on, or receive, the same job.
type JobRepository struct {
	db         *gorm.DB
	now        func() time.Time
	skipLocked bool
}

func NewJobRepository(db *gorm.DB, opts ...Option) *JobRepository {
	r := &JobRepository{
		db:         db,
		now:        func() time.Time { return time.Now().UTC() },
		skipLocked: db.Dialector.Name() == "postgres",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ job.JobRepoInterface = (*JobRepository)(nil)

// Create inserts a new job record. The caller sets ID, state and not_before.
func (r *JobRepository) Create(ctx context.Context, j *models.Job) error {
	if err := r.db.WithContext(ctx).Create(j).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get retrieves a single job by id. A missing job yields job.ErrJobNotFound.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	var j models.Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("get job %s: %w", id, job.ErrJobNotFound)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// List returns the most recent jobs matching the filter, newest first.
func (r *JobRepository) List(ctx context.Context, filter dto.ListFilter) ([]models.Job, error) {
	q := r.db.WithContext(ctx).Model(&models.Job{})
	if filter.Topic != "" {
		q = q.Where("topic = ?", filter.Topic)
	}
	if filter.State != "" {
		q = q.Where("state = ?", string(filter.State))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	var jobs []models.Job
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ClaimNext atomically moves the oldest eligible job of a topic to active,
// owned by workerID, and increments its attempt counter.
func (r *JobRepository) ClaimNext(ctx context.Context, topic, workerID string) (*models.Job, error) {
	for range claimAttempts {
		j, raced, err := r.tryClaim(ctx, topic, workerID)
		if err != nil {
			return nil, fmt.Errorf("claim next: %w", err)
		}
		if j != nil || !raced {
			return j, nil
		}
	}
	return nil, nil
}

func (r *JobRepository) tryClaim(ctx context.Context, topic, workerID string) (*models.Job, bool, error) {
	var (
		claimed *models.Job
		raced   bool
	)
	now := r.now()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where(
			"topic = ? AND state IN ? AND not_before <= ? AND attempts_made < max_attempts",
			topic, []string{stateWaiting, stateDelayed}, now,
		).Order("created_at ASC").Order("id ASC").Limit(1)
		if r.skipLocked {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []models.Job
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		c := candidates[0]

		res := tx.Model(&models.Job{}).
			Where("id = ? AND state = ?", c.ID, string(c.State)).
			Updates(map[string]any{
				"state":         stateActive,
				"owner":         workerID,
				"attempts_made": gorm.Expr("attempts_made + ?", 1),
				"claimed_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			raced = true
			return nil
		}

		c.State = config.StateActive
		c.Owner = workerID
		c.AttemptsMade++
		c.ClaimedAt = &now
		claimed = &c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, raced, nil
}

// AckSuccess marks an active job owned by workerID as completed.
func (r *JobRepository) AckSuccess(ctx context.Context, id, workerID string, result datatypes.JSON) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ? AND owner = ?", id, stateActive, workerID).
		Updates(map[string]any{
			"state":       stateCompleted,
			"owner":       "",
			"claimed_at":  nil,
			"finished_at": now,
			"result":      result,
		})
	if res.Error != nil {
		return fmt.Errorf("ack success: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("ack success %s: %w", id, job.ErrLeaseLost)
	}
	return nil
}

// AckFailure records a failed attempt. While attempts remain the job is
// rescheduled per its backoff policy; otherwise it is finalized as failed.
func (r *JobRepository) AckFailure(ctx context.Context, id, workerID, cause string) (*models.Job, error) {
	var out *models.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current []models.Job
		if err := tx.Where("id = ? AND state = ? AND owner = ?", id, stateActive, workerID).
			Limit(1).Find(&current).Error; err != nil {
			return err
		}
		if len(current) == 0 {
			return job.ErrLeaseLost
		}
		j := current[0]
		now := r.now()

		updates := map[string]any{
			"owner":      "",
			"claimed_at": nil,
			"last_error": cause,
		}
		if notBefore, retry := backoff.Next(j.Backoff(), j.AttemptsMade, j.MaxAttempts, now); retry {
			j.State = config.StateWaiting
			if notBefore.After(now) {
				j.State = config.StateDelayed
			}
			j.NotBefore = notBefore
			updates["state"] = string(j.State)
			updates["not_before"] = notBefore
		} else {
			j.State = config.StateFailed
			j.FinishedAt = &now
			updates["state"] = stateFailed
			updates["finished_at"] = now
		}

		res := tx.Model(&models.Job{}).
			Where("id = ? AND state = ? AND owner = ?", id, stateActive, workerID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return job.ErrLeaseLost
		}

		j.Owner = ""
		j.ClaimedAt = nil
		j.LastError = cause
		out = &j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ack failure %s: %w", id, err)
	}
	return out, nil
}

// Stats counts jobs per state for a topic. Delayed jobs whose not_before has
// passed are reported as waiting.
func (r *JobRepository) Stats(ctx context.Context, topic string) (dto.Stats, error) {
	var rows []struct {
		State string
		N     int64
	}
	if err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("state, COUNT(*) AS n").
		Where("topic = ?", topic).
		Group("state").
		Scan(&rows).Error; err != nil {
		return dto.Stats{}, fmt.Errorf("stats: %w", err)
	}

	var due int64
	if err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("topic = ? AND state = ? AND not_before <= ?", topic, stateDelayed, r.now()).
		Count(&due).Error; err != nil {
		return dto.Stats{}, fmt.Errorf("stats: %w", err)
	}

	var s dto.Stats
	for _, row := range rows {
		switch config.JobState(row.State) {
		case config.StateWaiting:
			s.Waiting = row.N
		case config.StateDelayed:
			s.Delayed = row.N
		case config.StateActive:
			s.Active = row.N
		case config.StateCompleted:
			s.Completed = row.N
		case config.StateFailed:
			s.Failed = row.N
		}
	}
	s.Delayed -= due
	s.Waiting += due
	return s, nil
}

// RecoverStale returns jobs held active longer than visibilityTimeout to
// waiting. A job that already used its last attempt is failed instead, so
// attempts_made never exceeds max_attempts.
func (r *JobRepository) RecoverStale(ctx context.Context, visibilityTimeout time.Duration) (int64, error) {
	now := r.now()
	cutoff := now.Add(-visibilityTimeout)
	var recovered int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exhausted := tx.Model(&models.Job{}).
			Where("state = ? AND claimed_at < ? AND attempts_made >= max_attempts", stateActive, cutoff).
			Updates(map[string]any{
				"state":       stateFailed,
				"owner":       "",
				"claimed_at":  nil,
				"finished_at": now,
				"last_error":  "visibility timeout exceeded",
			})
		if exhausted.Error != nil {
			return exhausted.Error
		}

		requeued := tx.Model(&models.Job{}).
			Where("state = ? AND claimed_at < ?", stateActive, cutoff).
			Updates(map[string]any{
				"state":      stateWaiting,
				"owner":      "",
				"claimed_at": nil,
				"not_before": now,
			})
		if requeued.Error != nil {
			return requeued.Error
		}

		recovered = exhausted.RowsAffected + requeued.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return recovered, nil
}

// Prune deletes the oldest completed and failed jobs of a topic beyond the
// retention counts.
func (r *JobRepository) Prune(ctx context.Context, topic string, retention config.Retention) (int64, error) {
	var removed int64

	for _, rule := range []struct {
		state string
		keep  int
	}{
		{stateCompleted, retention.RemoveOnComplete},
		{stateFailed, retention.RemoveOnFail},
	} {
		if rule.keep < 0 {
			continue
		}

		// Each pass deletes the oldest batch past the kept newest rows, so the
		// offset stays at keep.
		for {
			var batch []string
			if err := r.db.WithContext(ctx).Model(&models.Job{}).
				Where("topic = ? AND state = ?", topic, rule.state).
				Order("finished_at DESC").Order("id DESC").
				Offset(rule.keep).Limit(pruneBatchSize).
				Pluck("id", &batch).Error; err != nil {
				return removed, fmt.Errorf("prune %s jobs: %w", rule.state, err)
			}
			if len(batch) == 0 {
				break
			}

			res := r.db.WithContext(ctx).
				Where("id IN ? AND state = ?", batch, rule.state).
				Delete(&models.Job{})
			if res.Error != nil {
				return removed, fmt.Errorf("prune %s jobs: %w", rule.state, res.Error)
			}
			removed += res.RowsAffected
			if len(batch) < pruneBatchSize || res.RowsAffected == 0 {
				break
			}
		}
	}
	return removed, nil
}

// Retry puts a failed job back to waiting with a fresh attempt budget.
func (r *JobRepository) Retry(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ?", id, stateFailed).
		Updates(map[string]any{
			"state":         stateWaiting,
			"attempts_made": 0,
			"owner":         "",
			"last_error":    "",
			"claimed_at":    nil,
			"finished_at":   nil,
			"result":        nil,
			"not_before":    r.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("retry job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("retry job %s: %w", id, job.ErrNotRetryable)
	}
	return nil
}
