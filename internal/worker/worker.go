package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/job"
	"github.com/schoolerp/jobqueue/internal/metrics"
	"github.com/schoolerp/jobqueue/internal/models"
	"gorm.io/datatypes"
)

const (
	defaultPollInterval = time.Second
	defaultJobTimeout   = 5 * time.Minute
	ackTimeout          = 10 * time.Second
	maxStackBytes       = 2048
)

type Options struct {
	// PollInterval bounds how long an idle worker waits before claiming again.
	PollInterval time.Duration
	// JobTimeout is the handler deadline. It should not exceed the visibility
	// timeout, otherwise a slow handler races the sweep.
	JobTimeout time.Duration
	// Wake receives a value when a job is enqueued for the topic.
	Wake <-chan struct{}
	// ExecContext parents handler contexts. Cancelling it aborts in-flight
	// handlers; cancelling the Run context only stops claiming.
	ExecContext context.Context
}

// Worker claims and executes jobs of one topic, one at a time.
type Worker struct {
	id       string
	topic    string
	repo     job.JobRepoInterface
	registry *Registry

	pollInterval time.Duration
	jobTimeout   time.Duration
	wake         <-chan struct{}
	execCtx      context.Context
	log          zerolog.Logger
}

func NewWorker(id, topic string, repo job.JobRepoInterface, registry *Registry, opts Options) *Worker {
	w := &Worker{
		id:           id,
		topic:        topic,
		repo:         repo,
		registry:     registry,
		pollInterval: opts.PollInterval,
		jobTimeout:   opts.JobTimeout,
		wake:         opts.Wake,
		execCtx:      opts.ExecContext,
		log:          log.With().Str("worker", id).Str("topic", topic).Logger(),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = defaultJobTimeout
	}
	if w.execCtx == nil {
		w.execCtx = context.Background()
	}
	return w
}

func (w *Worker) ID() string { return w.id }

// Run loops until ctx is cancelled. A job already claimed when ctx ends is
// still executed and acknowledged.
func (w *Worker) Run(ctx context.Context) {
	w.log.Debug().Msg("worker started")
	defer w.log.Debug().Msg("worker stopped")

	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()

	for ctx.Err() == nil {
		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("claim failed")
		}
		if processed {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.pollInterval)

		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.wake:
			if !ok {
				w.wake = nil
			}
		case <-timer.C:
		}
	}
}

// RunOnce claims at most one job and processes it. It reports whether a job
// was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	j, err := w.repo.ClaimNext(ctx, w.topic, w.id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	metrics.JobsClaimedTotal.WithLabelValues(w.topic).Inc()
	w.process(j)
	return true, nil
}

func (w *Worker) process(j *models.Job) {
	logger := w.log.With().
		Str("job_id", j.ID).
		Str("kind", j.Kind).
		Int("attempt", j.AttemptsMade).
		Int("max_attempts", j.MaxAttempts).
		Logger()

	start := time.Now()
	result, err := w.execute(j)
	metrics.JobDuration.WithLabelValues(j.Topic, j.Kind).Observe(time.Since(start).Seconds())

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(w.execCtx), ackTimeout)
	defer cancel()

	if err == nil {
		var encoded datatypes.JSON
		if result != nil {
			b, mErr := json.Marshal(result)
			if mErr != nil {
				logger.Warn().Err(mErr).Msg("result not serializable, storing none")
			} else {
				encoded = datatypes.JSON(b)
			}
		}

		if ackErr := w.repo.AckSuccess(ackCtx, j.ID, w.id, encoded); ackErr != nil {
			w.ackFailed(logger, j, ackErr)
			return
		}
		metrics.JobsProcessedTotal.WithLabelValues(j.Topic, j.Kind, metrics.OutcomeCompleted).Inc()
		logger.Info().Dur("took", time.Since(start)).Msg("job completed")
		return
	}

	updated, ackErr := w.repo.AckFailure(ackCtx, j.ID, w.id, err.Error())
	if ackErr != nil {
		w.ackFailed(logger, j, ackErr)
		return
	}

	if updated.State == config.StateFailed {
		metrics.JobsProcessedTotal.WithLabelValues(j.Topic, j.Kind, metrics.OutcomeFailed).Inc()
		logger.Error().Err(err).Msg("job failed permanently")
		return
	}
	metrics.JobsProcessedTotal.WithLabelValues(j.Topic, j.Kind, metrics.OutcomeRetried).Inc()
	logger.Warn().Err(err).Time("not_before", updated.NotBefore).Msg("job failed, retry scheduled")
}

func (w *Worker) ackFailed(logger zerolog.Logger, j *models.Job, err error) {
	if errors.Is(err, job.ErrLeaseLost) {
		metrics.JobsProcessedTotal.WithLabelValues(j.Topic, j.Kind, metrics.OutcomeLeaseLost).Inc()
		logger.Warn().Msg("lease lost before ack, result discarded")
		return
	}
	logger.Error().Err(err).Msg("ack failed, job will be recovered by the sweep")
}

// execute runs the handler under the job deadline and turns a panic into an
// error so the worker survives bad jobs.
func (w *Worker) execute(j *models.Job) (result any, err error) {
	handler, err := w.registry.Resolve(j.Topic, j.Kind)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(w.execCtx, w.jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if len(stack) > maxStackBytes {
				stack = stack[:maxStackBytes]
			}
			err = fmt.Errorf("handler panic: %v\n%s", r, stack)
		}
	}()

	return handler(ctx, j.Payload)
}
