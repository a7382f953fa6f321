package pool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/job"
	"github.com/schoolerp/jobqueue/internal/metrics"
	"github.com/schoolerp/jobqueue/internal/worker"
)

// Subscriber hands out wakeup channels per topic.
type Subscriber interface {
	Subscribe(topic string) (<-chan struct{}, func())
}

type Options struct {
	// Concurrency is the number of workers per topic. Topics with zero
	// workers are not consumed by this process.
	Concurrency       map[string]int
	Retention         map[string]config.Retention
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	SweepInterval     time.Duration
	Subscriber        Subscriber
}

// WorkerPool runs the workers of every configured topic plus a janitor that
// recovers stale jobs, applies retention and refreshes the state gauges.
type WorkerPool struct {
	repo    job.JobRepoInterface
	opts    Options
	workers []*worker.Worker
	unsub   []func()

	wg         sync.WaitGroup
	runCtx     context.Context
	stopRun    context.CancelFunc
	execCtx    context.Context
	cancelExec context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
}

func NewWorkerPool(repo job.JobRepoInterface, registry *worker.Registry, opts Options) *WorkerPool {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	execCtx, cancelExec := context.WithCancel(context.Background())
	p := &WorkerPool{
		repo:       repo,
		opts:       opts,
		runCtx:     runCtx,
		stopRun:    stopRun,
		execCtx:    execCtx,
		cancelExec: cancelExec,
	}

	prefix := processID()
	for _, topic := range config.AllowedTopics {
		n := opts.Concurrency[topic]
		for i := range n {
			var wake <-chan struct{}
			if opts.Subscriber != nil {
				ch, unsub := opts.Subscriber.Subscribe(topic)
				wake = ch
				p.unsub = append(p.unsub, unsub)
			}

			id := fmt.Sprintf("%s/%s-%d", prefix, topic, i)
			p.workers = append(p.workers, worker.NewWorker(id, topic, repo, registry, worker.Options{
				PollInterval: opts.PollInterval,
				JobTimeout:   opts.VisibilityTimeout,
				Wake:         wake,
				ExecContext:  execCtx,
			}))
		}
	}
	return p
}

// processID identifies this process in worker ids so owners stay unique
// across hosts sharing one store.
func processID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (p *WorkerPool) Size() int { return len(p.workers) }

func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		for _, w := range p.workers {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				w.Run(p.runCtx)
			}()
		}

		p.wg.Add(1)
		go p.janitor()

		log.Info().Int("workers", len(p.workers)).Msg("worker pool started")
	})
}

func (p *WorkerPool) janitor() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	p.Sweep(p.runCtx)
	for {
		select {
		case <-ticker.C:
			p.Sweep(p.runCtx)
		case <-p.runCtx.Done():
			return
		}
	}
}

// SweepResult summarises one janitor pass.
type SweepResult struct {
	Recovered int64
	Pruned    map[string]int64
}

// Sweep recovers active jobs older than the visibility timeout, prunes
// finished jobs beyond retention and refreshes the per-state gauges.
func (p *WorkerPool) Sweep(ctx context.Context) SweepResult {
	return Sweep(ctx, p.repo, p.opts.VisibilityTimeout, p.opts.Retention)
}

// Sweep is the janitor pass on its own, used by queuectl without a running pool.
func Sweep(ctx context.Context, repo job.JobRepoInterface, visibilityTimeout time.Duration, retention map[string]config.Retention) SweepResult {
	res := SweepResult{Pruned: make(map[string]int64)}

	recovered, err := repo.RecoverStale(ctx, visibilityTimeout)
	if err != nil {
		log.Error().Err(err).Msg("visibility sweep failed")
	} else if recovered > 0 {
		metrics.JobsRecoveredTotal.Add(float64(recovered))
		log.Warn().Int64("recovered", recovered).Msg("recovered stale active jobs")
	}
	res.Recovered = recovered

	for _, topic := range config.AllowedTopics {
		r, ok := retention[topic]
		if !ok {
			r = config.DefaultRetention
		}
		pruned, err := repo.Prune(ctx, topic, r)
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("retention prune failed")
		} else if pruned > 0 {
			metrics.JobsPrunedTotal.WithLabelValues(topic).Add(float64(pruned))
			log.Debug().Int64("pruned", pruned).Str("topic", topic).Msg("pruned finished jobs")
		}
		res.Pruned[topic] = pruned

		stats, err := repo.Stats(ctx, topic)
		if err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("stats refresh failed")
			continue
		}
		metrics.JobsInState.WithLabelValues(topic, string(config.StateWaiting)).Set(float64(stats.Waiting))
		metrics.JobsInState.WithLabelValues(topic, string(config.StateDelayed)).Set(float64(stats.Delayed))
		metrics.JobsInState.WithLabelValues(topic, string(config.StateActive)).Set(float64(stats.Active))
		metrics.JobsInState.WithLabelValues(topic, string(config.StateCompleted)).Set(float64(stats.Completed))
		metrics.JobsInState.WithLabelValues(topic, string(config.StateFailed)).Set(float64(stats.Failed))
	}
	return res
}

// Stop stops claiming and waits for in-flight jobs. If ctx expires first,
// running handlers are cancelled; their jobs stay active until the next sweep
// on any process returns them to waiting.
func (p *WorkerPool) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		p.stopRun()
		for _, unsub := range p.unsub {
			unsub()
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			p.cancelExec()
			<-done
			err = fmt.Errorf("worker pool stop: %w", ctx.Err())
		}
		p.cancelExec()
		log.Info().Msg("worker pool stopped")
	})
	return err
}
