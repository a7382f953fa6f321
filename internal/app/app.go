// Package app wires the queue store, notifier, producer service, handler
// registry and HTTP surfaces from configuration. The api, worker and queuectl
// binaries all build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/delivery/email"
	"github.com/schoolerp/jobqueue/internal/delivery/render"
	"github.com/schoolerp/jobqueue/internal/delivery/sms"
	"github.com/schoolerp/jobqueue/internal/job"
	"github.com/schoolerp/jobqueue/internal/notify"
	"github.com/schoolerp/jobqueue/internal/pool"
	"github.com/schoolerp/jobqueue/internal/storage/mongostore"
	"github.com/schoolerp/jobqueue/internal/storage/postgres"
	"github.com/schoolerp/jobqueue/internal/worker"
	"github.com/schoolerp/jobqueue/middleware"
	"github.com/sethvargo/go-envconfig"
	"gorm.io/gorm/logger"
)

const (
	redisConnectAttempts = 5
	redisRetryInterval   = 2 * time.Second
	healthTimeout        = 2 * time.Second
)

// to help with testing
var envProcess = envconfig.Process

type wakeNotifier interface {
	job.Notifier
	pool.Subscriber
	Close() error
}

// App owns the long-lived dependencies of a process.
type App struct {
	Config   *config.Config
	Repo     job.JobRepoInterface
	Service  *job.JobService
	Registry *worker.Registry

	notifier wakeNotifier
	closers  []func() error
}

// New connects the configured store and notifier and builds the producer
// service and handler registry. Call Close when done.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	repo, err := a.openStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Repo = repo

	n, err := a.openNotifier(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.notifier = n

	a.Service = job.NewJobService(a.Repo, job.WithNotifier(a.notifier))

	registry, err := buildRegistry(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Registry = registry
	return a, nil
}

func (a *App) openStore(ctx context.Context) (job.JobRepoInterface, error) {
	switch a.Config.StoreDriver {
	case config.StoreDriverPostgres:
		pgCfg, err := postgres.LoadConfigFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		db, err := postgres.ConnectDB(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("postgres handle: %w", err)
		}
		a.closers = append(a.closers, sqlDB.Close)

		if err := postgres.Migrate(ctx, sqlDB); err != nil {
			return nil, err
		}
		return postgres.NewJobRepository(db), nil

	case config.StoreDriverSQLite:
		db, err := postgres.OpenSQLite(a.Config.SQLitePath, logger.Warn)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		a.closers = append(a.closers, sqlDB.Close)
		log.Info().Str("path", a.Config.SQLitePath).Msg("using sqlite queue store")
		return postgres.NewJobRepository(db), nil

	case config.StoreDriverMongo:
		mCfg, err := mongostore.LoadConfigFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		client, err := mongostore.Connect(ctx, *mCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			return client.Disconnect(context.Background())
		})

		store := mongostore.New(client.Database(mCfg.Database))
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown queue store %q", a.Config.StoreDriver)
}

func (a *App) openNotifier(ctx context.Context) (wakeNotifier, error) {
	if a.Config.Notifier != config.NotifierRedis {
		return notify.NewLocal(), nil
	}

	client, err := notify.ConnectRedis(ctx, a.Config.RedisURL, redisConnectAttempts, redisRetryInterval)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)

	n, err := notify.NewRedis(ctx, client, config.AllowedTopics)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func buildRegistry(ctx context.Context) (*worker.Registry, error) {
	var (
		emailCfg  email.Config
		smsCfg    sms.Config
		renderCfg render.Config
	)
	for _, c := range []any{&emailCfg, &smsCfg, &renderCfg} {
		if err := envProcess(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to process delivery config: %w", err)
		}
	}

	mailer, err := email.NewTransport(emailCfg)
	if err != nil {
		return nil, err
	}
	texter, err := sms.NewTransport(smsCfg)
	if err != nil {
		return nil, err
	}
	renderer, err := render.NewFileRenderer(renderCfg)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("email_driver", emailCfg.Driver).
		Str("sms_driver", smsCfg.Driver).
		Str("report_dir", renderCfg.OutputDir).
		Msg("delivery transports ready")

	return worker.DefaultRegistry(&worker.Handlers{
		Email:    mailer,
		SMS:      texter,
		Renderer: renderer,
	}), nil
}

// NewPool builds a worker pool sized from the configuration. Topics with zero
// workers are left to other processes.
func (a *App) NewPool() *pool.WorkerPool {
	concurrency := make(map[string]int, len(config.AllowedTopics))
	retention := make(map[string]config.Retention, len(config.AllowedTopics))
	for _, topic := range config.AllowedTopics {
		concurrency[topic] = a.Config.Concurrency(topic)
		retention[topic] = a.Config.Retention(topic)
	}

	return pool.NewWorkerPool(a.Repo, a.Registry, pool.Options{
		Concurrency:       concurrency,
		Retention:         retention,
		PollInterval:      a.Config.PollInterval,
		VisibilityTimeout: a.Config.VisibilityTimeout,
		SweepInterval:     a.Config.SweepInterval,
		Subscriber:        a.notifier,
	})
}

// Sweep runs one janitor pass with the configured timeouts and retention.
func (a *App) Sweep(ctx context.Context) pool.SweepResult {
	retention := make(map[string]config.Retention, len(config.AllowedTopics))
	for _, topic := range config.AllowedTopics {
		retention[topic] = a.Config.Retention(topic)
	}
	return pool.Sweep(ctx, a.Repo, a.Config.VisibilityTimeout, retention)
}

// Router serves the operator API, health and metrics.
func (a *App) Router() *gin.Engine {
	timeout := a.Config.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	r := gin.New()
	r.Use(
		middleware.RequestLogger(),
		gin.Recovery(),
		middleware.TimeoutMiddleware(timeout),
		middleware.ErrorHandler(),
	)

	a.registerProbes(r)
	job.RegisterRoutes(r, job.NewJobHandler(a.Service))
	return r
}

// MetricsRouter serves only health and metrics, for worker processes.
func (a *App) MetricsRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	a.registerProbes(r)
	return r
}

func (a *App) registerProbes(r gin.IRouter) {
	r.GET("/healthz", a.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (a *App) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	if _, err := a.Repo.Stats(ctx, config.TopicEmail); err != nil {
		log.Warn().Err(err).Msg("health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "store": a.Config.StoreDriver})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "store": a.Config.StoreDriver})
}

// Close releases the notifier and store connections in reverse order of
// acquisition.
func (a *App) Close() error {
	var errs []error
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
