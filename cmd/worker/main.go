package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/schoolerp/jobqueue/internal/app"
	"github.com/schoolerp/jobqueue/internal/config"
	"github.com/schoolerp/jobqueue/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("close failed")
		}
	}()

	workerPool := a.NewPool()
	workerPool.Start()
	log.Info().Int("workers", workerPool.Size()).Msg("worker pool active, press Ctrl+C to stop")

	if err := app.Serve(ctx, cfg.MetricsAddr, a.MetricsRouter(), cfg.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("metrics server failed")
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := workerPool.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("in-flight jobs were interrupted, the sweep will requeue them")
	}
	log.Info().Msg("shutdown complete")
}
