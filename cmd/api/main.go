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

	log.Info().Str("store", cfg.StoreDriver).Str("notifier", cfg.Notifier).Msg("api starting")
	if err := app.Serve(ctx, cfg.HTTPAddr, a.Router(), cfg.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("api stopped with error")
		return
	}
	log.Info().Msg("shutdown complete")
}
