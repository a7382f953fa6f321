package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var ErrFailedToConnect = errors.New("failed to connect to mongodb")

type Config struct {
	ConnectionURL   string        `env:"MONGODB_URL,default=mongodb://localhost:27017"`
	Database        string        `env:"MONGODB_DATABASE,default=schoolerp"`
	ConnectTimeout  time.Duration `env:"MONGODB_CONNECT_TIMEOUT,default=10s"`
	MaxPoolSize     uint64        `env:"MONGODB_MAX_POOL_SIZE,default=100"`
	MinPoolSize     uint64        `env:"MONGODB_MIN_POOL_SIZE,default=1"`
	MaxConnIdleTime time.Duration `env:"MONGODB_MAX_CONN_IDLE_TIME,default=300s"`
	RetryAttempts   int           `env:"MONGODB_RETRY_ATTEMPTS,default=3"`
	RetryInterval   time.Duration `env:"MONGODB_RETRY_INTERVAL,default=5s"`
}

var envProcess = envconfig.Process

func LoadConfigFromEnv(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envProcess(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("config validation failed: MONGODB_DATABASE is required")
	}
	if cfg.RetryAttempts < 1 {
		return nil, fmt.Errorf("config validation failed: MONGODB_RETRY_ATTEMPTS must be at least 1")
	}
	return &cfg, nil
}

// Connect dials MongoDB and pings it, retrying RetryAttempts times.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(cfg.ConnectionURL).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime)

	var lastErr error
	for attempt := range cfg.RetryAttempts {
		client, err := mongo.Connect(opts)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
			err = client.Ping(pingCtx, nil)
			cancel()
			if err == nil {
				log.Info().Str("database", cfg.Database).Msg("mongodb connected")
				return client, nil
			}
			_ = client.Disconnect(context.Background())
		}
		lastErr = err

		log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", cfg.RetryInterval).Msg("mongodb not ready")
		select {
		case <-time.After(cfg.RetryInterval):
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToConnect, ctx.Err())
		}
	}
	return nil, errors.Join(ErrFailedToConnect, lastErr)
}
