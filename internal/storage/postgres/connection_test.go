package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func validConfig() Config {
	return Config{
		User:       "erp",
		Password:   "secret",
		Host:       "localhost",
		Port:       "5432",
		Database:   "schoolerp",
		MaxRetries: 10,
		RetryDelay: 2 * time.Second,
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		setupEnv      func(*Config) error
		errorContains string
		validate      func(*testing.T, *Config)
	}{
		{
			name: "valid configuration",
			setupEnv: func(cfg *Config) error {
				*cfg = validConfig()
				cfg.LogLevelString = "warn"
				return nil
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "erp", cfg.User)
				assert.Equal(t, 10, cfg.MaxRetries)
				assert.Equal(t, logger.Warn, cfg.LogLevel)
			},
		},
		{
			name: "custom log level",
			setupEnv: func(cfg *Config) error {
				*cfg = validConfig()
				cfg.LogLevelString = "info"
				return nil
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, logger.Info, cfg.LogLevel)
			},
		},
		{
			name: "env processing error",
			setupEnv: func(*Config) error {
				return errors.New("env: POSTGRES_USER malformed")
			},
			errorContains: "failed to process env config",
		},
		{
			name: "validation error after successful env processing",
			setupEnv: func(cfg *Config) error {
				*cfg = validConfig()
				cfg.User = ""
				return nil
			},
			errorContains: "config validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			originalEnvProcess := envProcess
			defer func() { envProcess = originalEnvProcess }()

			envProcess = func(ctx context.Context, v any, mus ...envconfig.Mutator) error {
				return tt.setupEnv(v.(*Config))
			}

			cfg, err := LoadConfigFromEnv(context.Background())
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		errorContains []string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:          "empty user",
			mutate:        func(c *Config) { c.User = " " },
			errorContains: []string{"POSTGRES_USER is required"},
		},
		{
			name:          "non numeric port",
			mutate:        func(c *Config) { c.Port = "pg" },
			errorContains: []string{"POSTGRES_PORT must be a valid number"},
		},
		{
			name:          "port out of range",
			mutate:        func(c *Config) { c.Port = "70000" },
			errorContains: []string{"between 1 and 65535"},
		},
		{
			name: "multiple errors are joined",
			mutate: func(c *Config) {
				c.Database = ""
				c.MaxRetries = -1
				c.RetryDelay = 0
			},
			errorContains: []string{"POSTGRES_DB is required", "DB_MAX_RETRIES must be non-negative", "DB_RETRY_DELAY must be positive"},
		},
		{
			name:          "retry delay too long",
			mutate:        func(c *Config) { c.RetryDelay = time.Hour },
			errorContains: []string{"must not exceed 10 minutes"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := validateConfig(&cfg)
			if len(tt.errorContains) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, substr := range tt.errorContains {
				assert.Contains(t, err.Error(), substr)
			}
		})
	}
}

func TestSimplifyDBError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"password authentication failed", errors.New("pq: password authentication failed for user"), "invalid database credentials"},
		{"i/o timeout", errors.New("dial tcp: i/o timeout"), "database connection timed out"},
		{"connection refused", errors.New("connect: connection refused"), "cannot reach database server"},
		{"SASL authentication error", errors.New("SASL authentication failed"), "authentication error"},
		{"empty error message", errors.New(""), "database error"},
		{"nil error", nil, "unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, simplifyDBError(tt.err))
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logger.LogLevel
	}{
		{"silent", logger.Silent},
		{"ERROR", logger.Error},
		{"warn", logger.Warn},
		{"Info", logger.Info},
		{"verbose", logger.Warn},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLogLevel(tt.input))
		})
	}
}

func TestConfig_DSN(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t,
		"host=localhost user=erp password=secret dbname=schoolerp port=5432 sslmode=disable TimeZone=UTC",
		cfg.DSN(),
	)

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestConnectDB(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	t.Run("context canceled before connection", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		cfg := validConfig()
		cfg.Host = "127.0.0.1"
		cfg.Port = "1"
		cfg.MaxRetries = 3
		cfg.RetryDelay = 100 * time.Millisecond
		cfg.LogLevel = logger.Silent

		_, err := ConnectDB(ctx, &cfg)
		assert.Error(t, err)
	})
}

func TestOpenSQLite_File(t *testing.T) {
	path := t.TempDir() + "/queue/jobs.db"

	db, err := OpenSQLite(path, logger.Silent)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	assert.True(t, db.Migrator().HasTable("jobs"))
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}
