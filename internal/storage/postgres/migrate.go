package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	"github.com/schoolerp/jobqueue/internal/models"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded goose migrations to a postgres database.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	log.Info().Msg("database migrations applied")
	return nil
}

// MigrateGorm runs Migrate on the connection behind a gorm handle.
func MigrateGorm(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return Migrate(ctx, sqlDB)
}

// MigrateModels creates the schema with gorm's AutoMigrate. Used for SQLite,
// where the postgres migrations do not apply.
func MigrateModels(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Job{}); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	return nil
}
