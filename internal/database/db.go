package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pulse/config"
)

// NewDatabase opens the Postgres pool through lib/pq and wraps it with gorm.
func NewDatabase(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DBConnLifetime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), GormConfig())
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	log.Info().Msg("connected to database")
	return db, nil
}

// GormConfig is shared by the production and test databases.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	}
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// ProvideDatabase is a Wire provider function that opens and migrates the database
func ProvideDatabase(cfg *config.Config, log zerolog.Logger) (*gorm.DB, func(), error) {
	db, err := NewDatabase(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if cfg.DBAutoMigrate {
		if err := Migrate(db); err != nil {
			cleanup()
			return nil, nil, err
		}
		log.Info().Msg("database migration completed")
	}
	return db, cleanup, nil
}
