package db

import (
  "fmt"

  "gorm.io/driver/postgres"
  "gorm.io/gorm"

  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/types"
  "github.com/mkld/ragchat-backend/internal/utils"
)

type PostgresService struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
  serviceLog := log.With("service", "PostgresService")

  host := utils.GetEnv("POSTGRES_HOST", "localhost", log)
  port := utils.GetEnv("POSTGRES_PORT", "5432", log)
  user := utils.GetEnv("POSTGRES_USER", "postgres", log)
  password := utils.GetEnv("POSTGRES_PASSWORD", "", log)
  name := utils.GetEnv("POSTGRES_NAME", "ragchat", log)

  dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

  serviceLog.Info("Connecting to Postgres...")
  gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
    DisableForeignKeyConstraintWhenMigrating: true,
  })
  if err != nil {
    serviceLog.Error("Failed to connect to Postgres", "error", err)
    return nil, fmt.Errorf("failed to connect to postgres: %w", err)
  }

  return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
  s.log.Info("Auto migrating postgres tables...")
  if err := s.db.AutoMigrate(
    &types.QuerySession{},
    &types.ConversationMessage{},
  ); err != nil {
    s.log.Error("Auto migration failed for postgres tables", "error", err)
    return err
  }
  return nil
}

func (s *PostgresService) DB() *gorm.DB {
  return s.db
}
