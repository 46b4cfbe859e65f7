package main

import (
	"context"
	"os"

	zlog "github.com/rs/zerolog/log"
	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/observability"
)

func main() {
	if len(os.Args) < 2 {
		zlog.Fatal().Msg("Usage: go run scripts/run_migrations.go [up|down]")
	}
	direction := os.Args[1]

	cfg, err := config.Load(config.ServiceProduct)
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}
	logger := observability.InitLogger("migrations", cfg.Log)
	ctx := logger.WithContext(context.Background())

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	n, err := database.RunMigrations(ctx, db, cfg.Database.MigrationsDir, direction)
	if err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	logger.Info().Int("files", n).Str("direction", direction).Msg("migrations applied")
}
