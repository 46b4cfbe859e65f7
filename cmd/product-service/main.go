package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	zlog "github.com/rs/zerolog/log"
	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/httpserver"
	"github.com/safar/go-commerce/internal/inventory"
	"github.com/safar/go-commerce/internal/observability"
	"github.com/safar/go-commerce/internal/productapi"
)

func main() {
	if err := run(); err != nil {
		zlog.Fatal().Err(err).Msg("product-service stopped")
	}
}

func run() error {
	cfg, err := config.Load(config.ServiceProduct)
	if err != nil {
		return err
	}

	logger := observability.InitLogger(cfg.Service, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Service, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("connected to database")

	if cfg.Database.AutoMigrate {
		n, err := database.RunMigrations(ctx, db, cfg.Database.MigrationsDir, "up")
		if err != nil {
			return err
		}
		logger.Info().Int("files", n).Msg("migrations applied")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ledger := inventory.NewLedger(db, inventory.NewMetrics(reg))
	serverMetrics := httpserver.NewServerMetrics(reg, cfg.Service)

	mux := http.NewServeMux()
	productapi.Register(mux, ledger)
	mux.Handle("GET /health", httpserver.HealthHandler(db, database.Ping))
	mux.Handle("GET /metrics", httpserver.MetricsHandler(reg))

	handler := httpserver.Chain(mux,
		httpserver.Tracing(cfg.Service),
		httpserver.RequestLogger,
		httpserver.Recover,
		serverMetrics.Middleware,
	)

	return httpserver.Run(ctx, cfg.Server, handler)
}
