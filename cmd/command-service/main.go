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
	"github.com/safar/go-commerce/internal/cache"
	"github.com/safar/go-commerce/internal/command"
	"github.com/safar/go-commerce/internal/commandapi"
	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/events"
	"github.com/safar/go-commerce/internal/httpserver"
	"github.com/safar/go-commerce/internal/observability"
	"github.com/safar/go-commerce/internal/stockclient"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		zlog.Fatal().Err(err).Msg("command-service stopped")
	}
}

func run() error {
	cfg, err := config.Load(config.ServiceCommand)
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

	ledger := stockclient.New(stockclient.Config{
		BaseURL:      cfg.Inventory.BaseURL,
		Timeout:      cfg.Inventory.Timeout,
		MaxRetries:   cfg.Inventory.MaxRetries,
		RetryBackoff: cfg.Inventory.RetryBackoff,
	}, nil)

	publisher := events.New(cfg.Kafka)
	defer publisher.Close()

	opts := []command.Option{command.WithPublisher(publisher)}
	if rdb := cache.NewClient(cfg.Redis); rdb != nil {
		defer rdb.Close()
		opts = append(opts, command.WithCache(cache.NewCommands(rdb, cfg.Redis.CacheTTL)))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("command cache enabled")
	}

	svc := command.NewService(db, ledger, opts...)
	worker := command.NewRestoreWorker(svc, cfg.Restore.Interval, cfg.Restore.BatchSize, command.NewRestoreMetrics(reg))
	serverMetrics := httpserver.NewServerMetrics(reg, cfg.Service)

	mux := http.NewServeMux()
	commandapi.Register(mux, svc)
	mux.Handle("GET /health", httpserver.HealthHandler(db, database.Ping))
	mux.Handle("GET /metrics", httpserver.MetricsHandler(reg))

	handler := httpserver.Chain(mux,
		httpserver.Tracing(cfg.Service),
		httpserver.RequestLogger,
		httpserver.Recover,
		serverMetrics.Middleware,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpserver.Run(ctx, cfg.Server, handler) })
	g.Go(func() error { return worker.Run(ctx) })
	return g.Wait()
}
