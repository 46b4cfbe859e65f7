package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	zlog "github.com/rs/zerolog/log"
	"github.com/safar/go-commerce/internal/cache"
	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/gateway"
	"github.com/safar/go-commerce/internal/httpserver"
	"github.com/safar/go-commerce/internal/observability"
)

func main() {
	if err := run(); err != nil {
		zlog.Fatal().Err(err).Msg("gateway stopped")
	}
}

func run() error {
	cfg, err := config.Load(config.ServiceGateway)
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps := gateway.Deps{
		Users: gateway.NewIdentityClient(
			cfg.Gateway.IdentityProviderURL,
			cfg.Gateway.IdentityToken,
			cfg.Gateway.IdentityTimeout,
			nil,
		),
		Metrics:  httpserver.NewServerMetrics(reg, cfg.Service),
		Gatherer: reg,
	}
	if rdb := cache.NewClient(cfg.Redis); rdb != nil {
		defer rdb.Close()
		deps.Redis = rdb
		logger.Info().Int("limit", cfg.Gateway.RateLimit).Dur("window", cfg.Gateway.RateWindow).Msg("rate limiting enabled")
	}

	handler, err := gateway.NewHandler(cfg.Service, cfg.Gateway, deps)
	if err != nil {
		return err
	}

	logger.Info().
		Str("commands", cfg.Gateway.CommandServiceURL).
		Str("products", cfg.Gateway.ProductServiceURL).
		Strs("origins", cfg.Gateway.AllowedOrigins).
		Msg("gateway routes configured")

	return httpserver.Run(ctx, cfg.Server, handler)
}
