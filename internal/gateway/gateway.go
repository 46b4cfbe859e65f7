package gateway

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/safar/go-commerce/internal/config"
	"github.com/safar/go-commerce/internal/httpserver"
)

type Deps struct {
	// Redis enables rate limiting when non-nil.
	Redis    redis.Cmdable
	Users    UserCreator
	Metrics  *httpserver.ServerMetrics
	Gatherer prometheus.Gatherer
}

// NewHandler builds the gateway routes wrapped in its middleware, outermost
// first: tracing, request logging, panic recovery, metrics, CORS and the
// optional rate limit.
func NewHandler(service string, cfg config.GatewayConfig, deps Deps) (http.Handler, error) {
	commands, err := url.Parse(cfg.CommandServiceURL)
	if err != nil {
		return nil, fmt.Errorf("command service url: %w", err)
	}
	products, err := url.Parse(cfg.ProductServiceURL)
	if err != nil {
		return nil, fmt.Errorf("product service url: %w", err)
	}

	mux := http.NewServeMux()

	commandProxy := NewProxy(commands)
	mux.Handle("/api/commands", commandProxy)
	mux.Handle("/api/commands/", commandProxy)

	productProxy := NewProxy(products)
	mux.Handle("/api/products", productProxy)
	mux.Handle("/api/products/", productProxy)

	mux.Handle("POST /api/auth/register", HandleRegister(deps.Users))
	mux.Handle("GET /health", httpserver.HealthHandler(nil, nil))
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", httpserver.MetricsHandler(deps.Gatherer))
	}

	mws := []httpserver.Middleware{
		httpserver.Tracing(service),
		httpserver.RequestLogger,
		httpserver.Recover,
	}
	if deps.Metrics != nil {
		mws = append(mws, deps.Metrics.Middleware)
	}
	mws = append(mws, CORS(cfg.AllowedOrigins))
	if deps.Redis != nil && cfg.RateLimit > 0 {
		if cfg.RateWindow <= 0 {
			return nil, fmt.Errorf("rate window must be positive, got %s", cfg.RateWindow)
		}
		mws = append(mws, RateLimit(deps.Redis, cfg.RateLimit, cfg.RateWindow))
	}

	return httpserver.Chain(mux, mws...), nil
}
