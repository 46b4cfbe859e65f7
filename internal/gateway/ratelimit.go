package gateway

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/httpserver"
)

// RateLimit allows limit requests per client IP in each fixed window,
// counted in Redis so that every gateway replica shares the budget. When
// Redis cannot be reached requests are let through.
func RateLimit(rdb redis.Cmdable, limit int, window time.Duration) httpserver.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			slot := time.Now().UnixNano() / int64(window)
			key := "rate_limit:" + clientIP(r) + ":" + strconv.FormatInt(slot, 10)

			pipe := rdb.TxPipeline()
			incr := pipe.Incr(ctx, key)
			pipe.Expire(ctx, key, window)
			if _, err := pipe.Exec(ctx); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("rate limit check failed; allowing request")
				next.ServeHTTP(w, r)
				return
			}

			current := incr.Val()
			remaining := int64(limit) - current
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if current > int64(limit) {
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				httpserver.RespondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
