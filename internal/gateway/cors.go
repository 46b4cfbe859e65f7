// Package gateway is the single public entry point: it applies CORS and
// rate limits, proxies API calls to the services and registers users with
// the identity provider.
package gateway

import (
	"net/http"
	"slices"

	"github.com/safar/go-commerce/internal/httpserver"
)

const (
	corsAllowMethods  = "GET, POST, PUT, PATCH, DELETE, OPTIONS, HEAD"
	corsExposeHeaders = "Authorization, Content-Type"
	corsMaxAge        = "3600"
)

// CORS echoes an allowed Origin back on every response, errors included,
// and answers every OPTIONS request itself with 200.
func CORS(allowedOrigins []string) httpserver.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && slices.Contains(allowedOrigins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", "*")
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
