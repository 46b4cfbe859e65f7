package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/httpserver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// NewProxy forwards requests unchanged to target, request id and trace
// context included; an unreachable upstream is answered with 502.
func NewProxy(target *url.URL) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			otel.GetTextMapPropagator().Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			zerolog.Ctx(r.Context()).Error().Err(err).Str("upstream", target.Host).Msg("proxy request failed")
			httpserver.RespondError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "upstream service unavailable")
		},
	}
}
