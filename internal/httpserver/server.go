package httpserver

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/config"
)

// Run serves handler until ctx is cancelled, then drains in-flight
// requests for at most cfg.ShutdownTimeout.
func Run(ctx context.Context, cfg config.ServerConfig, handler http.Handler) error {
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zerolog.Ctx(ctx).Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// HealthHandler answers 200 when db is reachable, 503 otherwise. A nil db
// is always healthy.
func HealthHandler(db *sql.DB, ping func(context.Context, *sql.DB) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := ping(r.Context(), db); err != nil {
				RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "database": err.Error()})
				return
			}
		}
		RespondJSON(w, http.StatusOK, map[string]string{"status": "up"})
	}
}
