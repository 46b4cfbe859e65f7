package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/safar/go-commerce/internal/config"
)

// InitLogger configures the global zerolog logger for service and returns it.
// An unknown level falls back to info.
func InitLogger(service string, cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	zlog.Logger = logger.With().Timestamp().Str("service", service).Logger()
	zerolog.DefaultContextLogger = &zlog.Logger

	return zlog.Logger
}
