package proxy

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keymux/keymux/internal/config"
)

type ctxKey string

// RequestIDKey is the context key for correlation ids.
const RequestIDKey ctxKey = "request_id"

// NewLogger creates a zerolog.Logger from LoggingConfig, suitable for
// installation as the global logger.
func NewLogger(cfg config.LoggingConfig) zerolog.Logger {
	var logger zerolog.Logger
	if usePretty(cfg) {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.Level(cfg.ParseLevel()).With().Timestamp().Logger()
}

func usePretty(cfg config.LoggingConfig) bool {
	if cfg.Pretty {
		return true
	}
	switch cfg.Format {
	case "json":
		return false
	case "console":
		return isatty.IsTerminal(os.Stdout.Fd())
	default:
		return false
	}
}

// AddRequestID stores a correlation id in the context and binds it to
// the context logger. An empty id generates a fresh UUID.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	logger := log.Ctx(ctx).With().Str("request_id", requestID).Logger()
	return logger.WithContext(ctx)
}

// GetRequestID retrieves the correlation id from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
