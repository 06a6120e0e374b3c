package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keymux/keymux/internal/dialect"
	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/queue"
)

// Response headers carrying keymux metadata.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderKeyID     = "X-Keymux-Key-ID"
)

// SetSSEHeaders prepares a response for server-sent events.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// IsBodyTooLargeError checks if an error came from http.MaxBytesReader.
func IsBodyTooLargeError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// WriteError writes a JSON error response shaped for the client's
// dialect. OpenAI clients get {"error": {...}}, Anthropic clients get
// {"type": "error", "error": {...}}, Google clients get the RPC shape.
func WriteError(w http.ResponseWriter, api dialect.API, statusCode int, errorType, message string) {
	var payload any
	switch api {
	case dialect.AnthropicText, dialect.AnthropicChat:
		payload = map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    errorType,
				"message": message,
			},
		}
	case dialect.GoogleAI:
		payload = map[string]any{
			"error": map[string]any{
				"code":    statusCode,
				"message": message,
				"status":  errorType,
			},
		}
	default:
		payload = map[string]any{
			"error": map[string]any{
				"message": message,
				"type":    errorType,
				"code":    nil,
			},
		}
	}

	writeJSON(w, statusCode, payload)
}

// WriteRateLimitError writes a 429 with a Retry-After header derived
// from the pool's lockout horizon.
func WriteRateLimitError(w http.ResponseWriter, api dialect.API, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))

	WriteError(w, api, http.StatusTooManyRequests, "rate_limit_error",
		"all keys for this service are at rate limit capacity, retry after the indicated time")
}

// WriteDispatchError maps an internal error onto the client's dialect
// and status code.
func WriteDispatchError(w http.ResponseWriter, api dialect.API, err error) {
	switch {
	case errors.Is(err, dialect.ErrBadRequest):
		WriteError(w, api, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, dialect.ErrUnsupported):
		WriteError(w, api, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, keypool.ErrUnknownModel):
		WriteError(w, api, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.Is(err, keypool.ErrNoKeysAvailable):
		WriteError(w, api, http.StatusPaymentRequired, "no_keys_available",
			"no usable key claims the requested model")
	case errors.Is(err, queue.ErrClosed):
		WriteError(w, api, http.StatusServiceUnavailable, "overloaded_error", "server is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, api, http.StatusGatewayTimeout, "timeout_error", "upstream request timed out")
	case errors.Is(err, context.Canceled):
		// Client is gone, nothing to write.
	default:
		WriteError(w, api, http.StatusBadGateway, "api_error", "upstream request failed")
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
