package proxy

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/keymux/keymux/internal/dialect"
	"github.com/keymux/keymux/internal/metrics"
)

// RequestIDMiddleware assigns a correlation id to every request and
// echoes it in the X-Request-ID response header.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderRequestID)
			ctx := AddRequestID(r.Context(), requestID)
			if requestID == "" {
				requestID = GetRequestID(ctx)
			}
			w.Header().Set(HeaderRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthMiddleware validates the shared proxy key. Clients may present it
// either as an x-api-key header or as a Bearer token. Comparison is
// constant time over SHA-256 digests.
func AuthMiddleware(proxyKey string) func(http.Handler) http.Handler {
	expectedHash := sha256.Sum256([]byte(proxyKey))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("x-api-key")
			if provided == "" {
				if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					provided = bearer
				}
			}

			if provided == "" {
				failAuth(w, r, "missing credentials")
				return
			}

			providedHash := sha256.Sum256([]byte(provided))
			if subtle.ConstantTimeCompare(providedHash[:], expectedHash[:]) != 1 {
				failAuth(w, r, "invalid credentials")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func failAuth(w http.ResponseWriter, r *http.Request, reason string) {
	zerolog.Ctx(r.Context()).Warn().Msg("authentication failed: " + reason)
	WriteError(w, dialect.OpenAI, http.StatusUnauthorized, "authentication_error", reason)
}

// statusRecorder captures the status code written downstream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streaming survives the wrap.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware logs one line per request and feeds the request
// metrics. A nil Metrics skips instrumentation.
func LoggingMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			if m != nil {
				m.ActiveRequests.Inc()
				defer m.ActiveRequests.Dec()
			}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			if m != nil {
				m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
				m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration.Seconds())
			}

			logger := zerolog.Ctx(r.Context())
			event := logger.Info()
			switch {
			case rec.status >= 500:
				event = logger.Error()
			case rec.status >= 400:
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", duration).
				Msg("request")
		})
	}
}

// ConcurrencyLimiter enforces a global cap on in-flight requests with
// hot-reloadable limit support.
type ConcurrencyLimiter struct {
	limit   atomic.Int64
	current atomic.Int64
}

// NewConcurrencyLimiter creates a limiter. Zero or negative means
// unlimited.
func NewConcurrencyLimiter(maxLimit int64) *ConcurrencyLimiter {
	l := &ConcurrencyLimiter{}
	l.limit.Store(maxLimit)
	return l
}

// SetLimit updates the cap.
func (l *ConcurrencyLimiter) SetLimit(maxLimit int64) {
	l.limit.Store(maxLimit)
}

// CurrentInFlight returns the in-flight request count.
func (l *ConcurrencyLimiter) CurrentInFlight() int64 {
	return l.current.Load()
}

// TryAcquire claims a slot, returning false when the cap is reached.
func (l *ConcurrencyLimiter) TryAcquire() bool {
	limit := l.limit.Load()
	if limit <= 0 {
		l.current.Add(1)
		return true
	}
	for {
		current := l.current.Load()
		if current >= limit {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release returns a slot claimed by TryAcquire.
func (l *ConcurrencyLimiter) Release() {
	l.current.Add(-1)
}

// ConcurrencyMiddleware rejects requests over the cap with 503.
func ConcurrencyMiddleware(limiter *ConcurrencyLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.TryAcquire() {
				zerolog.Ctx(r.Context()).Warn().
					Int64("current", limiter.CurrentInFlight()).
					Msg("request rejected: concurrency limit reached")
				WriteError(w, dialect.OpenAI, http.StatusServiceUnavailable, "overloaded_error",
					"server is at maximum capacity, please retry later")
				return
			}
			defer limiter.Release()
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodyBytesMiddleware caps the request body size via MaxBytesReader.
func MaxBodyBytesMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
