package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// unlimitedRate stands in for "no limit" so the bucket math stays uniform.
const unlimitedRate = 1_000_000

// TokenBucket implements Limiter using golang.org/x/time/rate.
//
// Two buckets are kept: one for requests per minute, one for tokens per
// minute. Burst equals the limit, so a full minute's capacity can be drawn
// instantly and then refills gradually. This avoids the boundary burst
// problem of fixed windows.
type TokenBucket struct {
	mu             sync.RWMutex
	requestLimiter *rate.Limiter
	tokenLimiter   *rate.Limiter
	rpmLimit       int
	tpmLimit       int
}

// NewTokenBucket creates a pacer with the given per-minute limits.
// Zero or negative limits mean unlimited.
func NewTokenBucket(rpm, tpm int) *TokenBucket {
	if rpm <= 0 {
		rpm = unlimitedRate
	}
	if tpm <= 0 {
		tpm = unlimitedRate
	}
	return &TokenBucket{
		requestLimiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		tokenLimiter:   rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm),
		rpmLimit:       rpm,
		tpmLimit:       tpm,
	}
}

// Allow consumes one request slot if available.
func (l *TokenBucket) Allow() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.requestLimiter.Allow()
}

// CanRequest reports slot availability without consuming.
func (l *TokenBucket) CanRequest() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.requestLimiter.Tokens() >= 1
}

// SetLimit replaces the per-minute limits; zero means unlimited.
// New limiters are created so the refill rate changes immediately.
func (l *TokenBucket) SetLimit(rpm, tpm int) {
	if rpm <= 0 {
		rpm = unlimitedRate
	}
	if tpm <= 0 {
		tpm = unlimitedRate
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rpm == l.rpmLimit && tpm == l.tpmLimit {
		return
	}
	l.requestLimiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	l.tokenLimiter = rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm)
	l.rpmLimit = rpm
	l.tpmLimit = tpm
}

// GetUsage returns the current window snapshot.
// x/time/rate does not expose remaining tokens directly; Tokens() is an
// instantaneous approximation, which is accurate enough for selection.
func (l *TokenBucket) GetUsage() Usage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Usage{
		RequestsRemaining: clamp(int(l.requestLimiter.Tokens()), l.rpmLimit),
		RequestsLimit:     l.rpmLimit,
		TokensRemaining:   clamp(int(l.tokenLimiter.Tokens()), l.tpmLimit),
		TokensLimit:       l.tpmLimit,
	}
}

// clamp bounds a remaining-token reading to [0, limit].
func clamp(remaining, limit int) int {
	if remaining < 0 {
		return 0
	}
	if remaining > limit {
		return limit
	}
	return remaining
}

// ConsumeTokens records actual token usage after a response, blocking if the
// spend would overdraw the window. Returns ErrContextCancelled on cancel.
func (l *TokenBucket) ConsumeTokens(ctx context.Context, tokens int) error {
	l.mu.RLock()
	limiter := l.tokenLimiter
	l.mu.RUnlock()

	if err := limiter.WaitN(ctx, tokens); err != nil {
		if ctx.Err() != nil {
			return ErrContextCancelled
		}
		return err
	}
	return nil
}

// Reserve checks whether tokens could be spent right now without consuming
// them. Optimistic pre-flight check only.
func (l *TokenBucket) Reserve(tokens int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r := l.tokenLimiter.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return false
	}
	r.Cancel()
	return true
}
