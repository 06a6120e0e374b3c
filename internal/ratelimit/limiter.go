// Package ratelimit provides request pacing for upstream credentials.
//
// The keypool's OpenAI provider attaches a TokenBucket to each key and keeps
// its limits in sync with the x-ratelimit-* bounds learned from responses.
// The bucket shapes dispatch smoothly instead of slamming into the upstream
// window boundary.
package ratelimit

import "errors"

// Common errors returned by rate limiters.
var (
	// ErrRateLimitExceeded is returned when a rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("ratelimit: rate limit exceeded")

	// ErrContextCancelled is returned when the context is canceled during a
	// blocking operation.
	ErrContextCancelled = errors.New("ratelimit: context canceled")
)

// Usage is a snapshot of a limiter's current window.
type Usage struct {
	RequestsRemaining int `json:"requests_remaining"`
	RequestsLimit     int `json:"requests_limit"`
	TokensRemaining   int `json:"tokens_remaining"`
	TokensLimit       int `json:"tokens_limit"`
}

// Limiter is the pacing contract the key providers rely on.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one request slot if available. Non-blocking.
	Allow() bool

	// CanRequest reports whether a request slot is available without
	// consuming it. Selection comparators use this so that comparing two
	// keys never charges either of them.
	CanRequest() bool

	// SetLimit replaces the per-minute limits; zero means unlimited.
	// Used to learn real bounds from response headers.
	SetLimit(rpm, tpm int)

	// GetUsage returns the current window snapshot.
	GetUsage() Usage
}
