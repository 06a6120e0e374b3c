// Package ratelimit provides request pacing for upstream credentials.
// This file provides reactive pacing operators built on samber/ro.
//
// The background key checker uses these to spread probe sweeps over time so
// that loading a large key list does not burst dozens of authenticated
// requests at the upstream in one instant.
package ratelimit

import (
	"time"

	"github.com/samber/ro"
	roratelimit "github.com/samber/ro/plugins/ratelimit/native"
)

// DefaultInterval is the default pacing window.
const DefaultInterval = time.Minute

func normalizeInterval(interval time.Duration) time.Duration {
	if interval == 0 {
		return DefaultInterval
	}
	return interval
}

// Limit paces an observable stream: at most count items per interval per
// key, excess items delayed (backpressure). Items sharing a key share a
// bucket; an empty key means one global bucket.
func Limit[T any](
	source ro.Observable[T],
	count int64,
	interval time.Duration,
	keyGetter func(T) string,
) ro.Observable[T] {
	return ro.Pipe1(
		source,
		roratelimit.NewRateLimiter[T](count, normalizeInterval(interval), keyGetter),
	)
}

// LimitGlobal paces all items through a single bucket.
func LimitGlobal[T any](source ro.Observable[T], count int64, interval time.Duration) ro.Observable[T] {
	return Limit(source, count, interval, func(_ T) string { return "" })
}
