// Package ro provides reactive stream utilities for keymux using samber/ro.
//
// IMPORTANT: samber/ro is v0.2.0 (pre-1.0 stability). Use cautiously.
// Monitor GitHub releases for breaking changes.
//
// Use this package when processing actual streams: paced credential probe
// sweeps, SSE fan-out, event-driven coordination. For simple request/response
// paths or small bounded data, use standard handlers and samber/lo instead.
package ro

import (
	"context"

	"github.com/samber/ro"
)

// StreamFromChannel creates an Observable from a receive-only channel.
// When the channel is closed, the Observable completes.
func StreamFromChannel[T any](ch <-chan T) ro.Observable[T] {
	return ro.FromChannel(ch)
}

// StreamFromSlice creates an Observable from a slice. Items are emitted in
// order, then the Observable completes.
func StreamFromSlice[T any](items []T) ro.Observable[T] {
	return ro.FromSlice(items)
}

// MapStream transforms items from a source Observable using a mapper function.
func MapStream[T, R any](source ro.Observable[T], mapper func(T) R) ro.Observable[R] {
	return ro.Pipe1(source, ro.Map(mapper))
}

// FilterStream filters items from a source Observable based on a predicate.
func FilterStream[T any](source ro.Observable[T], predicate func(T) bool) ro.Observable[T] {
	return ro.Pipe1(source, ro.Filter(predicate))
}

// Collect collects all items from a stream into a slice.
// Blocks until the stream completes or errors.
func Collect[T any](source ro.Observable[T]) ([]T, error) {
	return ro.Collect(source)
}

// CollectWithContext collects all items from a stream with context support.
// The context can be used for cancellation.
func CollectWithContext[T any](ctx context.Context, source ro.Observable[T]) ([]T, context.Context, error) {
	return ro.CollectWithContext(ctx, source)
}

// SubscribeWithCallbacks creates an Observer with the provided callbacks and
// subscribes to the stream. Returns a Subscription for unsubscribing.
func SubscribeWithCallbacks[T any](
	source ro.Observable[T],
	onNext func(T),
	onError func(error),
	onComplete func(),
) ro.Subscription {
	observer := ro.NewObserver(onNext, onError, onComplete)
	return source.Subscribe(observer)
}
