// Package queue orders requests waiting for an upstream credential.
//
// Each service has one FIFO line. A scheduler goroutine binds keys to waiters
// in arrival order, sleeping out lockout windows instead of spinning, and
// waking early when the pool signals that availability shifted. A request
// leaves the line three ways: bound to a key, cancelled by its context, or
// drained because the service has no usable keys left.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keymux/keymux/internal/keypool"
)

// ErrClosed is returned to waiters when the scheduler shuts down.
var ErrClosed = errors.New("queue: closed")

const (
	// DefaultCheckerGrace is how long a drained service keeps its waiters
	// alive while unchecked keys might still come online.
	DefaultCheckerGrace = 10 * time.Second

	// gracePoll bounds how often the scheduler re-examines a drained
	// service during the checker grace window.
	gracePoll = 250 * time.Millisecond
)

// Config carries the queue knobs.
type Config struct {
	// CheckerGrace overrides DefaultCheckerGrace when positive.
	CheckerGrace time.Duration
}

type result struct {
	sel keypool.Selection
	err error
}

type waiter struct {
	model    string
	enqueued time.Time
	done     chan result // buffered, written exactly once
}

// Queue is the per-service request line over a key pool.
type Queue struct {
	pool  *keypool.Pool
	grace time.Duration

	enq     chan struct{}
	actions chan func() // serialized onto the scheduler goroutine
	stopped chan struct{}

	// waiters is owned by the scheduler goroutine.
	waiters map[keypool.Service][]*waiter

	now func() time.Time
}

// New builds a queue over the pool. Run must be started before Enqueue is
// useful.
func New(pool *keypool.Pool, cfg Config) *Queue {
	grace := cfg.CheckerGrace
	if grace <= 0 {
		grace = DefaultCheckerGrace
	}
	return &Queue{
		pool:    pool,
		grace:   grace,
		enq:     make(chan struct{}, 1),
		actions: make(chan func(), 64),
		stopped: make(chan struct{}),
		waiters: make(map[keypool.Service][]*waiter),
		now:     time.Now,
	}
}

// Enqueue joins the line for the model's service and blocks until a key is
// bound, the context is cancelled, or the line is drained.
func (q *Queue) Enqueue(ctx context.Context, model string) (keypool.Selection, error) {
	return q.enqueue(ctx, model, false)
}

// EnqueueFront joins at the head of the line instead of the tail. Retry
// paths use it so a rate-limited request keeps its place ahead of later
// arrivals.
func (q *Queue) EnqueueFront(ctx context.Context, model string) (keypool.Selection, error) {
	return q.enqueue(ctx, model, true)
}

func (q *Queue) enqueue(ctx context.Context, model string, front bool) (keypool.Selection, error) {
	service, err := q.pool.ServiceFor(model)
	if err != nil {
		return keypool.Selection{}, err
	}

	w := &waiter{
		model:    model,
		enqueued: q.now(),
		done:     make(chan result, 1),
	}
	if err := q.do(func() {
		if front {
			q.waiters[service] = append([]*waiter{w}, q.waiters[service]...)
		} else {
			q.waiters[service] = append(q.waiters[service], w)
		}
	}); err != nil {
		return keypool.Selection{}, err
	}
	q.wake()

	select {
	case r := <-w.done:
		return r.sel, r.err
	case <-ctx.Done():
	case <-q.stopped:
	}

	// Cancelled or shutting down: withdraw, but a concurrent bind wins.
	removed := false
	_ = q.do(func() {
		line := q.waiters[service]
		for i, other := range line {
			if other == w {
				q.waiters[service] = append(line[:i], line[i+1:]...)
				removed = true
				return
			}
		}
	})
	if !removed {
		select {
		case r := <-w.done:
			return r.sel, r.err
		default:
		}
	}
	if ctx.Err() != nil {
		return keypool.Selection{}, ctx.Err()
	}
	return keypool.Selection{}, ErrClosed
}

// Depth returns the number of requests waiting for the service.
func (q *Queue) Depth(service keypool.Service) int {
	n := 0
	_ = q.do(func() { n = len(q.waiters[service]) })
	return n
}

// do runs fn on the scheduler goroutine and waits for it.
func (q *Queue) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case q.actions <- func() { fn(); close(ran) }:
	case <-q.stopped:
		return ErrClosed
	}
	q.wake()
	select {
	case <-ran:
		return nil
	case <-q.stopped:
		return ErrClosed
	}
}

func (q *Queue) wake() {
	select {
	case q.enq <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is cancelled. Remaining waiters are
// failed with ErrClosed on the way out.
func (q *Queue) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.drainActions()
		next := q.dispatch()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next <= 0 {
			next = time.Hour
		}
		timer.Reset(next)

		select {
		case <-ctx.Done():
			q.shutdown()
			return
		case <-q.enq:
		case <-q.pool.Changed():
		case <-timer.C:
		}
	}
}

func (q *Queue) drainActions() {
	for {
		select {
		case fn := <-q.actions:
			fn()
		default:
			return
		}
	}
}

func (q *Queue) shutdown() {
	close(q.stopped)
	q.drainActions()
	for service, line := range q.waiters {
		for _, w := range line {
			w.done <- result{err: ErrClosed}
		}
		delete(q.waiters, service)
	}
}

// dispatch walks every service line in FIFO order and returns how long to
// sleep before the next scheduled re-check (zero for no deadline).
func (q *Queue) dispatch() time.Duration {
	var next time.Duration
	propose := func(d time.Duration) {
		if d > 0 && (next == 0 || d < next) {
			next = d
		}
	}

	for service := range q.waiters {
		for len(q.waiters[service]) > 0 {
			head := q.waiters[service][0]

			if q.pool.Available(service) == 0 {
				if q.pool.AnyUnchecked(service) && q.now().Sub(head.enqueued) < q.grace {
					// Unchecked keys may still come online; hold the line.
					propose(gracePoll)
					break
				}
				q.drain(service)
				break
			}

			if wait := q.pool.LockoutPeriod(head.model); wait > 0 {
				propose(wait)
				break
			}

			sel, err := q.pool.Get(head.model)
			if err != nil {
				// No key in this service claims the model's family; only
				// the head request is affected.
				q.waiters[service] = q.waiters[service][1:]
				head.done <- result{err: err}
				continue
			}

			q.waiters[service] = q.waiters[service][1:]
			head.done <- result{sel: sel}
			log.Debug().
				Str("service", string(service)).
				Str("model", head.model).
				Str("key", sel.Hash).
				Dur("queued_for", q.now().Sub(head.enqueued)).
				Msg("bound key to request")
		}
	}
	return next
}

// drain fails every waiter for a service that has no usable keys left.
func (q *Queue) drain(service keypool.Service) {
	line := q.waiters[service]
	delete(q.waiters, service)
	if len(line) == 0 {
		return
	}
	log.Warn().
		Str("service", string(service)).
		Int("drained", len(line)).
		Msg("no keys available, draining queue")
	for _, w := range line {
		w.done <- result{err: keypool.ErrNoKeysAvailable}
	}
}
