package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keymux/keymux/internal/keypool"
)

func newTestPool(t *testing.T, secrets string) *keypool.Pool {
	t.Helper()

	prov, err := keypool.NewAnthropicProvider(secrets, keypool.ProviderConfig{
		RateLimitLockout: 50 * time.Millisecond,
		KeyReuseDelay:    5 * time.Millisecond,
	})
	require.NoError(t, err)

	pool, err := keypool.NewPool([]keypool.Provider{prov}, nil)
	require.NoError(t, err)
	return pool
}

func startQueue(t *testing.T, pool *keypool.Pool, cfg Config) *Queue {
	t.Helper()

	q := New(pool, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func TestEnqueueBindsKey(t *testing.T) {
	pool := newTestPool(t, "sk-ant-one")
	q := startQueue(t, pool, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sel, err := q.Enqueue(ctx, "claude-2")
	require.NoError(t, err)
	assert.Equal(t, keypool.ServiceAnthropic, sel.Service)
	assert.Equal(t, "sk-ant-one", sel.Secret)
}

func TestEnqueueUnknownModel(t *testing.T) {
	pool := newTestPool(t, "sk-ant-one")
	q := startQueue(t, pool, Config{})

	_, err := q.Enqueue(context.Background(), "no-such-model")
	require.ErrorIs(t, err, keypool.ErrUnknownModel)
}

func TestFIFOOrder(t *testing.T) {
	pool := newTestPool(t, "sk-ant-one")
	q := startQueue(t, pool, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 5
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(ctx, "claude-2")
			assert.NoError(t, err)
			order <- i
		}(i)
		// Stagger arrivals so the FIFO order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		assert.Equal(t, want, got, "requests must be served in arrival order")
		want++
	}
}

func TestEnqueueFrontJumpsLine(t *testing.T) {
	prov, err := keypool.NewAnthropicProvider("sk-ant-one", keypool.ProviderConfig{
		RateLimitLockout: 200 * time.Millisecond,
		KeyReuseDelay:    20 * time.Millisecond,
	})
	require.NoError(t, err)
	pool, err := keypool.NewPool([]keypool.Provider{prov}, nil)
	require.NoError(t, err)
	q := startQueue(t, pool, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Take the key and lock the service out so the next waiters line up.
	sel, err := q.Enqueue(ctx, "claude-2")
	require.NoError(t, err)
	pool.MarkRateLimited(sel.Service, sel.Hash)

	waitForDepth := func(want int) {
		require.Eventually(t, func() bool {
			return q.Depth(keypool.ServiceAnthropic) == want
		}, 2*time.Second, 5*time.Millisecond)
	}

	order := make(chan string, 3)
	join := func(label string, front bool) {
		go func() {
			var err error
			if front {
				_, err = q.EnqueueFront(ctx, "claude-2")
			} else {
				_, err = q.Enqueue(ctx, "claude-2")
			}
			assert.NoError(t, err)
			order <- label
		}()
	}

	join("first", false)
	waitForDepth(1)
	join("second", false)
	waitForDepth(2)
	join("retry", true)
	waitForDepth(3)

	assert.Equal(t, "retry", <-order, "front enqueue must be served before earlier arrivals")
	assert.Equal(t, "first", <-order)
	assert.Equal(t, "second", <-order)
}

func TestCancellationRemovesWaiter(t *testing.T) {
	pool := newTestPool(t, "sk-ant-one")
	q := startQueue(t, pool, Config{})

	// Occupy the single key so the next waiter has to queue behind the
	// reuse throttle.
	background, cancelBg := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelBg()
	sel, err := q.Enqueue(background, "claude-2")
	require.NoError(t, err)
	pool.MarkRateLimited(sel.Service, sel.Hash)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Enqueue(ctx, "claude-2")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, q.Depth(keypool.ServiceAnthropic))
}

func TestLockoutDelaysButServes(t *testing.T) {
	pool := newTestPool(t, "sk-ant-one")
	q := startQueue(t, pool, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sel, err := q.Enqueue(ctx, "claude-2")
	require.NoError(t, err)
	pool.MarkRateLimited(sel.Service, sel.Hash)

	start := time.Now()
	_, err = q.Enqueue(ctx, "claude-2")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond,
		"second request must sleep out the lockout window")
}

func TestDrainWhenAllKeysDisabled(t *testing.T) {
	pool := newTestPool(t, "sk-ant-one")
	q := startQueue(t, pool, Config{CheckerGrace: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sel, err := q.Enqueue(ctx, "claude-2")
	require.NoError(t, err)
	pool.Disable(sel.Service, sel.Hash)

	_, err = q.Enqueue(ctx, "claude-2")
	require.ErrorIs(t, err, keypool.ErrNoKeysAvailable)
}

func TestUncheckedKeysGetGrace(t *testing.T) {
	pool := newTestPool(t, "sk-ant-one")
	q := startQueue(t, pool, Config{CheckerGrace: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sel, err := q.Enqueue(ctx, "claude-2")
	require.NoError(t, err)
	pool.Disable(sel.Service, sel.Hash)

	// The key is disabled but still unchecked, so a new waiter holds on
	// instead of failing. Re-enabling it (as the checker would after a
	// successful probe) lets the waiter through.
	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, "claude-2")
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	enabled := false
	require.NoError(t, pool.Update(sel.Service, sel.Hash, keypool.Patch{Disabled: &enabled}))

	require.NoError(t, <-done)
}

func TestShutdownFailsWaiters(t *testing.T) {
	pool := newTestPool(t, "sk-ant-one")
	q := New(pool, Config{})

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		q.Run(runCtx)
	}()

	// Take the only key, then park a second waiter behind the throttle.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := q.Enqueue(ctx, "claude-2")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), "claude-2")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelRun()
	<-runDone
	require.ErrorIs(t, <-errCh, ErrClosed)
}
