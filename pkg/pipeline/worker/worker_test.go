package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/worker"
)

func runOne[Out any](t *testing.T, p *worker.Pool[string, Out], in string) worker.Result[string, Out] {
	t.Helper()
	got := make(chan worker.Result[string, Out], 1)
	if err := p.Submit(context.Background(), in, func(r worker.Result[string, Out]) { got <- r }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case r := <-got:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	panic("unreachable")
}

func TestPool_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, _ string) (string, error) {
		if calls.Add(1) <= 2 {
			return "", &core.TransientError{Err: errors.New("try again")}
		}
		return "ok", nil
	}

	p := worker.NewPool(fn, worker.Options{
		Workers:           1,
		MaxRetries:        3,
		RequestTimeout:    1 * time.Second,
		BackoffInitial:    1 * time.Millisecond,
		BackoffMax:        2 * time.Millisecond,
		BackoffJitterFrac: 0,
	})
	defer p.Close()

	res := runOne(t, p, "customer-1")
	if res.Err != nil || res.Output != "ok" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if res.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d (calls=%d)", res.Attempts, calls.Load())
	}
}

func TestPool_DoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return "", errors.New("permanent")
	}

	p := worker.NewPool(fn, worker.Options{
		Workers:        1,
		MaxRetries:     10,
		BackoffInitial: 1 * time.Millisecond,
		BackoffMax:     1 * time.Millisecond,
	})
	defer p.Close()

	res := runOne(t, p, "customer-1")
	if res.Err == nil || res.Err.Error() != "permanent" {
		t.Fatalf("unexpected result: %#v", res)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestPool_RespectsPerErrorRetryCap(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(_ context.Context, _ string) (string, error) {
		calls.Add(1)
		return "", &core.LimitedTransientError{
			Err:          errors.New("connection reset"),
			ExtraRetries: 1, // one extra retry max
		}
	}

	p := worker.NewPool(fn, worker.Options{
		Workers:        1,
		MaxRetries:     10,
		BackoffInitial: 1 * time.Millisecond,
		BackoffMax:     1 * time.Millisecond,
	})
	defer p.Close()

	res := runOne(t, p, "customer-1")
	if res.Err == nil {
		t.Fatalf("expected error result, got %#v", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls (1 initial + 1 retry), got %d", calls.Load())
	}
}

func TestPool_PerAttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fn := func(ctx context.Context, _ string) (string, error) {
		calls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	}

	p := worker.NewPool(fn, worker.Options{
		Workers:        1,
		MaxRetries:     1,
		RequestTimeout: 5 * time.Millisecond,
		BackoffInitial: 1 * time.Millisecond,
		BackoffMax:     1 * time.Millisecond,
	})
	defer p.Close()

	res := runOne(t, p, "customer-1")
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", res.Err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestPool_SubmitBlocksWhenQueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	fn := func(_ context.Context, _ string) (string, error) {
		started <- struct{}{}
		<-release
		return "ok", nil
	}

	p := worker.NewPool(fn, worker.Options{Workers: 1, QueueSize: 1})
	defer p.Close()
	defer close(release)

	if err := p.Submit(context.Background(), "a", nil); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	<-started
	if err := p.Submit(context.Background(), "b", nil); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, "c", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected backpressure to surface ctx error, got %v", err)
	}
}

func TestPool_CallbacksInCompletionOrder(t *testing.T) {
	t.Parallel()

	releaseSlow := make(chan struct{})
	startedSlow := make(chan struct{})
	fn := func(_ context.Context, id string) (string, error) {
		if id == "slow" {
			close(startedSlow)
			<-releaseSlow
		}
		return id, nil
	}

	p := worker.NewPool(fn, worker.Options{Workers: 2})
	defer p.Close()

	seen := make(chan string, 2)
	cb := func(r worker.Result[string, string]) { seen <- r.Input }
	if err := p.Submit(context.Background(), "slow", cb); err != nil {
		t.Fatal(err)
	}
	<-startedSlow
	if err := p.Submit(context.Background(), "fast", cb); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-seen:
		if got != "fast" {
			t.Fatalf("expected fast callback first, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fast callback")
	}
	close(releaseSlow)
	if got := <-seen; got != "slow" {
		t.Fatalf("expected slow callback second, got %q", got)
	}
}

func TestPool_SubmitAfterClose(t *testing.T) {
	t.Parallel()

	p := worker.NewPool(func(_ context.Context, s string) (string, error) { return s, nil }, worker.Options{Workers: 1})
	p.Close()
	if err := p.Submit(context.Background(), "x", nil); !errors.Is(err, worker.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	p.Close()
}

func TestPool_NeverExceedsWorkerCeiling(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		workers := rapid.IntRange(1, 6).Draw(rt, "workers")
		items := rapid.IntRange(workers, 40).Draw(rt, "items")

		var current, peak atomic.Int32
		fn := func(_ context.Context, _ int) (int, error) {
			n := current.Add(1)
			for {
				prev := peak.Load()
				if n <= prev || peak.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(200 * time.Microsecond)
			current.Add(-1)
			return 0, nil
		}

		p := worker.NewPool(fn, worker.Options{Workers: workers})
		var wg sync.WaitGroup
		var completions sync.Map
		for i := 0; i < items; i++ {
			wg.Add(1)
			i := i
			go func() {
				err := p.Submit(context.Background(), i, func(worker.Result[int, int]) {
					if _, dup := completions.LoadOrStore(i, true); dup {
						rt.Errorf("item %d completed twice", i)
					}
					wg.Done()
				})
				if err != nil {
					rt.Errorf("submit %d: %v", i, err)
					wg.Done()
				}
			}()
		}
		wg.Wait()
		p.Close()

		if got := int(peak.Load()); got > workers {
			rt.Fatalf("peak in-flight %d exceeds %d workers", got, workers)
		}
		if p.Peak() > workers {
			rt.Fatalf("pool peak %d exceeds %d workers", p.Peak(), workers)
		}
		n := 0
		completions.Range(func(_, _ any) bool { n++; return true })
		if n != items {
			rt.Fatalf("expected %d completions, got %d", items, n)
		}
	})
}
