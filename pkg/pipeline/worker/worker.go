package worker

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

type Options struct {
	// Workers is the number of goroutines processing jobs, i.e. the in-flight ceiling.
	Workers int
	// QueueSize bounds jobs accepted but not yet picked up. Zero means Workers.
	QueueSize int

	MaxRetries     int
	RequestTimeout time.Duration

	// RateLimitRPS is a global limit across all workers. Set to <=0 to disable.
	RateLimitRPS float64

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64
}

// Result holds the output for one input item.
type Result[In any, Out any] struct {
	Input    In
	Output   Out
	Err      error
	Attempts int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = o.Workers
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 2 * time.Second
	}
	if o.BackoffJitterFrac < 0 {
		o.BackoffJitterFrac = 0
	}
	return o
}

type job[In any, Out any] struct {
	ctx  context.Context
	in   In
	done func(Result[In, Out])
}

// Pool runs a processor over submitted items on a fixed set of workers.
//
// At most Options.Workers items are processed at once and at most Options.QueueSize wait
// for a worker; Submit blocks while the queue is full. Each item is retried on transient
// errors with capped exponential backoff, and its callback runs exactly once on the worker
// that processed it.
type Pool[In any, Out any] struct {
	opts      Options
	processor func(context.Context, In) (Out, error)
	limiter   *rate.Limiter

	jobs chan job[In, Out]
	quit chan struct{}
	wg   sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewPool starts the pool's workers.
func NewPool[In any, Out any](processor func(context.Context, In) (Out, error), opts Options) *Pool[In, Out] {
	opts = opts.withDefaults()
	p := &Pool[In, Out]{
		opts:      opts,
		processor: processor,
		jobs:      make(chan job[In, Out], opts.QueueSize),
		quit:      make(chan struct{}),
	}
	if opts.RateLimitRPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Submit enqueues item. It blocks while the queue is full and returns ctx's error if ctx
// ends first, or ErrPoolClosed if the pool is closing. done is not called when Submit
// returns an error.
func (p *Pool[In, Out]) Submit(ctx context.Context, item In, done func(Result[In, Out])) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.jobs <- job[In, Out]{ctx: ctx, in: item, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

// Close stops accepting items and waits for queued and in-flight items to finish.
func (p *Pool[In, Out]) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// Workers returns the configured in-flight ceiling.
func (p *Pool[In, Out]) Workers() int { return p.opts.Workers }

// InFlight returns the number of items currently being processed.
func (p *Pool[In, Out]) InFlight() int { return int(p.inFlight.Load()) }

// Peak returns the highest number of items processed at once so far.
func (p *Pool[In, Out]) Peak() int { return int(p.peak.Load()) }

func (p *Pool[In, Out]) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		n := p.inFlight.Add(1)
		for {
			prev := p.peak.Load()
			if n <= prev || p.peak.CompareAndSwap(prev, n) {
				break
			}
		}
		out, attempts, err := processWithRetry(j.ctx, j.in, p.processor, p.limiter, p.opts)
		p.inFlight.Add(-1)
		if j.done != nil {
			j.done(Result[In, Out]{Input: j.in, Output: out, Err: err, Attempts: attempts})
		}
	}
}

func processWithRetry[In any, Out any](
	ctx context.Context,
	item In,
	processor func(context.Context, In) (Out, error),
	limiter *rate.Limiter,
	opts Options,
) (Out, int, error) {
	var lastOut Out
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastOut, attempt, err
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return lastOut, attempt, err
			}
		}

		reqCtx := ctx
		var cancel context.CancelFunc
		if opts.RequestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, opts.RequestTimeout)
		}
		result, err := processor(reqCtx, item)
		lastOut = result
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, attempt + 1, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return lastOut, attempt + 1, ctx.Err()
		}
		maxRetries := maxExtraRetries(opts.MaxRetries, err)
		if !isTransient(err) || attempt >= maxRetries {
			return lastOut, attempt + 1, err
		}

		sleep := backoffSleep(opts.BackoffInitial, opts.BackoffMax, opts.BackoffJitterFrac, attempt)
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastOut, attempt + 1, ctx.Err()
		}
	}
}

type retryCap interface {
	MaxExtraRetries() int
}

func maxExtraRetries(defaultRetries int, err error) int {
	if defaultRetries < 0 {
		defaultRetries = 0
	}
	var capErr retryCap
	if errors.As(err, &capErr) {
		limited := capErr.MaxExtraRetries()
		if limited < 0 {
			limited = 0
		}
		if limited < defaultRetries {
			return limited
		}
	}
	return defaultRetries
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *core.TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *core.LimitedTransientError
	if errors.As(err, &lte) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if jitterFrac <= 0 {
		return sleep
	}
	// Apply +/- jitterFrac.
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
