package httpsource

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/worker"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 16 << 20

// Dispatcher issues requests asynchronously. Submit may block while the dispatcher is at
// capacity but never waits for the call itself; done is invoked exactly once, possibly on
// another goroutine.
type Dispatcher interface {
	Submit(ctx context.Context, req Request, done func(Response))
	Capacity() int
	Close() error
}

// DispatchOptions tune the transport shared by every source.
type DispatchOptions struct {
	// MaxRetries is the number of extra attempts for transient transport errors.
	MaxRetries int
	// RateLimitRPS caps calls per second per source. <=0 disables it.
	RateLimitRPS float64
	// CAPath is an optional PEM bundle used as the trusted root set.
	CAPath string

	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// HTTPDispatcher runs requests on a worker pool sized to the source's capacity.
type HTTPDispatcher struct {
	client *http.Client
	pool   *worker.Pool[Request, Response]
}

// NewHTTPDispatcher builds a dispatcher for cfg. cfg must be valid.
func NewHTTPDispatcher(cfg *Config, opts DispatchOptions) (*HTTPDispatcher, error) {
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	client, err := newHTTPClient(time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond, opts.CAPath, dialer.DialContext)
	if err != nil {
		return nil, err
	}
	return newHTTPDispatcher(cfg, opts, client), nil
}

func newHTTPDispatcher(cfg *Config, opts DispatchOptions, client *http.Client) *HTTPDispatcher {
	d := &HTTPDispatcher{client: client}
	capacity := cfg.EffectiveCapacity()
	d.pool = worker.NewPool(d.do, worker.Options{
		Workers:           capacity,
		QueueSize:         capacity,
		MaxRetries:        opts.MaxRetries,
		RequestTimeout:    time.Duration(cfg.StreamTimeoutMs) * time.Millisecond,
		RateLimitRPS:      opts.RateLimitRPS,
		BackoffInitial:    opts.BackoffInitial,
		BackoffMax:        opts.BackoffMax,
		BackoffJitterFrac: 0.2,
	})
	return d
}

func (d *HTTPDispatcher) Submit(ctx context.Context, req Request, done func(Response)) {
	err := d.pool.Submit(ctx, req, func(res worker.Result[Request, Response]) {
		if res.Err != nil {
			done(Response{Err: res.Err})
			return
		}
		done(res.Output)
	})
	if err != nil {
		done(Response{Err: fmt.Errorf("submit request: %w", err)})
	}
}

func (d *HTTPDispatcher) Capacity() int { return d.pool.Workers() }

// InFlight returns the number of calls currently running.
func (d *HTTPDispatcher) InFlight() int { return d.pool.InFlight() }

// Peak returns the highest number of concurrent calls observed.
func (d *HTTPDispatcher) Peak() int { return d.pool.Peak() }

// Close waits for queued and in-flight calls to finish.
func (d *HTTPDispatcher) Close() error {
	d.pool.Close()
	d.client.CloseIdleConnections()
	return nil
}

// do performs one attempt. ctx carries the stream timeout.
func (d *HTTPDispatcher) do(ctx context.Context, r Request) (Response, error) {
	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Response{}, transportError(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, transportError(fmt.Errorf("read response body: %w", err))
	}
	return Response{StatusCode: resp.StatusCode, Body: b}, nil
}

// transportError marks connection-level failures as transient so the pool may retry them.
func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &core.TransientError{Err: err}
	}
	return err
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// newHTTPClient bounds every dial by connectTimeout on top of the request context.
func newHTTPClient(connectTimeout time.Duration, caPath string, dial dialFunc) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if connectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, connectTimeout)
			defer cancel()
		}
		return dial(ctx, network, addr)
	}
	tr.TLSHandshakeTimeout = connectTimeout
	if strings.TrimSpace(caPath) != "" {
		b, err := os.ReadFile(strings.TrimSpace(caPath))
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse CA bundle PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	// Per-attempt deadlines come from the request context.
	return &http.Client{Transport: tr}, nil
}
