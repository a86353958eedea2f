// Package app wires record sources, HTTP enrichment stages and sinks into a run.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/enrichment/httpsource"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/metrics"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/record"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/redact"
)

// Options carries the collaborators of a Runner.
type Options struct {
	Logger  zerolog.Logger
	Metrics metrics.Sink
	// ErrorSink receives records that failed enrichment. Nil drops them after logging.
	ErrorSink core.RecordSink
}

// Summary counts what a run did.
type Summary struct {
	RunID     string
	Processed int
	OK        int
	Failed    int
	Duration  time.Duration
}

// Runner drives records from a source through every configured stage, in order, and writes
// them to a sink.
type Runner struct {
	file   *File
	index  *record.FieldIndex
	stages []*httpsource.Stage
	out    core.RecordSink
	errOut core.RecordSink
	log    zerolog.Logger
	runID  string

	maxPending    int64
	batchSize     int
	flushInterval time.Duration
}

// NewRunner builds one stage per configured source. f must be valid.
func NewRunner(f *File, out core.RecordSink, opts Options) (*Runner, error) {
	if out == nil {
		return nil, errors.New("runner requires a sink")
	}
	index, err := f.Index()
	if err != nil {
		return nil, err
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	runID := uuid.NewString()
	log := opts.Logger.With().Str("run", runID).Logger()

	r := &Runner{
		file:          f,
		index:         index,
		out:           out,
		errOut:        opts.ErrorSink,
		log:           log,
		runID:         runID,
		batchSize:     f.Run.BatchSize,
		flushInterval: f.Run.FlushInterval,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.flushInterval <= 0 {
		r.flushInterval = defaultFlushInterval
	}

	contracts := f.Contracts()
	pending := 0
	for i := range f.Sources {
		stage, err := httpsource.NewStage(&f.Sources[i], index, httpsource.StageOptions{
			Dispatch:  f.Dispatch.Options(),
			Metrics:   opts.Metrics,
			Logger:    &log,
			Contracts: contracts,
		})
		if err != nil {
			_ = r.closeStages()
			return nil, fmt.Errorf("source %d (%s): %w", i, f.Sources[i].MetricGroup(), err)
		}
		r.stages = append(r.stages, stage)
		pending += stage.Capacity()
	}
	// Default: enough to keep every stage's dispatcher busy, plus one batch being written.
	r.maxPending = int64(f.Run.MaxPending)
	if r.maxPending <= 0 {
		r.maxPending = int64(pending + r.batchSize)
	}
	return r, nil
}

// RunID identifies this runner in logs.
func (r *Runner) RunID() string { return r.runID }

// InFlight sums the HTTP calls currently running across every stage.
func (r *Runner) InFlight() int {
	n := 0
	for _, s := range r.stages {
		n += s.InFlight()
	}
	return n
}

// Index is the field index every record is laid out by.
func (r *Runner) Index() *record.FieldIndex { return r.index }

type result struct {
	env  core.Envelope
	view *record.View
	err  error
}

// Run reads src until it is exhausted or ctx ends. Records are acknowledged after they were
// written, so a source with offsets only commits what reached a sink.
func (r *Runner) Run(ctx context.Context, src core.RecordSource) (Summary, error) {
	start := time.Now()
	r.log.Info().
		Int("sources", len(r.stages)).
		Strs("input_fields", r.index.InputNames()).
		Strs("output_fields", r.index.OutputNames()).
		Int64("max_pending", r.maxPending).
		Int("batch_size", r.batchSize).
		Msg("run start")

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(r.maxPending)
	results := make(chan result, r.batchSize)
	var pending sync.WaitGroup

	g.Go(func() error {
		defer func() {
			pending.Wait()
			close(results)
		}()
		for {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			env, err := src.Next(gctx)
			if err != nil {
				sem.Release(1)
				if errors.Is(err, core.ErrSourceExhausted) || gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read source: %w", err)
			}
			row, err := r.index.NewRow(env.Input)
			if err != nil {
				sem.Release(1)
				return fmt.Errorf("read source: %w", err)
			}
			view := record.NewView(row)
			pending.Add(1)
			r.enrich(gctx, view, 0, func(v *record.View, err error) {
				defer pending.Done()
				defer sem.Release(1)
				select {
				case results <- result{env: env, view: v, err: err}:
				case <-gctx.Done():
				}
			})
		}
	})

	var sum Summary
	g.Go(func() error {
		return r.write(gctx, results, &sum)
	})

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	sum.RunID = r.runID
	sum.Processed = sum.OK + sum.Failed
	sum.Duration = time.Since(start)

	ev := r.log.Info()
	if err != nil {
		ev = r.log.Error().Str("error", redact.Secrets(err.Error()))
	}
	ev.Int("processed", sum.Processed).
		Int("ok", sum.OK).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration.Round(time.Millisecond)).
		Msg("run complete")
	return sum, err
}

// enrich hands v to stage i and chains the next stage from its completion. A failed stage
// ends the chain for that record.
func (r *Runner) enrich(ctx context.Context, v *record.View, i int, finish func(*record.View, error)) {
	if i == len(r.stages) {
		finish(v, nil)
		return
	}
	r.stages[i].Enrich(ctx, v, core.CompletionFuncs[*record.View]{
		OnComplete: func(next *record.View) { r.enrich(ctx, next, i+1, finish) },
		OnFail:     func(err error) { finish(v, err) },
	})
}

func (r *Runner) write(ctx context.Context, results <-chan result, sum *Summary) error {
	batch := make([]core.Output, 0, r.batchSize)
	acks := make([]core.Envelope, 0, r.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.out.Write(ctx, batch); err != nil {
			return fmt.Errorf("write %d records: %w", len(batch), err)
		}
		for _, env := range acks {
			if err := ack(ctx, env); err != nil {
				return err
			}
		}
		batch = batch[:0]
		acks = acks[:0]
		return nil
	}

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case res, ok := <-results:
			if !ok {
				return flush()
			}
			if res.err != nil {
				sum.Failed++
				if err := r.fail(ctx, res); err != nil {
					return err
				}
				continue
			}
			sum.OK++
			names, values := res.view.Flatten(r.index)
			batch = append(batch, core.Output{Fields: names, Values: values})
			acks = append(acks, res.env)
			if len(batch) >= r.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// fail routes a record that failed enrichment to the error sink and acknowledges it.
func (r *Runner) fail(ctx context.Context, res result) error {
	msg := redact.Secrets(res.err.Error())
	r.log.Warn().Str("error", msg).Msg("record failed enrichment")
	if r.errOut != nil {
		names, values := res.view.Flatten(r.index)
		names = append(names, "error")
		values = append(values, msg)
		if err := r.errOut.Write(ctx, []core.Output{{Fields: names, Values: values}}); err != nil {
			return fmt.Errorf("write failed record: %w", err)
		}
	}
	return ack(ctx, res.env)
}

func ack(ctx context.Context, env core.Envelope) error {
	if env.Ack == nil {
		return nil
	}
	if err := env.Ack(ctx); err != nil {
		return fmt.Errorf("ack record: %w", err)
	}
	return nil
}

// Close releases every stage's dispatcher and both sinks.
func (r *Runner) Close() error {
	errs := []error{r.closeStages(), r.out.Close()}
	if r.errOut != nil {
		errs = append(errs, r.errOut.Close())
	}
	return errors.Join(errs...)
}

func (r *Runner) closeStages() error {
	var errs []error
	for _, s := range r.stages {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
