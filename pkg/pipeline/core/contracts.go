package core

import (
	"context"
	"errors"
)

// ErrSourceExhausted is returned by a RecordSource once no more records will be produced.
var ErrSourceExhausted = errors.New("record source exhausted")

// RecordSource yields input rows, one at a time, in source order.
//
// Each returned slice holds the input segment of one record, positioned by the
// pipeline's input field names. Ack is called once the record has been fully
// handled (enriched, failed or written) so sources with offsets can commit.
type RecordSource interface {
	Next(ctx context.Context) (Envelope, error)
	Close() error
}

// Envelope carries the input segment of one record plus a source-specific acknowledgement.
type Envelope struct {
	Input []any
	Ack   func(ctx context.Context) error
}

// RecordSink persists completed records.
type RecordSink interface {
	Write(ctx context.Context, rows []Output) error
	Close() error
}

// Output is one completed record flattened to field name -> value, in field order.
type Output struct {
	Fields []string
	Values []any
}

// Map returns the output as a name -> value map.
func (o Output) Map() map[string]any {
	m := make(map[string]any, len(o.Fields))
	for i, name := range o.Fields {
		if i < len(o.Values) {
			m[name] = o.Values[i]
		}
	}
	return m
}

// Completion receives the outcome of enriching one record.
//
// Exactly one of Complete or Fail is called per record.
type Completion[T any] interface {
	Complete(v T)
	Fail(err error)
}

// CompletionFuncs adapts a pair of functions to the Completion interface.
type CompletionFuncs[T any] struct {
	OnComplete func(T)
	OnFail     func(error)
}

func (c CompletionFuncs[T]) Complete(v T) {
	if c.OnComplete != nil {
		c.OnComplete(v)
	}
}

func (c CompletionFuncs[T]) Fail(err error) {
	if c.OnFail != nil {
		c.OnFail(err)
	}
}

// TransientError marks an error as retryable by worker implementations.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LimitedTransientError is a transient error that caps how many extra retries it may get,
// regardless of the worker's configured MaxRetries.
type LimitedTransientError struct {
	Err          error
	ExtraRetries int
}

func (e *LimitedTransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *LimitedTransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MaxExtraRetries implements the retry cap understood by worker pools.
func (e *LimitedTransientError) MaxExtraRetries() int {
	if e == nil {
		return 0
	}
	return e.ExtraRetries
}
