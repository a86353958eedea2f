package record

import (
	"context"
	"errors"
	"sync"
)

// Future is a single-assignment completion for one record. It satisfies
// core.Completion[*View]. The first Complete or Fail wins; later calls are counted
// as violations and otherwise ignored.
type Future struct {
	once sync.Once
	done chan struct{}

	view *View
	err  error

	mu         sync.Mutex
	violations int
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future with an enriched view.
func (f *Future) Complete(v *View) {
	f.resolve(v, nil)
}

// Fail resolves the future with an error.
func (f *Future) Fail(err error) {
	if err == nil {
		err = errors.New("record failed")
	}
	f.resolve(nil, err)
}

func (f *Future) resolve(v *View, err error) {
	resolved := false
	f.once.Do(func() {
		f.view = v
		f.err = err
		resolved = true
		close(f.done)
	})
	if !resolved {
		f.mu.Lock()
		f.violations++
		f.mu.Unlock()
	}
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (*View, error) {
	select {
	case <-f.done:
		return f.view, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Violations returns how many times the future was resolved after the first time.
func (f *Future) Violations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violations
}
