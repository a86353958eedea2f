package httpsource

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/enrichment/jsonpath"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/metrics"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/record"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/redact"
)

// State is a Handler's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateClassifying
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateClassifying:
		return "classifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler drives one record through a Stage. Each transition happens at most once; the
// completion and the latency sample are delivered exactly once.
type Handler struct {
	stage *Stage
	view  *record.View
	done  core.Completion[*record.View]

	ctx     context.Context
	state   atomic.Int32
	started time.Time
}

func newHandler(s *Stage, v *record.View, done core.Completion[*record.View]) *Handler {
	return &Handler{stage: s, view: v, done: done}
}

// State returns the current state.
func (h *Handler) State() State { return State(h.state.Load()) }

// Start starts the latency timer, renders the request and hands it to the dispatcher.
// Calls after the first are ignored.
func (h *Handler) Start(ctx context.Context) {
	if !h.state.CompareAndSwap(int32(StateIdle), int32(StateAwaitingResponse)) {
		return
	}
	h.ctx = ctx
	h.started = time.Now()
	req, err := h.stage.builder.Build(h.view)
	if err != nil {
		if !h.state.CompareAndSwap(int32(StateAwaitingResponse), int32(StateClassifying)) {
			return
		}
		h.stage.sink.Mark(h.stage.group, metrics.EventTotalFailed)
		h.failOrPass(fmt.Errorf("http enrichment: build request for source %s: %w", h.stage.group, err))
		return
	}
	h.stage.dispatcher.Submit(ctx, req, h.OnResponse)
}

// OnResponse is the dispatcher callback. Only the first delivery is processed.
func (h *Handler) OnResponse(r Response) {
	if !h.state.CompareAndSwap(int32(StateAwaitingResponse), int32(StateClassifying)) {
		h.stage.log.Warn().Str("state", h.State().String()).Msg("duplicate response delivery ignored")
		return
	}
	out := Classify(r)
	if out.Kind != OutcomeSuccess {
		h.stage.sink.Mark(h.stage.group, out.Kind.Event())
		h.stage.sink.Mark(h.stage.group, metrics.EventTotalFailed)
		err := newFailureError(h.stage.group, out)
		if out.Kind == OutcomeTransportFailure && h.ctx != nil && h.ctx.Err() != nil {
			// Shutdown: a record that never reached the endpoint is not passed through.
			h.stage.log.Debug().Str("error", redact.Secrets(err.Error())).Msg("record enrichment canceled")
			h.finish(StateFailed, err)
			return
		}
		h.failOrPass(err)
		return
	}

	if w := h.view.OutputWidth(); w < h.stage.width {
		h.stage.sink.Mark(h.stage.group, metrics.EventTotalFailed)
		h.failOrPass(fmt.Errorf("http enrichment: source %s: record has %d output positions, want %d", h.stage.group, w, h.stage.width))
		return
	}
	values, err := h.extract(out.Body)
	if err != nil {
		h.stage.sink.Mark(h.stage.group, metrics.EventPathReadingFailed)
		h.stage.sink.Mark(h.stage.group, metrics.EventTotalFailed)
		h.failOrPass(err)
		return
	}
	for i, m := range h.stage.mappings {
		// Positions come from the index the stage was built on and fit the width checked above.
		_ = h.view.SetOutput(m.position, values[i])
	}
	h.stage.sink.Mark(h.stage.group, metrics.EventSuccess)
	h.finish(StateCompleted, nil)
}

// extract evaluates every mapping into a scratch slice so that a failure leaves the view
// untouched.
func (h *Handler) extract(body []byte) ([]any, error) {
	doc, err := jsonpath.Decode(body)
	if err != nil {
		return nil, &ExtractionError{Source: h.stage.group, Cause: err}
	}
	values := make([]any, len(h.stage.mappings))
	for i, m := range h.stage.mappings {
		v, err := m.path.Extract(doc)
		if err != nil {
			return nil, &ExtractionError{Source: h.stage.group, Field: m.name, Path: m.path.String(), Cause: err}
		}
		if m.field != nil {
			v, err = m.field.Coerce(v)
			if err != nil {
				return nil, &ExtractionError{Source: h.stage.group, Field: m.name, Path: m.path.String(), Cause: err}
			}
		}
		values[i] = v
	}
	return values, nil
}

// failOrPass applies the fail policy: fail the record, or let it through with defaults.
func (h *Handler) failOrPass(err error) {
	h.stage.log.Debug().Str("error", redact.Secrets(err.Error())).Bool("fail_on_errors", h.stage.cfg.FailOnErrors).Msg("record enrichment failed")
	if h.stage.cfg.FailOnErrors {
		h.finish(StateFailed, err)
		return
	}
	h.finish(StateCompleted, nil)
}

func (h *Handler) finish(final State, err error) {
	if !h.state.CompareAndSwap(int32(StateClassifying), int32(final)) {
		return
	}
	h.stage.sink.Observe(h.stage.group, metrics.HistogramResponseTime, time.Since(h.started))
	if err != nil {
		h.done.Fail(err)
		return
	}
	h.done.Complete(h.view)
}
