package httpsource

import (
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/metrics"
)

// Response is what a Dispatcher delivers for one request: a status and body, or a
// transport error in Err.
type Response struct {
	StatusCode int
	Body       []byte
	Err        error
}

// OutcomeKind classifies a completed call.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeClientError
	OutcomeServerError
	OutcomeOtherStatus
	OutcomeTransportFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeClientError:
		return "client error"
	case OutcomeServerError:
		return "server error"
	case OutcomeOtherStatus:
		return "other status"
	case OutcomeTransportFailure:
		return "transport failure"
	default:
		return "unknown"
	}
}

// Event is the metrics counter for this outcome.
func (k OutcomeKind) Event() metrics.Event {
	switch k {
	case OutcomeSuccess:
		return metrics.EventSuccess
	case OutcomeClientError:
		return metrics.EventClientError
	case OutcomeServerError:
		return metrics.EventServerError
	case OutcomeOtherStatus:
		return metrics.EventOtherStatus
	default:
		return metrics.EventTransportFailure
	}
}

// Outcome is a classified Response.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Body       []byte
	Cause      error
}

// Classify buckets a response. A transport error wins over any status code.
func Classify(r Response) Outcome {
	out := Outcome{StatusCode: r.StatusCode, Body: r.Body, Cause: r.Err}
	switch {
	case r.Err != nil:
		out.Kind = OutcomeTransportFailure
	case r.StatusCode >= 200 && r.StatusCode <= 299:
		out.Kind = OutcomeSuccess
	case r.StatusCode >= 400 && r.StatusCode <= 499:
		out.Kind = OutcomeClientError
	case r.StatusCode >= 500 && r.StatusCode <= 599:
		out.Kind = OutcomeServerError
	default:
		out.Kind = OutcomeOtherStatus
	}
	return out
}
