package httpsource

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/enrichment/jsonpath"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/metrics"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/record"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/redact"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/schema"
)

// StageOptions carries the collaborators of a Stage. Zero values are replaced with a
// dispatcher built from Dispatch, a no-op metrics sink and a disabled logger.
type StageOptions struct {
	Dispatcher Dispatcher
	Dispatch   DispatchOptions
	Metrics    metrics.Sink
	Logger     *zerolog.Logger
	// Contracts are the typed output schemas selectable by Config.Type.
	Contracts map[string]schema.Contract
}

type compiledMapping struct {
	name     string
	path     jsonpath.Path
	position int
	field    *schema.Field
}

// Stage enriches records from one HTTP source. It is safe for concurrent use; per-record
// state lives in a Handler.
type Stage struct {
	cfg        *Config
	group      string
	builder    *RequestBuilder
	dispatcher Dispatcher
	ownsDisp   bool
	sink       metrics.Sink
	mappings   []compiledMapping
	width      int
	log        zerolog.Logger
}

// NewStage validates cfg against index and prepares everything a record needs. All
// configuration problems surface here, never per record.
func NewStage(cfg *Config, index *record.FieldIndex, opts StageOptions) (*Stage, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	builder, err := NewRequestBuilder(cfg, index)
	if err != nil {
		return nil, err
	}

	var contract *schema.Contract
	if c, ok := opts.Contracts[cfg.Type]; ok && cfg.Type != "" {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		contract = &c
	}

	mappings := make([]compiledMapping, 0, cfg.OutputMapping.Len())
	for _, name := range cfg.OutputMapping.Names() {
		m, _ := cfg.OutputMapping.Get(name)
		p, err := jsonpath.Parse(m.Path)
		if err != nil {
			return nil, &ConfigError{Invalid: []string{fmt.Sprintf("outputMapping.%s.path: %v", name, err)}}
		}
		pos, err := index.OutputIndex(name)
		if err != nil {
			return nil, err
		}
		cm := compiledMapping{name: name, path: p, position: pos}
		if contract != nil {
			f, ok := contract.Field(name)
			if !ok {
				return nil, &ConfigError{Invalid: []string{fmt.Sprintf("outputMapping.%s: not a field of schema %q", name, cfg.Type)}}
			}
			cm.field = &f
		}
		mappings = append(mappings, cm)
	}

	s := &Stage{
		cfg:        cfg,
		group:      cfg.MetricGroup(),
		builder:    builder,
		dispatcher: opts.Dispatcher,
		sink:       opts.Metrics,
		mappings:   mappings,
		width:      index.OutputWidth(),
		log:        zerolog.Nop(),
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "httpsource").Str("source", s.group).Logger()
	}
	s.log.Info().
		Str("endpoint", redact.Secrets(cfg.Endpoint)).
		Str("verb", string(cfg.Verb)).
		Int("capacity", cfg.EffectiveCapacity()).
		Bool("fail_on_errors", cfg.FailOnErrors).
		Strs("header_names", redact.HeaderNames(cfg.Headers)).
		Strs("output_fields", cfg.OutputColumns()).
		Msg("http source ready")
	headers := zerolog.Dict()
	for k, v := range redact.Headers(cfg.Headers) {
		headers.Str(k, v)
	}
	s.log.Debug().Dict("headers", headers).Msg("http source headers")
	if s.sink == nil {
		s.sink = metrics.Nop{}
	}
	if s.dispatcher == nil {
		d, err := NewHTTPDispatcher(cfg, opts.Dispatch)
		if err != nil {
			return nil, err
		}
		s.dispatcher = d
		s.ownsDisp = true
	}
	return s, nil
}

// Enrich starts enriching one record. The outcome is delivered to done exactly once,
// usually from another goroutine; per-record errors never surface here.
func (s *Stage) Enrich(ctx context.Context, v *record.View, done core.Completion[*record.View]) {
	s.Handle(ctx, v, done)
}

// Handle is Enrich returning the record's Handler.
func (s *Stage) Handle(ctx context.Context, v *record.View, done core.Completion[*record.View]) *Handler {
	h := newHandler(s, v, done)
	h.Start(ctx)
	return h
}

// Config returns the stage's validated configuration. Callers must not modify it.
func (s *Stage) Config() *Config { return s.cfg }

// MetricGroup is the metrics group this stage records under.
func (s *Stage) MetricGroup() string { return s.group }

// Capacity is the dispatcher's in-flight ceiling.
func (s *Stage) Capacity() int { return s.dispatcher.Capacity() }

// InFlight returns the dispatcher's running calls, or 0 when the dispatcher does not report it.
func (s *Stage) InFlight() int {
	if g, ok := s.dispatcher.(interface{ InFlight() int }); ok {
		return g.InFlight()
	}
	return 0
}

// Close releases a dispatcher the stage created itself.
func (s *Stage) Close() error {
	if s.ownsDisp {
		return s.dispatcher.Close()
	}
	return nil
}
