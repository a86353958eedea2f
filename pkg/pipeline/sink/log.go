package sink

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
)

// Log writes every record as one structured log event.
type Log struct {
	log zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{log: logger.With().Str("component", "sink.log").Logger()}
}

func (l *Log) Write(_ context.Context, rows []core.Output) error {
	for _, row := range rows {
		l.log.Info().Fields(row.Map()).Msg("record")
	}
	return nil
}

func (l *Log) Close() error { return nil }
