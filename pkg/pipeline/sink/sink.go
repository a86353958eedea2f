// Package sink persists enriched records. The sink kind is chosen once, when the run is
// built, from a closed set.
package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
)

// Kind is a supported sink.
type Kind int

const (
	KindInflux Kind = iota
	KindLog
	KindKafka
	KindPostgres
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindInflux:
		return "influx"
	case KindLog:
		return "log"
	case KindKafka:
		return "kafka"
	case KindPostgres:
		return "postgres"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind resolves a configured sink type. An empty type selects influx.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "influx", "influxdb":
		return KindInflux, nil
	case "log":
		return KindLog, nil
	case "kafka":
		return KindKafka, nil
	case "postgres", "postgresql", "timescale":
		return KindPostgres, nil
	case "object", "s3", "minio":
		return KindObject, nil
	default:
		return 0, fmt.Errorf("unknown sink type %q", raw)
	}
}

// Config selects and configures the sink.
type Config struct {
	Type     string         `yaml:"type"`
	Influx   InfluxConfig   `yaml:"influx"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Object   ObjectConfig   `yaml:"object"`
}

// Kind parses c.Type.
func (c Config) Kind() (Kind, error) { return ParseKind(c.Type) }

// Telemetry describes the configured sink as label lists.
func (c Config) Telemetry() map[string][]string {
	kind, err := c.Kind()
	if err != nil {
		return map[string][]string{"sink_type": {strings.TrimSpace(c.Type)}}
	}
	out := map[string][]string{"sink_type": {kind.String()}}
	if kind == KindKafka {
		out["output_topic"] = []string{c.Kafka.Topic}
		out["output_proto"] = []string{c.Kafka.Proto}
		out["output_stream"] = []string{c.Kafka.Stream}
	}
	return out
}

// Build constructs the configured sink.
func Build(ctx context.Context, c Config, logger zerolog.Logger) (core.RecordSink, error) {
	kind, err := c.Kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindLog:
		return NewLog(logger), nil
	case KindKafka:
		return NewKafka(c.Kafka)
	case KindPostgres:
		return NewPostgres(ctx, c.Postgres)
	case KindObject:
		return NewObject(ctx, c.Object)
	default:
		return NewInflux(c.Influx)
	}
}
