package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/enrichment/httpsource"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/record"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/schema"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/sink"
)

// File is the enricher's configuration document.
type File struct {
	Input   InputConfig               `yaml:"input"`
	Sources []httpsource.Config       `yaml:"sources"`
	Schemas map[string][]schema.Field `yaml:"schemas"`
	Sink    sink.Config               `yaml:"sink"`
	// ErrorSink receives records that failed enrichment with failOnErrors set. Optional.
	ErrorSink *sink.Config   `yaml:"errorSink"`
	Dispatch  DispatchConfig `yaml:"dispatch"`
	Run       RunConfig      `yaml:"run"`
}

// InputConfig names the input segment of every record.
type InputConfig struct {
	Fields httpsource.StringList `yaml:"fields"`
}

// DispatchConfig is the YAML form of httpsource.DispatchOptions.
type DispatchConfig struct {
	MaxRetries     int           `yaml:"maxRetries"`
	RateLimitRPS   float64       `yaml:"rateLimitRPS"`
	CAPath         string        `yaml:"caPath"`
	BackoffInitial time.Duration `yaml:"backoffInitial"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
}

func (d DispatchConfig) Options() httpsource.DispatchOptions {
	return httpsource.DispatchOptions{
		MaxRetries:     d.MaxRetries,
		RateLimitRPS:   d.RateLimitRPS,
		CAPath:         d.CAPath,
		BackoffInitial: d.BackoffInitial,
		BackoffMax:     d.BackoffMax,
	}
}

// RunConfig tunes the run loop. Zero values pick defaults.
type RunConfig struct {
	// MaxPending bounds records read but not yet written.
	MaxPending int `yaml:"maxPending"`
	// BatchSize is the number of completed records handed to the sink per write.
	BatchSize int `yaml:"batchSize"`
	// FlushInterval forces a partial batch out after this long.
	FlushInterval time.Duration `yaml:"flushInterval"`
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// LoadFile decodes and validates a configuration document.
func LoadFile(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFilePath opens path and calls LoadFile.
func LoadFilePath(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fh.Close()
	}()
	return LoadFile(fh)
}

// Validate checks the document as a whole. Source problems are reported per source.
func (f *File) Validate() error {
	if len(f.Input.Fields) == 0 {
		return fmt.Errorf("input.fields is required")
	}
	if len(f.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for name, fields := range f.Schemas {
		if err := (schema.Contract{Name: name, Fields: fields}).Validate(); err != nil {
			return err
		}
	}
	if _, err := f.Sink.Kind(); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if f.ErrorSink != nil {
		if _, err := f.ErrorSink.Kind(); err != nil {
			return fmt.Errorf("errorSink: %w", err)
		}
	}
	if f.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.maxRetries must be >= 0")
	}
	if f.Run.MaxPending < 0 || f.Run.BatchSize < 0 || f.Run.FlushInterval < 0 {
		return fmt.Errorf("run settings must be >= 0")
	}

	owner := make(map[string]string)
	for i := range f.Sources {
		src := &f.Sources[i]
		if err := src.Validate(); err != nil {
			return fmt.Errorf("source %d (%s): %w", i, src.MetricGroup(), err)
		}
		if t := strings.TrimSpace(src.Type); t != "" {
			if _, ok := f.Schemas[t]; !ok {
				return fmt.Errorf("source %d (%s): unknown schema %q", i, src.MetricGroup(), t)
			}
		}
		for _, col := range src.OutputColumns() {
			if prev, dup := owner[col]; dup {
				return fmt.Errorf("output column %q is mapped by both %s and %s", col, prev, src.MetricGroup())
			}
			owner[col] = src.MetricGroup()
		}
	}
	return nil
}

// OutputColumns is the union of every source's output columns in declaration order.
func (f *File) OutputColumns() []string {
	var out []string
	for i := range f.Sources {
		out = append(out, f.Sources[i].OutputColumns()...)
	}
	return out
}

// Index builds the field index shared by every stage.
func (f *File) Index() (*record.FieldIndex, error) {
	return record.NewFieldIndex(f.Input.Fields, f.OutputColumns())
}

// Contracts returns the declared schemas keyed by name.
func (f *File) Contracts() map[string]schema.Contract {
	out := make(map[string]schema.Contract, len(f.Schemas))
	for name, fields := range f.Schemas {
		out[name] = schema.Contract{Name: name, Fields: fields}
	}
	return out
}

// ApplyEnv overrides dispatch and Kafka sink settings from the environment.
func (f *File) ApplyEnv() error {
	var err error
	if f.Dispatch.MaxRetries, err = EnvInt("MAX_RETRIES", f.Dispatch.MaxRetries); err != nil {
		return err
	}
	if f.Dispatch.RateLimitRPS, err = EnvFloat("RATE_LIMIT_RPS", f.Dispatch.RateLimitRPS); err != nil {
		return err
	}
	f.Dispatch.CAPath = EnvString("DEFAULT_CA_PATH", f.Dispatch.CAPath)
	if brokers := EnvList("KAFKA_BROKERS"); len(brokers) > 0 {
		f.Sink.Kafka.Brokers = brokers
	}
	f.Sink.Kafka.Topic = EnvString("KAFKA_OUTPUT_TOPIC", f.Sink.Kafka.Topic)
	return nil
}
