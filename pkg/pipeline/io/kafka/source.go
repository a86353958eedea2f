// Package kafka reads JSON records from a Kafka topic.
package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/enrichment/jsonpath"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
)

// Reader is the part of *kafka.Reader the source uses, so tests can substitute it.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader builds a consumer-group reader with manual commits.
func NewReader(cfg Config) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" || strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("kafka source requires brokers, topic and group id")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
		// Offsets are committed explicitly once a record is handled.
		CommitInterval: 0,
		MinBytes:       10e3,
		MaxBytes:       10e6,
	}), nil
}

// Source decodes each message value as a JSON object and projects the input fields out of
// it. Missing keys become nil. Messages that are not JSON objects are skipped and committed.
//
// Records may be acknowledged in any order. Offsets are committed per partition only up to
// the highest offset below which every fetched message has been acknowledged.
type Source struct {
	reader Reader
	fields []string
	log    zerolog.Logger

	mu         sync.Mutex
	partitions map[partitionKey]*watermark
}

type partitionKey struct {
	topic     string
	partition int
}

// watermark tracks fetched offsets of one partition in fetch order.
type watermark struct {
	pending []int64
	acked   map[int64]kafka.Message
}

func NewSource(r Reader, fields []string, logger zerolog.Logger) *Source {
	return &Source{
		reader:     r,
		fields:     append([]string(nil), fields...),
		log:        logger.With().Str("component", "kafka.source").Logger(),
		partitions: make(map[partitionKey]*watermark),
	}
}

func (s *Source) Next(ctx context.Context) (core.Envelope, error) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return core.Envelope{}, core.ErrSourceExhausted
			}
			return core.Envelope{}, fmt.Errorf("fetch message: %w", err)
		}
		s.track(msg)
		input, err := s.decode(msg.Value)
		if err != nil {
			s.log.Warn().Err(err).
				Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).
				Msg("skipping undecodable message")
			if err := s.ack(ctx, msg); err != nil {
				return core.Envelope{}, fmt.Errorf("commit skipped message: %w", err)
			}
			continue
		}
		return core.Envelope{
			Input: input,
			Ack: func(ctx context.Context) error {
				return s.ack(ctx, msg)
			},
		}, nil
	}
}

func (s *Source) track(msg kafka.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partitionKey{topic: msg.Topic, partition: msg.Partition}
	w, ok := s.partitions[key]
	if !ok {
		w = &watermark{acked: make(map[int64]kafka.Message)}
		s.partitions[key] = w
	}
	w.pending = append(w.pending, msg.Offset)
}

// ack marks msg handled and commits the partition's contiguous acknowledged prefix, if it grew.
// The lock is held across the commit so commits of a partition never go backwards.
func (s *Source) ack(ctx context.Context, msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.partitions[partitionKey{topic: msg.Topic, partition: msg.Partition}]
	if !ok {
		return fmt.Errorf("ack of untracked message %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
	}
	w.acked[msg.Offset] = msg

	var (
		last    kafka.Message
		advance bool
	)
	for len(w.pending) > 0 {
		m, done := w.acked[w.pending[0]]
		if !done {
			break
		}
		delete(w.acked, w.pending[0])
		w.pending = w.pending[1:]
		last, advance = m, true
	}
	if !advance {
		return nil
	}
	return s.reader.CommitMessages(ctx, last)
}

func (s *Source) decode(value []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if obj == nil {
		return nil, errors.New("decode message: not a JSON object")
	}
	input := make([]any, len(s.fields))
	for i, f := range s.fields {
		input[i] = jsonpath.Normalize(obj[f])
	}
	return input, nil
}

func (s *Source) Close() error { return s.reader.Close() }
