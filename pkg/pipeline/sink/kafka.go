package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
)

// LargeMessageBatchBytes is the producer request cap used when large messages are enabled.
const LargeMessageBatchBytes = 20971520

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// Proto is the message type label attached to every message.
	Proto  string `yaml:"proto"`
	Stream string `yaml:"stream"`
	// KeyField names the record field used as message key; a random id is used otherwise.
	KeyField            string `yaml:"keyField"`
	ProduceLargeMessage bool   `yaml:"produceLargeMessage"`
}

// MessageWriter is the part of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes records as JSON messages.
type Kafka struct {
	cfg    KafkaConfig
	writer MessageWriter
}

// NewKafka builds a Kafka sink with a kafka-go writer.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka sink requires brokers and topic")
	}
	return NewKafkaWithWriter(cfg, NewKafkaWriter(cfg)), nil
}

// NewKafkaWithWriter builds a Kafka sink over an existing writer.
func NewKafkaWithWriter(cfg KafkaConfig, w MessageWriter) *Kafka {
	return &Kafka{cfg: cfg, writer: w}
}

// NewKafkaWriter returns the producer for cfg. Large messages switch on snappy compression
// and a 20 MiB request cap.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	if cfg.ProduceLargeMessage {
		w.Compression = kafka.Snappy
		w.BatchBytes = LargeMessageBatchBytes
	}
	return w
}

func (k *Kafka) Write(ctx context.Context, rows []core.Output) error {
	if len(rows) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(rows))
	for _, row := range rows {
		fields := row.Map()
		b, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		msg := kafka.Message{Key: []byte(k.key(fields)), Value: b}
		if k.cfg.Proto != "" {
			msg.Headers = append(msg.Headers, kafka.Header{Key: "proto", Value: []byte(k.cfg.Proto)})
		}
		msgs = append(msgs, msg)
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), k.cfg.Topic, err)
	}
	return nil
}

func (k *Kafka) key(fields map[string]any) string {
	if k.cfg.KeyField != "" {
		if v, ok := fields[k.cfg.KeyField]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return uuid.NewString()
}

func (k *Kafka) Close() error { return k.writer.Close() }
