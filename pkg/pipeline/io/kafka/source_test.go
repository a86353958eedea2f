package kafka_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-http-enrichment/pkg/pipeline/io/kafka"
)

// mockReader replays a fixed set of messages and records commits.
type mockReader struct {
	mu        sync.Mutex
	messages  []kafkago.Message
	committed []int64
	closed    bool
}

func (m *mockReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return kafkago.Message{}, err
	}
	if len(m.messages) == 0 {
		return kafkago.Message{}, io.EOF
	}
	msg := m.messages[0]
	m.messages = m.messages[1:]
	return msg, nil
}

func (m *mockReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.committed = append(m.committed, msg.Offset)
	}
	return nil
}

func (m *mockReader) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestSource_ProjectsFieldsAndCommitsOnAck(t *testing.T) {
	t.Parallel()

	r := &mockReader{messages: []kafkago.Message{
		{Topic: "orders", Offset: 0, Value: []byte(`{"order_id": "o-1", "customer_id": 123456, "extra": true}`)},
		{Topic: "orders", Offset: 1, Value: []byte(`not json`)},
		{Topic: "orders", Offset: 2, Value: []byte(`{"order_id": "o-2"}`)},
	}}
	src := kafka.NewSource(r, []string{"order_id", "customer_id"}, zerolog.Nop())
	ctx := context.Background()

	env, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"o-1", int64(123456)}, env.Input)
	assert.Empty(t, r.committed, "no commit before ack")
	require.NoError(t, env.Ack(ctx))
	assert.Equal(t, []int64{0}, r.committed)

	env, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"o-2", nil}, env.Input)
	assert.Equal(t, []int64{0, 1}, r.committed, "undecodable message is committed and skipped")

	_, err = src.Next(ctx)
	require.True(t, errors.Is(err, core.ErrSourceExhausted))

	require.NoError(t, src.Close())
	assert.True(t, r.closed)
}

func TestSource_CommitsOnlyContiguousAcks(t *testing.T) {
	t.Parallel()

	r := &mockReader{messages: []kafkago.Message{
		{Topic: "orders", Partition: 0, Offset: 1, Value: []byte(`{"order_id": "o-1"}`)},
		{Topic: "orders", Partition: 0, Offset: 2, Value: []byte(`{"order_id": "o-2"}`)},
		{Topic: "orders", Partition: 1, Offset: 7, Value: []byte(`{"order_id": "o-7"}`)},
		{Topic: "orders", Partition: 0, Offset: 3, Value: []byte(`{"order_id": "o-3"}`)},
	}}
	src := kafka.NewSource(r, []string{"order_id"}, zerolog.Nop())
	ctx := context.Background()

	envs := make(map[string]core.Envelope)
	for i := 0; i < 4; i++ {
		env, err := src.Next(ctx)
		require.NoError(t, err)
		envs[env.Input[0].(string)] = env
	}

	require.NoError(t, envs["o-2"].Ack(ctx))
	assert.Empty(t, r.committed, "offset 1 is still pending")

	require.NoError(t, envs["o-7"].Ack(ctx))
	assert.Equal(t, []int64{7}, r.committed, "partitions advance independently")

	require.NoError(t, envs["o-1"].Ack(ctx))
	assert.Equal(t, []int64{7, 2}, r.committed, "one commit covers 1 and 2")

	require.NoError(t, envs["o-3"].Ack(ctx))
	assert.Equal(t, []int64{7, 2, 3}, r.committed)
}

func TestNewReader_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := kafka.NewReader(kafka.Config{Brokers: []string{"localhost:9092"}, Topic: "orders"})
	require.Error(t, err)

	r, err := kafka.NewReader(kafka.Config{Brokers: []string{"localhost:9092"}, Topic: "orders", GroupID: "enricher"})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}
