package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrier_RoundTripsTraceContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	prop := propagation.TraceContext{}
	record := &kgo.Record{Topic: TopicPrescriptionEvents}
	prop.Inject(ctx, headerCarrier{record})

	require.Len(t, record.Headers, 1)
	assert.Equal(t, "traceparent", record.Headers[0].Key)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", string(record.Headers[0].Value))

	// a second inject replaces instead of appending
	prop.Inject(ctx, headerCarrier{record})
	assert.Len(t, record.Headers, 1)

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), headerCarrier{record}))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
	assert.Equal(t, []string{"traceparent"}, headerCarrier{record}.Keys())
}

func TestToMessage(t *testing.T) {
	ts := time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC)
	msg := toMessage(&kgo.Record{
		Topic:     TopicPrescriptionEvents,
		Partition: 3,
		Offset:    42,
		Key:       []byte("rx-1"),
		Value:     []byte(`{}`),
		Headers:   []kgo.RecordHeader{{Key: "traceparent", Value: []byte("x")}},
		Timestamp: ts,
	})
	assert.Equal(t, int32(3), msg.Partition)
	assert.Equal(t, int64(42), msg.Offset)
	assert.Equal(t, "rx-1", string(msg.Key))
	assert.Equal(t, map[string]string{"traceparent": "x"}, msg.Headers)
	assert.Equal(t, ts, msg.Timestamp)
}

func TestTopics(t *testing.T) {
	topics := Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, "rx.prescription.events", topics[0].Name)
	assert.Equal(t, TopicDeadLetter, topics[1].Name)

	cfg := topics[0].configs()
	assert.Equal(t, "604800000", *cfg["retention.ms"])
	assert.Equal(t, "delete", *cfg["cleanup.policy"])
	assert.Equal(t, "2592000000", *topics[1].configs()["retention.ms"])
}

func TestCompression(t *testing.T) {
	for _, name := range []string{"lz4", "snappy", "gzip", "zstd"} {
		_, ok := compression(name)
		assert.True(t, ok, name)
	}
	_, ok := compression("")
	assert.False(t, ok)
}

func TestNewConsumerRequiresHandler(t *testing.T) {
	_, err := NewConsumer(DefaultConsumerConfig(), nil, nil, nil, nil)
	assert.Error(t, err)
}
