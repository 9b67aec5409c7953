package redpanda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	record := &kgo.Record{Topic: TopicRegenerate, Headers: []kgo.RecordHeader{{Key: "x-request-id", Value: []byte("r-1")}}}
	injectTraceHeaders(ctx, record)

	carrier := recordCarrier{record}
	if carrier.Get("traceparent") == "" {
		t.Fatalf("traceparent not injected: %v", carrier.Keys())
	}
	if carrier.Get("x-request-id") != "r-1" {
		t.Error("existing headers were lost")
	}

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if got.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("trace id = %s, want %s", got.TraceID(), span.SpanContext().TraceID())
	}
}

func TestCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := recordCarrier{record}
	c.Set("k", "1")
	c.Set("k", "2")
	if len(record.Headers) != 1 || c.Get("k") != "2" {
		t.Errorf("headers = %+v", record.Headers)
	}
}

func TestToMessageAndDeadLetterHeaders(t *testing.T) {
	record := &kgo.Record{
		Topic:     TopicRegenerate,
		Partition: 3,
		Offset:    42,
		Key:       []byte("req-1"),
		Value:     []byte(`{}`),
		Headers:   []kgo.RecordHeader{{Key: "traceparent", Value: []byte("00-abc")}},
	}
	msg := toMessage(record)
	if msg.Headers["traceparent"] != "00-abc" || string(msg.Key) != "req-1" {
		t.Errorf("msg = %+v", msg)
	}

	h := deadLetterHeaders(msg, errors.New("record not found"))
	want := map[string]string{
		"x-original-topic":     TopicRegenerate,
		"x-original-partition": "3",
		"x-original-offset":    "42",
		"x-error":              "record not found",
	}
	for k, v := range want {
		if h[k] != v {
			t.Errorf("%s = %q, want %q", k, h[k], v)
		}
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	seen := map[string]bool{}
	for _, cfg := range DefaultTopicConfigs() {
		if cfg.Partitions < 1 || cfg.Configs["retention.ms"] == nil {
			t.Errorf("%s: incomplete config", cfg.Name)
		}
		seen[cfg.Name] = true
	}
	for _, name := range []string{TopicRecords, TopicRegenerate, TopicDeadLetter} {
		if !seen[name] {
			t.Errorf("missing topic %s", name)
		}
	}
}

func TestNewConsumerRequiresHandler(t *testing.T) {
	if _, err := NewConsumer(DefaultConsumerConfig(), nil, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestMissingTopics(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		want     []string
	}{
		{"none exist", nil, []string{TopicRecords, TopicRegenerate, TopicDeadLetter}},
		{"some exist", []string{TopicRecords, "other"}, []string{TopicRegenerate, TopicDeadLetter}},
		{"all exist", []string{TopicDeadLetter, TopicRecords, TopicRegenerate}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := missingTopics(tt.existing, DefaultTopicConfigs())
			if len(got) != len(tt.want) {
				t.Fatalf("missing = %d topics, want %d", len(got), len(tt.want))
			}
			for i, cfg := range got {
				if cfg.Name != tt.want[i] {
					t.Errorf("missing[%d] = %s, want %s", i, cfg.Name, tt.want[i])
				}
			}
		})
	}
}

func TestHealthCheckUnreachableBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := HealthCheck(ctx, []string{"127.0.0.1:1"}); err == nil {
		t.Fatal("expected an error for an unreachable broker")
	}
}
