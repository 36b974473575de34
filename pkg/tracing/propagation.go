package tracing

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "rulecore"

// Inject writes the span context of ctx into record headers.
func Inject(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// Extract returns ctx carrying the remote span context found in headers.
func Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func ToKafkaHeaders(headers map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func FromKafkaHeaders(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

// StartRecordSpan starts the consumer span for one queue record, continuing
// the producer's trace when headers carry one.
func StartRecordSpan(ctx context.Context, queue string, partition int, headers map[string]string) (context.Context, trace.Span) {
	ctx = Extract(ctx, headers)
	return GetTracer(instrumentationName).Start(ctx, "queue.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("queue.key", queue),
			attribute.Int("queue.partition", partition),
		),
	)
}

func StartNodeSpan(ctx context.Context, tenantID, nodeID, nodeType string) (context.Context, trace.Span) {
	return GetTracer(instrumentationName).Start(ctx, "rule_node."+nodeType,
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("rule_node.id", nodeID),
		),
	)
}
