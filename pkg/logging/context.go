package logging

import (
	"context"
)

type ctxKey string

const (
	TraceIDKey     = "trace_id"
	MessageIDKey   = "message_id"
	ServiceNameKey = "service_name"
	TenantIDKey    = "tenant_id"
	RuleNodeIDKey  = "rule_node_id"
	QueueKeyKey    = "queue_key"
)

func with(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, ctxKey(key), value)
}

func get(ctx context.Context, key string) string {
	if v, ok := ctx.Value(ctxKey(key)).(string); ok {
		return v
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, TraceIDKey, traceID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return with(ctx, MessageIDKey, messageID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return with(ctx, ServiceNameKey, serviceName)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return with(ctx, TenantIDKey, tenantID)
}

func WithRuleNodeID(ctx context.Context, nodeID string) context.Context {
	return with(ctx, RuleNodeIDKey, nodeID)
}

// WithQueueKey tags the context with the partition stream being consumed.
func WithQueueKey(ctx context.Context, queueKey string) context.Context {
	return with(ctx, QueueKeyKey, queueKey)
}

func GetTraceID(ctx context.Context) string     { return get(ctx, TraceIDKey) }
func GetMessageID(ctx context.Context) string   { return get(ctx, MessageIDKey) }
func GetServiceName(ctx context.Context) string { return get(ctx, ServiceNameKey) }
func GetTenantID(ctx context.Context) string    { return get(ctx, TenantIDKey) }
func GetRuleNodeID(ctx context.Context) string  { return get(ctx, RuleNodeIDKey) }
func GetQueueKey(ctx context.Context) string    { return get(ctx, QueueKeyKey) }

// GetLogFields returns the key/value pairs carried by ctx in a stable order.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 12)
	for _, key := range []string{TraceIDKey, MessageIDKey, TenantIDKey, RuleNodeIDKey, QueueKeyKey, ServiceNameKey} {
		if v := get(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}
	return fields
}
