package logging

import (
	"context"
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	MessageIDKey     contextKey = "message_id"
	ServiceIDKey     contextKey = "service_id"
	SubjectKey       contextKey = "subject"
)

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

func WithServiceID(ctx context.Context, serviceID string) context.Context {
	return context.WithValue(ctx, ServiceIDKey, serviceID)
}

func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

func value(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetCorrelationID(ctx context.Context) string {
	return value(ctx, CorrelationIDKey)
}

func GetMessageID(ctx context.Context) string {
	return value(ctx, MessageIDKey)
}

func GetServiceID(ctx context.Context) string {
	return value(ctx, ServiceIDKey)
}

func GetSubject(ctx context.Context) string {
	return value(ctx, SubjectKey)
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 8)

	for _, key := range []contextKey{CorrelationIDKey, MessageIDKey, ServiceIDKey, SubjectKey} {
		if v := value(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}

	return fields
}
