package logging

import "context"

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// TraceIDKey returns the context key for a trace ID.
func TraceIDKey() any {
	return traceIDKey
}

// SpanIDKey returns the context key for a span ID.
func SpanIDKey() any {
	return spanIDKey
}

// extractContextFields extracts trace_id and span_id from the context if
// present; returns nil otherwise.
func extractContextFields(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}

	fields := make(map[string]any)
	if traceID := ctx.Value(traceIDKey); traceID != nil {
		fields["trace_id"] = traceID
	}
	if spanID := ctx.Value(spanIDKey); spanID != nil {
		fields["span_id"] = spanID
	}

	if len(fields) == 0 {
		return nil
	}
	return fields
}
