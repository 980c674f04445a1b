// Package tracing provides the OpenTelemetry integration: a provider
// configured from standard OTEL_* environment variables, plus redaction
// helpers so span attributes and recorded errors never leak secret values.
package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/opflow-labs/opflow/internal/template"
)

// tracerName is the instrumentation scope name for spans created via the
// global provider fallback.
const tracerName = "opflow"

// GetTracer returns a named tracer from the globally configured provider.
// Injecting a TracerProvider is preferred; this exists for call sites that
// have no provider handle.
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// RedactAttributes returns a new attribute slice with the value of every
// attribute whose key matches a redaction keyword replaced by "[REDACTED]".
func RedactAttributes(attrs []attribute.KeyValue, keywords map[string]struct{}) []attribute.KeyValue {
	if len(keywords) == 0 || len(attrs) == 0 {
		return attrs
	}
	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		if _, redact := keywords[strings.ToLower(string(kv.Key))]; redact {
			redacted = append(redacted, attribute.String(string(kv.Key), "[REDACTED]"))
		} else {
			redacted = append(redacted, kv)
		}
	}
	return redacted
}

// RecordErrorWithContext records err on the span with its message redacted
// and marks the span status as Error. The recorded error loses its original
// type; only the sanitized message survives. Nil errors and non-recording
// spans are ignored.
func RecordErrorWithContext(span oteltrace.Span, err error, keywords map[string]struct{}) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	msg := template.RedactSecretsInString(err.Error(), keywords)
	span.RecordError(errors.New(msg), oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, msg)
}
