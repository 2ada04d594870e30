package otelhelper

import (
	"github.com/dukex/repokeeper/pkg/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorKindKey classifies a span error by the service error taxonomy.
const ErrorKindKey = "repokeeper.error.kind"

// SetError marks the span failed and tags it with the error kind so traces can be
// filtered the same way the API maps errors to status codes.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String(ErrorKindKey, ErrorKind(err)))
}

// ErrorKind names the taxonomy class of err, or "internal" for anything unclassified.
func ErrorKind(err error) string {
	switch {
	case services.IsValidationError(err):
		return "validation"
	case services.IsNotFound(err):
		return "not_found"
	case services.IsUnsupportedEvent(err):
		return "unsupported_event"
	case services.IsConflictError(err):
		return "conflict"
	case services.IsLockContention(err):
		return "lock_contention"
	case services.IsIOError(err):
		return "io"
	default:
		return "internal"
	}
}
