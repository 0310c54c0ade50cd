package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the brokervoice tracer.
const tracerName = "github.com/MrWong99/brokervoice"

// Span names used across the engine.
const (
	SpanSessionOpen    = "voice.session.open"
	SpanCommandRequest = "command.request"
)

// Attribute keys shared by spans and log records.
const (
	AttrSessionID    = attribute.Key("session_id")
	AttrCommandID    = attribute.Key("command_id")
	AttrPayloadBytes = attribute.Key("payload_bytes")
)

// Tracer returns the brokervoice tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span covering a voice session handshake.
func StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSessionOpen,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(AttrSessionID.String(sessionID)),
	)
}

// StartCommandSpan starts the span covering one command endpoint round trip.
func StartCommandSpan(ctx context.Context, commandID string, payloadBytes int) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanCommandRequest,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrCommandID.String(commandID),
			AttrPayloadBytes.Int(payloadBytes),
		),
	)
}

// Fail marks span as failed with err. A nil err only sets the status
// description, which suits outcomes that are failures without a Go error.
func Fail(span trace.Span, err error, desc ...string) {
	msg := ""
	if len(desc) > 0 {
		msg = desc[0]
	}
	if err != nil {
		span.RecordError(err)
		if msg == "" {
			msg = err.Error()
		}
	}
	span.SetStatus(codes.Error, msg)
}

// TraceID returns the hex trace ID of the span in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns base, or the default logger when base is nil, with trace_id
// and span_id attached when ctx carries a valid span.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
