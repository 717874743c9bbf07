package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default instrumentation scope. Config.Package overrides it at setup time.
const PACKAGE = "weir"

var tracer = otel.Tracer(PACKAGE)

// Trace is a span paired with the context it was started in, so call sites
// fork child spans without threading the context through every layer.
type Trace struct {
	span trace.Span
	ctx  context.Context //nolint:containedctx
}

// Root starts a top-level span, e.g. one per coordinator lifetime.
func Root(ctx context.Context, name string, attributes ...attribute.KeyValue) *Trace {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attributes...))
	return &Trace{span: span, ctx: ctx}
}

// Child forks a span nested under this one.
func (t *Trace) Child(name string, attributes ...attribute.KeyValue) *Trace {
	return Root(t.ctx, name, attributes...)
}

// Event records a point-in-time annotation on the span.
func (t *Trace) Event(text string, attributes ...attribute.KeyValue) {
	t.span.AddEvent(text, trace.WithAttributes(attributes...))
}

// Fail records the error and marks the whole span as failed.
func (t *Trace) Fail(err error) {
	t.span.SetStatus(codes.Error, err.Error())
	t.span.RecordError(err)
}

func (t *Trace) End() {
	t.span.End()
}

// Span attributes of the relay domain, so call sites never spell the raw
// attribute keys and the keys stay consistent across spans.

func Room(roomID string) attribute.KeyValue {
	return attribute.String("room_id", roomID)
}

func Peer(peerID string) attribute.KeyValue {
	return attribute.String("peer_id", peerID)
}

func Relay(relayID string) attribute.KeyValue {
	return attribute.String("relay_id", relayID)
}

func Epoch(epoch uint64) attribute.KeyValue {
	return attribute.Int64("epoch", int64(epoch))
}
