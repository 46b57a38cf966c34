package realtime

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/amurg-ai/parley/pkg/protocol"
)

const tracerName = "github.com/amurg-ai/parley/internal/realtime"

// Router pushes events to the live connection of a user, if there is one.
type Router struct {
	registry    *Registry
	metrics     *Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	sendTimeout time.Duration
}

// NewRouter creates a Router over registry. A zero sendTimeout means sends
// are bounded only by the caller's context.
func NewRouter(registry *Registry, metrics *Metrics, logger *slog.Logger, sendTimeout time.Duration) *Router {
	return &Router{
		registry:    registry,
		metrics:     metrics,
		logger:      logger.With("component", "delivery"),
		tracer:      otel.Tracer(tracerName),
		sendTimeout: sendTimeout,
	}
}

// Deliver sends ev to target's live connection. It reports whether the frame
// was written; an offline target or a failed send yields false and is never
// an error for the caller.
func (r *Router) Deliver(ctx context.Context, target string, ev protocol.Event) bool {
	ctx, span := r.tracer.Start(ctx, "realtime.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("parley.event_type", ev.Type),
			attribute.String("parley.target", target),
		),
	)
	defer span.End()

	frame, err := protocol.Encode(ev)
	if err != nil {
		r.logger.Error("encode event", "type", ev.Type, "error", err)
		r.record(span, resultFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		return false
	}

	h, ok := r.registry.Lookup(target)
	if !ok {
		r.logger.Debug("target offline", "user_id", target, "type", ev.Type)
		r.record(span, resultOffline)
		return false
	}

	if r.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sendTimeout)
		defer cancel()
	}

	if err := h.Send(ctx, frame); err != nil {
		r.logger.Warn("delivery failed", "user_id", target, "conn_id", h.ID(), "type", ev.Type, "error", err)
		r.record(span, resultFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
		return false
	}

	r.record(span, resultDelivered)
	return true
}

func (r *Router) record(span trace.Span, result string) {
	r.metrics.delivery(result)
	span.SetAttributes(attribute.String("parley.result", result))
}
