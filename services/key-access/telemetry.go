package key_access

import (
	"context"
	"sync"

	"wylloh/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	keyAccessOnce     sync.Once
	keyAccessTracer   trace.Tracer
	registryOps       metric.Int64Counter
	registryDenials   metric.Int64Counter
	ownershipSteps    metric.Int64Counter
	ownershipOutcomes metric.Int64Counter
)

func initKeyAccessTelemetry() {
	keyAccessOnce.Do(func() {
		logger := logging.GetLogger()
		keyAccessTracer = otel.Tracer("wylloh/services/key-access")
		meter := otel.GetMeterProvider().Meter("wylloh/services/key-access")

		var err error

		if registryOps, err = meter.Int64Counter(
			"wylloh_access_registry_operations_total",
			metric.WithDescription("Grant, revoke and lookup operations on the access registry"),
		); err != nil {
			logger.Warn("Failed to register registry operation counter: %v", err)
		}

		if registryDenials, err = meter.Int64Counter(
			"wylloh_access_registry_denials_total",
			metric.WithDescription("Grant and revoke calls rejected for insufficient or expired rights"),
		); err != nil {
			logger.Warn("Failed to register registry denial counter: %v", err)
		}

		if ownershipSteps, err = meter.Int64Counter(
			"wylloh_ownership_steps_total",
			metric.WithDescription("Ownership verification steps attempted, by step and result"),
		); err != nil {
			logger.Warn("Failed to register ownership step counter: %v", err)
		}

		if ownershipOutcomes, err = meter.Int64Counter(
			"wylloh_ownership_verifications_total",
			metric.WithDescription("Ownership verification outcomes, by resolving step"),
		); err != nil {
			logger.Warn("Failed to register ownership outcome counter: %v", err)
		}
	})
}

func startKeyAccessSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	initKeyAccessTelemetry()
	if keyAccessTracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return keyAccessTracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordRegistryOp(ctx context.Context, op string, err error) {
	initKeyAccessTelemetry()
	if registryOps == nil {
		return
	}
	registryOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}

func recordRegistryDenial(ctx context.Context, op, reason string) {
	initKeyAccessTelemetry()
	if registryDenials == nil {
		return
	}
	registryDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("reason", reason),
	))
}

func recordOwnershipStep(ctx context.Context, step Step, result string) {
	initKeyAccessTelemetry()
	if ownershipSteps == nil {
		return
	}
	ownershipSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", string(step)),
		attribute.String("result", result),
	))
}

func recordOwnershipOutcome(ctx context.Context, res Resolution) {
	initKeyAccessTelemetry()
	if ownershipOutcomes == nil {
		return
	}
	step := string(res.Step)
	if !res.Owner {
		step = "none"
	}
	ownershipOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resolved_by", step),
		attribute.Bool("owner", res.Owner),
	))
}
