package key_manager

import (
	"context"
	"sync"
	"time"

	"wylloh/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var nowFunc = time.Now

var (
	keyManagerTelemetryOnce sync.Once
	keyManagerTracer        trace.Tracer
	keyManagerMeter         metric.Meter

	keyManagerCacheEvents      metric.Int64Counter
	keyManagerStorageLatency   metric.Float64Histogram
	keyManagerReplicaFailures  metric.Int64Counter
	keyManagerRetrieveOutcomes metric.Int64Counter
	keyManagerRotationLatency  metric.Float64Histogram
	keyManagerRetrievalTries   metric.Int64Counter
	keyManagerRecoveryOps      metric.Int64Counter
)

func initKeyManagerTelemetry() {
	keyManagerTelemetryOnce.Do(func() {
		logger := logging.GetLogger()
		keyManagerTracer = otel.Tracer("wylloh/services/key-manager")
		keyManagerMeter = otel.GetMeterProvider().Meter("wylloh/services/key-manager")

		var err error
		if keyManagerCacheEvents, err = keyManagerMeter.Int64Counter(
			"wylloh_key_manager_cache_events_total",
			metric.WithDescription("Lookup cache hits and misses for content keys and grants"),
		); err != nil {
			logger.Warn("Failed to register key manager cache counter: %v", err)
		}

		if keyManagerStorageLatency, err = keyManagerMeter.Float64Histogram(
			"wylloh_key_manager_envelope_storage_duration_ms",
			metric.WithDescription("Latency of envelope reads and writes across replicas"),
			metric.WithUnit("ms"),
		); err != nil {
			logger.Warn("Failed to register envelope storage latency histogram: %v", err)
		}

		if keyManagerReplicaFailures, err = keyManagerMeter.Int64Counter(
			"wylloh_key_manager_replica_failures_total",
			metric.WithDescription("Individual replica failures, by replica and operation"),
		); err != nil {
			logger.Warn("Failed to register replica failure counter: %v", err)
		}

		if keyManagerRetrieveOutcomes, err = keyManagerMeter.Int64Counter(
			"wylloh_key_manager_retrieve_total",
			metric.WithDescription("Key retrievals, by outcome"),
		); err != nil {
			logger.Warn("Failed to register retrieve outcome counter: %v", err)
		}

		if keyManagerRotationLatency, err = keyManagerMeter.Float64Histogram(
			"wylloh_key_manager_rotation_duration_ms",
			metric.WithDescription("Duration of key rotation operations"),
			metric.WithUnit("ms"),
		); err != nil {
			logger.Warn("Failed to register key rotation latency histogram: %v", err)
		}

		if keyManagerRetrievalTries, err = keyManagerMeter.Int64Counter(
			"wylloh_key_manager_retrieval_attempts_total",
			metric.WithDescription("Ciphertext download attempts, by endpoint and result"),
		); err != nil {
			logger.Warn("Failed to register retrieval attempt counter: %v", err)
		}

		if keyManagerRecoveryOps, err = keyManagerMeter.Int64Counter(
			"wylloh_key_manager_recovery_operations_total",
			metric.WithDescription("Recovery envelope publishes and recoveries"),
		); err != nil {
			logger.Warn("Failed to register recovery counter: %v", err)
		}
	})
}

func startKeyManagerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	initKeyManagerTelemetry()
	if keyManagerTracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return keyManagerTracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordKeyManagerCacheEvent(cacheName string, hit bool) {
	initKeyManagerTelemetry()
	if keyManagerCacheEvents == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	keyManagerCacheEvents.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("cache", cacheName),
			attribute.String("result", result),
		))
}

func recordStorageLatency(ctx context.Context, operation string, duration time.Duration, err error) {
	initKeyManagerTelemetry()
	if keyManagerStorageLatency == nil {
		return
	}
	keyManagerStorageLatency.Record(safeContext(ctx), float64(duration.Milliseconds()),
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.Bool("error", err != nil),
		))
}

// recordReplicaFailure matches kvstore.FailureHook.
func recordReplicaFailure(op, replica string, _ error) {
	initKeyManagerTelemetry()
	if keyManagerReplicaFailures == nil {
		return
	}
	keyManagerReplicaFailures.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("replica", replica),
		))
}

func recordRetrieveOutcome(ctx context.Context, outcome string) {
	initKeyManagerTelemetry()
	if keyManagerRetrieveOutcomes == nil {
		return
	}
	keyManagerRetrieveOutcomes.Add(safeContext(ctx), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordKeyRotationLatency(ctx context.Context, duration time.Duration, success bool) {
	initKeyManagerTelemetry()
	if keyManagerRotationLatency == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	keyManagerRotationLatency.Record(safeContext(ctx), float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.String("result", result)))
}

// recordRetrievalAttempt matches retrieval.AttemptHook.
func recordRetrievalAttempt(endpoint string, ok bool, _ time.Duration) {
	initKeyManagerTelemetry()
	if keyManagerRetrievalTries == nil {
		return
	}
	keyManagerRetrievalTries.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.Bool("ok", ok),
		))
}

func recordRecoveryOp(ctx context.Context, op string, ok bool) {
	initKeyManagerTelemetry()
	if keyManagerRecoveryOps == nil {
		return
	}
	keyManagerRecoveryOps.Add(safeContext(ctx), 1,
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.Bool("ok", ok),
		))
}

func safeContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
