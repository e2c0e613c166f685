package memory

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("specflow.memory")

var (
	mutationTotal metric.Int64Counter
	metricsOnce   sync.Once
	metricsErr    error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		mutationTotal, metricsErr = meter.Int64Counter(
			"specflow_state_mutations_total",
			metric.WithDescription("Session state mutations by operation and outcome"),
		)
	})
	return metricsErr
}

func recordMutation(ctx context.Context, op string, err error) {
	if initMetrics() != nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mutationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}
