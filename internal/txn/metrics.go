package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("specflow.txn")

var (
	commitTotal    metric.Int64Counter
	rollbackTotal  metric.Int64Counter
	txnDuration    metric.Float64Histogram
	filesPerTxn    metric.Int64Histogram
	metricsOnce    sync.Once
	metricsErr     error
	metricsEnabled atomic.Bool
)

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled turns instrument recording on or off.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if commitTotal, err = meter.Int64Counter(
			"specflow_txn_commit_total",
			metric.WithDescription("Committed file transactions"),
		); err != nil {
			metricsErr = err
			return
		}
		if rollbackTotal, err = meter.Int64Counter(
			"specflow_txn_rollback_total",
			metric.WithDescription("Rolled back file transactions"),
		); err != nil {
			metricsErr = err
			return
		}
		if txnDuration, err = meter.Float64Histogram(
			"specflow_txn_duration_seconds",
			metric.WithDescription("Time spent executing a file transaction"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		filesPerTxn, metricsErr = meter.Int64Histogram(
			"specflow_txn_files",
			metric.WithDescription("Files touched per transaction"),
		)
	})
	return metricsErr
}

func recordCommit(ctx context.Context, d time.Duration, files int) {
	record(ctx, "committed", d, files)
}

func recordRollback(ctx context.Context, d time.Duration, files int) {
	record(ctx, "rolled_back", d, files)
}

func record(ctx context.Context, status string, d time.Duration, files int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	if status == "committed" {
		commitTotal.Add(ctx, 1)
	} else {
		rollbackTotal.Add(ctx, 1)
	}
	txnDuration.Record(ctx, d.Seconds(), attrs)
	filesPerTxn.Record(ctx, int64(files), attrs)
}
