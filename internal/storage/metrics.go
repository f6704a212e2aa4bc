package storage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var poolMeter = otel.GetMeterProvider().Meter("shiki/storage")

// registerPoolMetrics exposes pgxpool stats as observable gauges. With no
// meter provider configured these observations go to the no-op meter.
func registerPoolMetrics(db *DB) (metric.Registration, error) {
	acquired, err := poolMeter.Int64ObservableGauge("db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"))
	if err != nil {
		return nil, fmt.Errorf("storage: register acquired_conns gauge: %w", err)
	}
	idle, err := poolMeter.Int64ObservableGauge("db.pool.idle_conns",
		metric.WithDescription("Idle connections held by the pool"))
	if err != nil {
		return nil, fmt.Errorf("storage: register idle_conns gauge: %w", err)
	}
	total, err := poolMeter.Int64ObservableGauge("db.pool.total_conns",
		metric.WithDescription("Total connections managed by the pool"))
	if err != nil {
		return nil, fmt.Errorf("storage: register total_conns gauge: %w", err)
	}
	maxConns, err := poolMeter.Int64ObservableGauge("db.pool.max_conns",
		metric.WithDescription("Configured pool connection ceiling"))
	if err != nil {
		return nil, fmt.Errorf("storage: register max_conns gauge: %w", err)
	}

	return poolMeter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := db.pool.Stat()
		o.ObserveInt64(acquired, int64(s.AcquiredConns()))
		o.ObserveInt64(idle, int64(s.IdleConns()))
		o.ObserveInt64(total, int64(s.TotalConns()))
		o.ObserveInt64(maxConns, int64(s.MaxConns()))
		return nil
	}, acquired, idle, total, maxConns)
}
