// Package store persists profiles, plans, deliveries, alerts and catalog
// items in Postgres. Idempotency rests on the unique constraints
// (user_id, plan_date) and (plan_id, scheduled_at) plus ON CONFLICT DO NOTHING.
package store

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type Store struct {
	DB *sql.DB
}

var (
	metricsOnce    sync.Once
	planWrites     otelmetric.Int64Counter
	deliveryWrites otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	planWrites, err = meter.Int64Counter("plan_writes_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	deliveryWrites, err = meter.Int64Counter("delivery_writes_total")
	if err != nil {
		metricsInitErr = err
	}
}

func recordPlanWrite(ctx context.Context, outcome string) {
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && planWrites != nil {
		planWrites.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func recordDeliveryWrite(ctx context.Context, outcome string) {
	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && deliveryWrites != nil {
		deliveryWrites.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.DB.Close() }
