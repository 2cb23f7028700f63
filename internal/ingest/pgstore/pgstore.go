// Package pgstore provides a PostgreSQL implementation of ingest.Store.
package pgstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/locus/internal/location"
)

var tracer = otel.Tracer("github.com/linnemanlabs/locus/internal/ingest/pgstore")

//go:embed schema.sql
var schema string

// Store persists audit records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// PersistPing inserts an accepted ping. Re-inserting an event ID is a no-op.
func (s *Store) PersistPing(ctx context.Context, p *location.Ping) error {
	ctx, span := startSpan(ctx, "pgstore.PersistPing", "INSERT")
	defer span.End()

	receivedAt := p.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO device_pings (event_id, device_id, lat, lon, h3_hex, ts, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id) DO NOTHING`,
		p.EventID, p.DeviceID, p.Lat, p.Lon, p.Cell, p.Timestamp, receivedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert ping: %w", err))
	}
	return nil
}

// RecordDelivery inserts a delivered offer. Re-inserting a dispatch ID is a no-op.
func (s *Store) RecordDelivery(ctx context.Context, d *location.Delivery) error {
	ctx, span := startSpan(ctx, "pgstore.RecordDelivery", "INSERT")
	defer span.End()

	sentAt := d.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO delivered_offers (id, device_id, h3_hex, condition, event_ts, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		d.DispatchID, d.DeviceID, d.Cell, d.Condition, d.EventTime, sentAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert delivery: %w", err))
	}
	return nil
}

// ListDeliveries returns up to limit deliveries for deviceID, newest first.
func (s *Store) ListDeliveries(ctx context.Context, deviceID string, limit int) ([]location.Delivery, error) {
	ctx, span := startSpan(ctx, "pgstore.ListDeliveries", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, device_id, h3_hex, condition, event_ts, sent_at
		 FROM delivered_offers WHERE device_id = $1
		 ORDER BY sent_at DESC LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query deliveries: %w", err))
	}
	defer rows.Close()

	var out []location.Delivery
	for rows.Next() {
		var d location.Delivery
		if err := rows.Scan(&d.DispatchID, &d.DeviceID, &d.Cell, &d.Condition, &d.EventTime, &d.SentAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan delivery: %w", err))
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate deliveries: %w", err))
	}

	span.SetAttributes(attribute.Int("db.response.returned_rows", len(out)))
	return out, nil
}
