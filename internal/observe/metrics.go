// Package observe holds the gateway's logging helpers, response-size stats
// and OpenTelemetry instruments.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics records layer events. A nil *Metrics is valid and records nothing.
type Metrics struct {
	fetches   metric.Int64Counter
	enqueued  metric.Int64Counter
	resolved  metric.Int64Counter
	retained  metric.Int64Counter
	delivered metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("offline0")
	}

	fetches, err := meter.Int64Counter(
		"offline0.fetch.total",
		metric.WithDescription("Intercepted requests by resource class and response source"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	enqueued, err := meter.Int64Counter(
		"offline0.queue.enqueued",
		metric.WithDescription("Mutating requests queued for replay"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}
	resolved, err := meter.Int64Counter(
		"offline0.replay.resolved",
		metric.WithDescription("Queued records confirmed by the origin and removed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}
	retained, err := meter.Int64Counter(
		"offline0.replay.retained",
		metric.WithDescription("Queued records kept after a failed replay attempt"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}
	delivered, err := meter.Int64Counter(
		"offline0.push.delivered",
		metric.WithDescription("Notifications shown on the notification surface"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		fetches:   fetches,
		enqueued:  enqueued,
		resolved:  resolved,
		retained:  retained,
		delivered: delivered,
	}, nil
}

func (m *Metrics) Fetch(ctx context.Context, class, source string) {
	if m == nil {
		return
	}
	m.fetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("source", source),
	))
}

func (m *Metrics) Enqueued(ctx context.Context) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1)
}

func (m *Metrics) Resolved(ctx context.Context) {
	if m == nil {
		return
	}
	m.resolved.Add(ctx, 1)
}

// Retained counts a record left in the queue; reason is "network" or "rejected".
func (m *Metrics) Retained(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.retained.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) Delivered(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
