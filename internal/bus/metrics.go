package bus

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "deskline/api/internal/bus"

type Metrics struct {
	PublishedTotal     metric.Int64Counter
	PublishFailedTotal metric.Int64Counter
	AckedTotal         metric.Int64Counter
	RequeuedTotal      metric.Int64Counter
	DeadLetteredTotal  metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)
	m := &Metrics{}

	m.PublishedTotal, _ = meter.Int64Counter(
		"deskline.bus.published.total",
		metric.WithDescription("Envelopes appended to an exchange stream"),
		metric.WithUnit("{envelope}"),
	)
	m.PublishFailedTotal, _ = meter.Int64Counter(
		"deskline.bus.publish.failed.total",
		metric.WithDescription("Publish calls dropped because the bus was unavailable"),
		metric.WithUnit("{envelope}"),
	)
	m.AckedTotal, _ = meter.Int64Counter(
		"deskline.bus.acked.total",
		metric.WithDescription("Entries handled successfully and acknowledged"),
		metric.WithUnit("{envelope}"),
	)
	m.RequeuedTotal, _ = meter.Int64Counter(
		"deskline.bus.requeued.total",
		metric.WithDescription("Entries requeued after a handler failure"),
		metric.WithUnit("{envelope}"),
	)
	m.DeadLetteredTotal, _ = meter.Int64Counter(
		"deskline.bus.dead_lettered.total",
		metric.WithDescription("Entries moved to a dead-letter stream"),
		metric.WithUnit("{envelope}"),
	)
	return m
}

func publishAttrs(exchange, routingKey string) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("routing_key", routingKey),
	)
}

func queueAttrs(queue string) metric.AddOption {
	return metric.WithAttributes(attribute.String("queue", queue))
}

func (m *Metrics) published(ctx context.Context, exchange, routingKey string) {
	m.PublishedTotal.Add(ctx, 1, publishAttrs(exchange, routingKey))
}

func (m *Metrics) publishFailed(ctx context.Context, exchange, routingKey string) {
	m.PublishFailedTotal.Add(ctx, 1, publishAttrs(exchange, routingKey))
}
