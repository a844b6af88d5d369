package events

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names recorded by the event bus
const (
	MetricEventsDelivered = "netflow.events.delivered"
	MetricEventsDropped   = "netflow.events.dropped"
	MetricSubscribers     = "netflow.events.subscribers"
)

// OTelMetricsRecorder records bus activity as OpenTelemetry instruments.
// Instrument creation errors leave that instrument unset; recording then skips it.
type OTelMetricsRecorder struct {
	delivered   metric.Int64Counter
	dropped     metric.Int64Counter
	subscribers metric.Int64UpDownCounter
}

// NewOTelMetricsRecorder creates a recorder on the given meter provider; nil uses the global one.
func NewOTelMetricsRecorder(provider metric.MeterProvider) *OTelMetricsRecorder {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("go-net-flow/events")
	r := &OTelMetricsRecorder{}
	r.delivered, _ = meter.Int64Counter(MetricEventsDelivered, metric.WithDescription("case events handed to subscribers"))
	r.dropped, _ = meter.Int64Counter(MetricEventsDropped, metric.WithDescription("case events lagging subscribers had no room for"))
	r.subscribers, _ = meter.Int64UpDownCounter(MetricSubscribers)
	return r
}

func (r *OTelMetricsRecorder) RecordDelivered(eventType EventType, subscribers int) {
	if r.delivered != nil {
		r.delivered.Add(context.Background(), int64(subscribers), metric.WithAttributes(attribute.String("event.type", string(eventType))))
	}
}

func (r *OTelMetricsRecorder) RecordDropped(eventType EventType) {
	if r.dropped != nil {
		r.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event.type", string(eventType))))
	}
}

func (r *OTelMetricsRecorder) RecordSubscribers(delta int) {
	if r.subscribers != nil && delta != 0 {
		r.subscribers.Add(context.Background(), int64(delta))
	}
}

var _ MetricsRecorder = (*OTelMetricsRecorder)(nil)
