package case_manager

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"go-net-flow/internal/models"
)

const instrumentationName = "go-net-flow/case"

// Metric names recorded by the case manager
const (
	MetricCasesLaunched   = "netflow.cases.launched"
	MetricCasesFinished   = "netflow.cases.finished"
	MetricCasesActive     = "netflow.cases.active"
	MetricRequestDuration = "netflow.case.request.duration"
)

type caseMetrics struct {
	launched metric.Int64Counter
	finished metric.Int64Counter
	active   metric.Int64UpDownCounter
	duration metric.Float64Histogram
}

func newCaseMetrics(provider metric.MeterProvider) *caseMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	m := &caseMetrics{}
	m.launched, _ = meter.Int64Counter(MetricCasesLaunched, metric.WithDescription("cases launched"))
	m.finished, _ = meter.Int64Counter(MetricCasesFinished, metric.WithDescription("cases that reached a terminal status"))
	m.active, _ = meter.Int64UpDownCounter(MetricCasesActive, metric.WithDescription("cases with a live runner"))
	m.duration, _ = meter.Float64Histogram(MetricRequestDuration, metric.WithUnit("s"))
	return m
}

func (m *caseMetrics) caseLaunched(specID string) {
	if m.launched != nil {
		m.launched.Add(context.Background(), 1, metric.WithAttributes(attribute.String("spec.id", specID)))
	}
	if m.active != nil {
		m.active.Add(context.Background(), 1)
	}
}

func (m *caseMetrics) caseFinished(specID string, status models.CaseStatus) {
	if m.finished != nil {
		m.finished.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("spec.id", specID),
			attribute.String("case.status", string(status)),
		))
	}
	if m.active != nil {
		m.active.Add(context.Background(), -1)
	}
}

func (m *caseMetrics) request(op string, started time.Time, err error) {
	if m.duration == nil {
		return
	}
	m.duration.Record(context.Background(), time.Since(started).Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}
