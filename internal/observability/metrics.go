package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/3leaps/jobnimbus/pkg/jobs"
)

var (
	// TelemetrySystem holds the metrics of the running server, nil until
	// InitTelemetry succeeds.
	TelemetrySystem *Metrics

	// PrometheusExporter is the reader behind TelemetrySystem.
	PrometheusExporter *prometheus.Exporter
)

// Metrics holds the service's golden signals:
//   - HTTP latency, traffic and errors
//   - job lifecycle transitions and running jobs
//   - transfer latency and failures per scheme
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry
	exporter *prometheus.Exporter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	JobTransitionsTotal metric.Int64Counter
	JobsActive          metric.Int64UpDownCounter

	TransferDuration    metric.Float64Histogram
	TransferErrorsTotal metric.Int64Counter
}

// NewMetrics creates the instruments on a private Prometheus registry and
// returns the handler that exposes it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	_ = ctx
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("jobnimbus")
	m := &Metrics{meter: meter, provider: provider, registry: registry, exporter: exporter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitionsTotal, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Job status transitions by from and to status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of RUNNING jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransferDuration, err = meter.Float64Histogram(
		"transfer_duration_seconds",
		metric.WithDescription("Transfer call latency in seconds, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransferErrorsTotal, err = meter.Int64Counter(
		"transfer_errors_total",
		metric.WithDescription("Total number of failed transfer calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// InitTelemetry creates the process-wide metrics and installs them as the
// global otel meter provider.
func InitTelemetry(ctx context.Context) (http.Handler, error) {
	m, handler, err := NewMetrics(ctx)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	TelemetrySystem = m
	PrometheusExporter = m.exporter
	return handler, nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// Gather returns the current metric families, for health checks and tests.
func (m *Metrics) Gather() (int, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return 0, err
	}
	return len(families), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordTransition records a winning job status transition. It has the
// signature of jobs.TransitionHook once bound to a context.
func (m *Metrics) RecordTransition(ctx context.Context, from, to jobs.Status) {
	m.JobTransitionsTotal.Add(ctx, 1, metric.WithAttributes(fromAttr(from), toAttr(to)))
	switch {
	case to == jobs.StatusRunning:
		m.JobsActive.Add(ctx, 1)
	case from == jobs.StatusRunning && to.IsTerminal():
		m.JobsActive.Add(ctx, -1)
	}
}

// TransitionHook adapts RecordTransition for jobs.WithTransitionHook.
func (m *Metrics) TransitionHook() jobs.TransitionHook {
	return func(from, to jobs.Status) {
		m.RecordTransition(context.Background(), from, to)
	}
}

// RecordTransfer records one transfer call; it matches transfer.Observer.
func (m *Metrics) RecordTransfer(op, scheme string, elapsed time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(opAttr(op), schemeAttr(scheme), successAttr(err == nil))
	m.TransferDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		m.TransferErrorsTotal.Add(ctx, 1, metric.WithAttributes(opAttr(op), schemeAttr(scheme)))
	}
}

func fromAttr(s jobs.Status) attribute.KeyValue {
	return attribute.String(attrFrom, string(s))
}

func toAttr(s jobs.Status) attribute.KeyValue {
	return attribute.String(attrTo, string(s))
}
