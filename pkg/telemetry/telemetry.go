// Package telemetry provides OpenTelemetry metrics for the orchard engine
// with a Prometheus exporter.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/dagstack/orchard/pkg/types"
)

const (
	// Service name for telemetry
	serviceName = "orchard-task-graph-engine"

	// Metric names
	metricTaskSubmissions = "taskgraph.tasks.submitted.total"
	metricTaskCompletions = "taskgraph.tasks.completed.total"
	metricTaskFailures    = "taskgraph.tasks.failed.total"
	metricTaskRetries     = "taskgraph.tasks.retried.total"
	metricRecoveryTasks   = "taskgraph.tasks.recovery.total"
	metricTaskDuration    = "taskgraph.task.duration"
	metricNodesPruned     = "taskgraph.nodes.pruned.total"
	metricReplicasPruned  = "taskgraph.replicas.pruned.total"
	metricGraphExecutions = "taskgraph.executions.total"
	metricGraphDuration   = "taskgraph.execution.duration"
)

// Provider manages OpenTelemetry setup and provides access to meters.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	// Metrics instruments
	taskSubmissions metric.Int64Counter
	taskCompletions metric.Int64Counter
	taskFailures    metric.Int64Counter
	taskRetries     metric.Int64Counter
	recoveryTasks   metric.Int64Counter
	taskDuration    metric.Float64Histogram
	nodesPruned     metric.Int64Counter
	replicasPruned  metric.Int64Counter
	graphExecutions metric.Int64Counter
	graphDuration   metric.Float64Histogram

	mu sync.RWMutex
}

// Config holds telemetry configuration
type Config struct {
	// ServiceName is the name of the service for telemetry
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Environment (e.g., "production", "staging", "development")
	Environment string

	// EnableMetrics enables metrics collection
	EnableMetrics bool
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    "development",
		EnableMetrics:  true,
	}
}

// NewProvider creates a new telemetry provider with Prometheus metrics
// exporter.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if config.EnableMetrics {
		if err := provider.initMetrics(res); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	return provider, nil
}

// initMetrics initializes the metrics provider with Prometheus exporter
func (p *Provider) initMetrics(res *resource.Resource) error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(serviceName)

	if err := p.createMetricInstruments(); err != nil {
		return fmt.Errorf("failed to create metric instruments: %w", err)
	}

	return nil
}

// createMetricInstruments creates all metric instruments
func (p *Provider) createMetricInstruments() error {
	var err error

	p.taskSubmissions, err = p.meter.Int64Counter(
		metricTaskSubmissions,
		metric.WithDescription("Total number of task submissions"),
	)
	if err != nil {
		return err
	}

	p.taskCompletions, err = p.meter.Int64Counter(
		metricTaskCompletions,
		metric.WithDescription("Total number of regular task completions"),
	)
	if err != nil {
		return err
	}

	p.taskFailures, err = p.meter.Int64Counter(
		metricTaskFailures,
		metric.WithDescription("Total number of task failures"),
	)
	if err != nil {
		return err
	}

	p.taskRetries, err = p.meter.Int64Counter(
		metricTaskRetries,
		metric.WithDescription("Total number of task retries"),
	)
	if err != nil {
		return err
	}

	p.recoveryTasks, err = p.meter.Int64Counter(
		metricRecoveryTasks,
		metric.WithDescription("Total number of observed recovery tasks"),
	)
	if err != nil {
		return err
	}

	p.taskDuration, err = p.meter.Float64Histogram(
		metricTaskDuration,
		metric.WithDescription("Task execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	p.nodesPruned, err = p.meter.Int64Counter(
		metricNodesPruned,
		metric.WithDescription("Total number of pruned node outputs"),
	)
	if err != nil {
		return err
	}

	p.replicasPruned, err = p.meter.Int64Counter(
		metricReplicasPruned,
		metric.WithDescription("Total number of worker replicas removed by pruning"),
	)
	if err != nil {
		return err
	}

	p.graphExecutions, err = p.meter.Int64Counter(
		metricGraphExecutions,
		metric.WithDescription("Total number of graph executions"),
	)
	if err != nil {
		return err
	}

	p.graphDuration, err = p.meter.Float64Histogram(
		metricGraphDuration,
		metric.WithDescription("Graph execution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Handler returns an http.Handler that exposes the collected metrics in
// Prometheus exposition format. Drivers mount it wherever they serve
// diagnostics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Meter returns the meter for recording metrics
func (p *Provider) Meter() metric.Meter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meter
}

// RecordSubmission records a task submission.
func (p *Provider) RecordSubmission(ctx context.Context, class types.OutputClass) {
	if p.meter == nil {
		return
	}
	p.taskSubmissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("output.class", class.String()),
	))
}

// RecordCompletion records a completed task with its execution duration.
func (p *Provider) RecordCompletion(ctx context.Context, class types.OutputClass, duration time.Duration, recovery bool) {
	if p.meter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("output.class", class.String()),
		attribute.Bool("recovery", recovery),
	}
	if recovery {
		p.recoveryTasks.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		p.taskCompletions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.taskDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordFailure records a failed task attempt and whether it will retry.
func (p *Provider) RecordFailure(ctx context.Context, result string, willRetry bool) {
	if p.meter == nil {
		return
	}
	p.taskFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
	if willRetry {
		p.taskRetries.Add(ctx, 1)
	}
}

// RecordPrune records a pruned node output and the replicas removed.
func (p *Provider) RecordPrune(ctx context.Context, status types.PruneStatus, replicas int) {
	if p.meter == nil {
		return
	}
	p.nodesPruned.Add(ctx, 1, metric.WithAttributes(
		attribute.String("prune.status", status.String()),
	))
	if replicas > 0 {
		p.replicasPruned.Add(ctx, int64(replicas))
	}
}

// RecordGraphExecution records metrics for a whole graph run.
func (p *Provider) RecordGraphExecution(ctx context.Context, duration time.Duration, nodes int, success bool) {
	if p.meter == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.Int("nodes", nodes),
		attribute.Bool("success", success),
	}
	p.graphExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	p.graphDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// Shutdown gracefully shuts down the telemetry provider
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}

	return nil
}
