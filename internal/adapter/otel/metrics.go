package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "taskforge"

// Metrics holds all TaskForge metric instruments.
type Metrics struct {
	TasksCreated    metric.Int64Counter
	TasksDispatched metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksRetried    metric.Int64Counter
	TasksCancelled  metric.Int64Counter
	DispatchLatency metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("taskforge.tasks.created",
		metric.WithDescription("Number of tasks created"))
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("taskforge.tasks.dispatched",
		metric.WithDescription("Number of tasks assigned to workers"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("taskforge.tasks.completed",
		metric.WithDescription("Number of tasks completed successfully"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("taskforge.tasks.failed",
		metric.WithDescription("Number of failed task attempts"))
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("taskforge.tasks.retried",
		metric.WithDescription("Number of tasks requeued for retry"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("taskforge.tasks.cancelled",
		metric.WithDescription("Number of tasks cancelled"))
	if err != nil {
		return nil, err
	}

	m.DispatchLatency, err = meter.Float64Histogram("taskforge.dispatch.latency_seconds",
		metric.WithDescription("Time from queued to assigned"))
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("taskforge.task.duration_seconds",
		metric.WithDescription("Worker-reported task execution duration"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueDepth registers an observable gauge that reports the current
// in-memory queue depth each collection cycle.
func RegisterQueueDepth(depth func() int) error {
	meter := otel.Meter(meterName)
	gauge, err := meter.Int64ObservableGauge("taskforge.queue.depth",
		metric.WithDescription("Tasks waiting in the priority queue"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(depth()))
		return nil
	}, gauge)
	return err
}
