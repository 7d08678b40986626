package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the dispatch and scheduler instruments.
type Metrics struct {
	DispatchCount   metric.Int64Counter
	HandlerDuration metric.Float64Histogram
	HandlerErrors   metric.Int64Counter
	GateStops       metric.Int64Counter
	TasksPromoted   metric.Int64Counter
	TasksReaped     metric.Int64Counter
	TasksActive     metric.Int64UpDownCounter
	PluginReloads   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchCount, err = meter.Int64Counter("plugbot.dispatch.count",
		metric.WithDescription("Inbound events dispatched, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerDuration, err = meter.Float64Histogram("plugbot.handler.duration",
		metric.WithDescription("Handler wall time until finish or promotion, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerErrors, err = meter.Int64Counter("plugbot.handler.errors",
		metric.WithDescription("Handler calls that returned an error or panicked"),
	)
	if err != nil {
		return nil, err
	}

	m.GateStops, err = meter.Int64Counter("plugbot.gate.stops",
		metric.WithDescription("Events stopped by a gate before matching"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksPromoted, err = meter.Int64Counter("plugbot.task.promoted",
		metric.WithDescription("Handler calls promoted to background tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReaped, err = meter.Int64Counter("plugbot.task.reaped",
		metric.WithDescription("Background tasks reaped at the hard timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter("plugbot.task.active",
		metric.WithDescription("Background tasks currently tracked"),
	)
	if err != nil {
		return nil, err
	}

	m.PluginReloads, err = meter.Int64Counter("plugbot.plugin.reloads",
		metric.WithDescription("Plugin file loads, by result"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NopMetrics returns instruments backed by the no-op meter.
func NopMetrics() *Metrics {
	m, err := NewMetrics(Disabled().Meter)
	if err != nil {
		panic(err)
	}
	return m
}
