// Package metrics defines small instrumentation interfaces so the engine
// packages stay decoupled from any concrete backend (Prometheus, StatsD, ...).
package metrics

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
}

// Histogram samples observations, e.g. operation latencies.
type Histogram interface {
	Observe(value float64)
}

// Timer measures the duration of one operation. ObserveDuration records the
// elapsed time since the timer was created.
type Timer interface {
	ObserveDuration()
}
