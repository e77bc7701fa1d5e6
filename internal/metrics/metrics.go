// Package metrics exposes harness counters and latencies to Prometheus.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flowcheck"

// Collector implements the observer hooks of the wait, locator, window and
// scenario packages.
type Collector struct {
	waits          *prometheus.CounterVec
	waitDuration   *prometheus.HistogramVec
	resolutions    *prometheus.CounterVec
	resolveLatency prometheus.Histogram
	navigations    *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	scenarios      *prometheus.CounterVec
	scenarioTime   *prometheus.HistogramVec
	runs           *prometheus.CounterVec
	runsInFlight   prometheus.Gauge
}

// New registers every metric on reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		waits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waits_total",
			Help:      "Condition waits by outcome.",
		}, []string{"outcome"}),
		waitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_duration_seconds",
			Help:      "Time spent polling a condition.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locator_resolutions_total",
			Help:      "Element resolutions by result: primary, fallback or not_found.",
		}, []string{"result"}),
		resolveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "locator_resolution_seconds",
			Help:      "Time to resolve a candidate set.",
			Buckets:   prometheus.DefBuckets,
		}),
		navigations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_navigations_total",
			Help:      "External navigations by kind and result.",
		}, []string{"navigation", "result"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Recorded check outcomes.",
		}, []string{"result"}),
		scenarios: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scenarios_total",
			Help:      "Finished scenarios by name and status.",
		}, []string{"scenario", "status"}),
		scenarioTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scenario_duration_seconds",
			Help:      "Scenario wall time.",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"scenario"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Queued runs by terminal status.",
		}, []string{"status"}),
		runsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Runs currently executing.",
		}),
	}
}

// ObserveWait records a finished wait.
func (c *Collector) ObserveWait(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.waits.WithLabelValues(outcome).Inc()
	c.waitDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveResolve records a finished resolution; priority -1 means not found.
func (c *Collector) ObserveResolve(priority int, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "fallback"
	switch {
	case priority < 0:
		result = "not_found"
	case priority == 0:
		result = "primary"
	}
	c.resolutions.WithLabelValues(result).Inc()
	c.resolveLatency.Observe(elapsed.Seconds())
}

// ObserveWindow records a correlated external navigation.
func (c *Collector) ObserveWindow(navigation, result string, _ time.Duration) {
	if c == nil {
		return
	}
	c.navigations.WithLabelValues(navigation, result).Inc()
}

// ObserveVerification records one check outcome.
func (c *Collector) ObserveVerification(passed bool) {
	if c == nil {
		return
	}
	result := "passed"
	if !passed {
		result = "failed"
	}
	c.verifications.WithLabelValues(result).Inc()
}

// ObserveScenario records a finished scenario.
func (c *Collector) ObserveScenario(name, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.scenarios.WithLabelValues(name, status).Inc()
	c.scenarioTime.WithLabelValues(name).Observe(elapsed.Seconds())
}

// RunStarted marks a queued run as executing.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsInFlight.Inc()
}

// RunFinished records the terminal status of a queued run.
func (c *Collector) RunFinished(status string) {
	if c == nil {
		return
	}
	c.runsInFlight.Dec()
	c.runs.WithLabelValues(status).Inc()
}
