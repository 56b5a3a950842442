// Package metrics exposes Prometheus metrics for the coordinator and its devices.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Report results for PhaseReports.
const (
	ResultReported = "reported"
	ResultTimeout  = "timeout"
	ResultGone     = "gone"
)

// Collector bundles rangerd's metrics.
// A nil *Collector is valid, and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	DevicesConnected prometheus.Gauge
	Cycles           *prometheus.CounterVec
	PhaseReports     *prometheus.CounterVec
	PhaseDurations   *prometheus.HistogramVec
	MalformedLines   prometheus.Counter
	Fixes            *prometheus.CounterVec
}

// New registers rangerd's metrics against reg,
// defaulting to the global Prometheus registry when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	devices, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rangerd_devices_connected",
		Help: "Number of ranging devices currently registered.",
	}), "rangerd_devices_connected")
	if err != nil {
		return nil, err
	}
	cycles, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rangerd_cycles_total",
		Help: "Coordination cycles, labeled by outcome (complete, incomplete, aborted).",
	}, []string{"outcome"}), "rangerd_cycles_total")
	if err != nil {
		return nil, err
	}
	reports, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rangerd_phase_reports_total",
		Help: "Tag report waits per phase, labeled by result (reported, timeout, gone).",
	}, []string{"phase", "result"}), "rangerd_phase_reports_total")
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rangerd_phase_duration_seconds",
		Help:    "Time from role assignment to the end of the tag report wait.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"phase"}), "rangerd_phase_duration_seconds")
	if err != nil {
		return nil, err
	}
	malformed, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rangerd_malformed_lines_total",
		Help: "Report lines that named an expected anchor but did not parse.",
	}), "rangerd_malformed_lines_total")
	if err != nil {
		return nil, err
	}
	fixes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rangerd_fixes_total",
		Help: "Position solves, labeled by result (fix, nofix).",
	}, []string{"result"}), "rangerd_fixes_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		DevicesConnected: devices,
		Cycles:           cycles,
		PhaseReports:     reports,
		PhaseDurations:   durations,
		MalformedLines:   malformed,
		Fixes:            fixes,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetDevices records the current registry size.
func (c *Collector) SetDevices(n int) {
	if c == nil {
		return
	}
	c.DevicesConnected.Set(float64(n))
}

// CycleFinished counts a finished cycle.
func (c *Collector) CycleFinished(outcome string) {
	if c == nil {
		return
	}
	c.Cycles.WithLabelValues(outcome).Inc()
}

// PhaseFinished counts a phase's report wait, and records how long it took.
func (c *Collector) PhaseFinished(phase int, result string, seconds float64) {
	if c == nil {
		return
	}
	label := fmt.Sprintf("%d", phase)
	c.PhaseReports.WithLabelValues(label, result).Inc()
	c.PhaseDurations.WithLabelValues(label).Observe(seconds)
}

// Malformed counts n malformed report lines.
func (c *Collector) Malformed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.MalformedLines.Add(float64(n))
}

// Solved counts a solver outcome.
func (c *Collector) Solved(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.Fixes.WithLabelValues("fix").Inc()
	} else {
		c.Fixes.WithLabelValues("nofix").Inc()
	}
}

// register registers collector, reusing an identical collector that is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, collector T, name string) (T, error) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return collector, nil
}
