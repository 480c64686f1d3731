package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/markus-lassfolk/linkfailover/pkg"
)

const namespace = "failoverd"

// Registry holds all daemon metrics on a private prometheus registry
type Registry struct {
	reg *prometheus.Registry

	CyclesTotal     *prometheus.CounterVec
	ReordersTotal   *prometheus.CounterVec
	ProbesTotal     *prometheus.CounterVec
	ResetsTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	InterfaceUsable *prometheus.GaugeVec
	LastReorder     prometheus.Gauge
	StartTime       prometheus.Gauge
}

// NewRegistry creates the registry with process and Go runtime collectors
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	r := &Registry{reg: reg}

	r.CyclesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Poll cycles completed, by outcome",
	}, []string{"outcome"})

	r.ReordersTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reorders_total",
		Help:      "Service order writes, by new primary service",
	}, []string{"primary"})

	r.ProbesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Router reachability probes, by result",
	}, []string{"result"})

	r.ResetsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resets_total",
		Help:      "Wired interface resets, by result",
	}, []string{"result"})

	r.CycleDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one poll cycle",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
	})

	r.InterfaceUsable = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interface_usable",
		Help:      "1 when the interface is enabled with a routable IPv4 address",
	}, []string{"interface"})

	r.LastReorder = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_reorder_timestamp_seconds",
		Help:      "Unix time of the last service order write",
	})

	r.StartTime = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "start_time_seconds",
		Help:      "Unix time the daemon started",
	})
	r.StartTime.SetToCurrentTime()

	return r
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveCycle records the outcome and duration of one cycle
func (r *Registry) ObserveCycle(outcome pkg.Outcome, d time.Duration) {
	r.CyclesTotal.WithLabelValues(outcome.String()).Inc()
	r.CycleDuration.Observe(d.Seconds())
}

// ObserveReorder records a service order write
func (r *Registry) ObserveReorder(primary string) {
	r.ReordersTotal.WithLabelValues(primary).Inc()
	r.LastReorder.SetToCurrentTime()
}

// ObserveProbe records one probe result
func (r *Registry) ObserveProbe(reachable bool) {
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	r.ProbesTotal.WithLabelValues(result).Inc()
}

// ObserveReset records one reset attempt
func (r *Registry) ObserveReset(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.ResetsTotal.WithLabelValues(result).Inc()
}

// SetUsable publishes the usability of one interface
func (r *Registry) SetUsable(name string, usable bool) {
	v := 0.0
	if usable {
		v = 1
	}
	r.InterfaceUsable.WithLabelValues(name).Set(v)
}
