package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label names
const (
	LabelPlan    = "plan"
	LabelMode    = "mode"
	LabelResult  = "result"
	LabelClass   = "class"
	LabelAction  = "action"
	LabelOutcome = "outcome"
)

// Metrics holds the balancer and watcher collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	score         *prometheus.GaugeVec
	optimizations *prometheus.CounterVec
	executions    *prometheus.CounterVec
	balancerRuns  *prometheus.CounterVec

	watcherCycles  *prometheus.CounterVec
	watcherActions *prometheus.CounterVec
	throttled      *prometheus.GaugeVec
	out            *prometheus.GaugeVec
}

// New creates the collectors under namespace and registers them together
// with the go runtime and process collectors
func New(namespace string) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		score: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "score",
			Help:      "Distribution score of the last evaluation, lower is better",
		}, []string{LabelPlan}),
		optimizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "optimizations_total",
			Help:      "Optimizer runs by mode and result",
		}, []string{LabelMode, LabelResult}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "plan_executions_total",
			Help:      "Plan executions by result",
		}, []string{LabelResult}),
		balancerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "cycles_total",
			Help:      "Balancer loop wakeups by outcome",
		}, []string{LabelOutcome}),
		watcherCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "cycles_total",
			Help:      "Latency watcher cycles by outcome",
		}, []string{LabelOutcome}),
		watcherActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "actions_total",
			Help:      "Throttle and out commands issued by the watcher",
		}, []string{LabelClass, LabelAction}),
		throttled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "throttled_devices",
			Help:      "Devices with primary affinity 0",
		}, []string{LabelClass}),
		out: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "out_devices",
			Help:      "Devices marked out",
		}, []string{LabelClass}),
	}

	for _, c := range []prometheus.Collector{
		m.score, m.optimizations, m.executions, m.balancerRuns,
		m.watcherCycles, m.watcherActions, m.throttled, m.out,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveScore records the score of an evaluated plan or of the cluster
func (m *Metrics) ObserveScore(plan string, score float64) {
	m.score.WithLabelValues(plan).Set(score)
}

// PlanOptimized counts one optimizer run
func (m *Metrics) PlanOptimized(mode, result string) {
	m.optimizations.WithLabelValues(mode, result).Inc()
}

// PlanExecuted counts one plan execution
func (m *Metrics) PlanExecuted(result string) {
	m.executions.WithLabelValues(result).Inc()
}

// BalancerCycle counts one balancer wakeup
func (m *Metrics) BalancerCycle(outcome string) {
	m.balancerRuns.WithLabelValues(outcome).Inc()
}

// WatcherCycle counts one watcher cycle
func (m *Metrics) WatcherCycle(outcome string) {
	m.watcherCycles.WithLabelValues(outcome).Inc()
}

// WatcherAction counts one watcher command
func (m *Metrics) WatcherAction(class, action string) {
	m.watcherActions.WithLabelValues(class, action).Inc()
}

// WatcherDevices sets the throttled and out gauges of class
func (m *Metrics) WatcherDevices(class string, throttled, out int) {
	m.throttled.WithLabelValues(class).Set(float64(throttled))
	m.out.WithLabelValues(class).Set(float64(out))
}
