// Package metrics exposes Prometheus collectors for workflow runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meroflow"

// Recorder receives run, step and readiness observations. A nil *Collectors
// is a valid Recorder that drops everything.
type Recorder interface {
	RunFinished(workflow string, success bool, d time.Duration)
	StepFinished(kind string, success bool, d time.Duration)
	NodeReady(node string, d time.Duration)
	NodesNotReady(n int)
}

// Collectors holds the registered Prometheus collectors.
type Collectors struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	readyDuration *prometheus.HistogramVec
	notReady      prometheus.Counter
}

// New creates collectors registered on a fresh registry.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow runs by outcome",
		}, []string{"workflow", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Wall time of workflow runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"workflow"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Dispatched steps by kind and outcome",
		}, []string{"kind", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of dispatched steps",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		readyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_ready_seconds",
			Help:      "Time until a node passed its readiness check",
			Buckets:   prometheus.LinearBuckets(2, 4, 15),
		}, []string{"node"}),
		notReady: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_not_ready_total",
			Help:      "Nodes that never became ready within the readiness window",
		}),
	}

	c.registry.MustRegister(
		c.runsTotal,
		c.runDuration,
		c.stepsTotal,
		c.stepDuration,
		c.readyDuration,
		c.notReady,
	)
	return c
}

// Registry returns the underlying registry, for tests and custom exporters.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (c *Collectors) RunFinished(workflow string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(workflow, outcome(success)).Inc()
	c.runDuration.WithLabelValues(workflow).Observe(d.Seconds())
}

func (c *Collectors) StepFinished(kind string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(kind, outcome(success)).Inc()
	c.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collectors) NodeReady(node string, d time.Duration) {
	if c == nil {
		return
	}
	c.readyDuration.WithLabelValues(node).Observe(d.Seconds())
}

func (c *Collectors) NodesNotReady(n int) {
	if c == nil {
		return
	}
	c.notReady.Add(float64(n))
}

// Serve exposes Handler on addr until the server fails. Intended to be run
// in its own goroutine.
func (c *Collectors) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}
