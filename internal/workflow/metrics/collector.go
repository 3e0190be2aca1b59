// Package metrics turns execution transition events into prometheus series.
package metrics

import (
	"context"

	"flowstudio/internal/workflow/events"
	"flowstudio/internal/workflow/models"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runDuration   prometheus.Histogram
	nodesFinished *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	nodesRunning  prometheus.Gauge
	graphEdits    *prometheus.CounterVec
}

// NewCollector registers the flowstudio series on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowstudio_runs_started_total",
			Help: "Runs that entered the running state",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstudio_runs_finished_total",
			Help: "Runs that reached a terminal state",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowstudio_run_duration_seconds",
			Help:    "Wall time of finished runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		nodesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstudio_node_executions_total",
			Help: "Node executions by final status",
		}, []string{"status", "category"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowstudio_node_duration_seconds",
			Help:    "Duration of finished node attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		nodesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowstudio_nodes_running",
			Help: "Node attempts currently executing",
		}),
		graphEdits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstudio_graph_edits_total",
			Help: "Accepted graph edits",
		}, []string{"element", "action"}),
	}
	reg.MustRegister(c.runsStarted, c.runsFinished, c.runDuration, c.nodesFinished, c.nodeDuration, c.nodesRunning, c.graphEdits)
	return c
}

// Consume records every event from ch until ctx ends or ch is closed.
func (slf *Collector) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			slf.Observe(event)
		}
	}
}

func (slf *Collector) Observe(event events.Event) {
	switch p := event.Payload.(type) {
	case events.RunTransition:
		slf.observeRun(p)
	case events.NodeTransition:
		slf.observeNode(p)
	case events.NodeChange:
		slf.graphEdits.WithLabelValues("node", string(p.Action)).Inc()
	case events.EdgeChange:
		slf.graphEdits.WithLabelValues("edge", string(p.Action)).Inc()
	}
}

func (slf *Collector) observeRun(p events.RunTransition) {
	if p.To == models.RunStatusRunning && p.From == models.RunStatusPending {
		slf.runsStarted.Inc()
		return
	}
	if !p.To.IsTerminal() {
		return
	}
	slf.runsFinished.WithLabelValues(string(p.To)).Inc()
	if p.Run.EndTime != nil {
		slf.runDuration.Observe(p.Run.EndTime.Sub(p.Run.StartTime).Seconds())
	}
}

func (slf *Collector) observeNode(p events.NodeTransition) {
	if p.To == models.NodeStatusRunning {
		slf.nodesRunning.Inc()
		return
	}
	if p.From == models.NodeStatusRunning {
		slf.nodesRunning.Dec()
	}
	if !p.To.IsTerminal() {
		return
	}
	slf.nodesFinished.WithLabelValues(string(p.To), string(p.Execution.ErrorCategory)).Inc()
	if p.Execution.StartTime != nil && p.Execution.EndTime != nil {
		slf.nodeDuration.WithLabelValues(string(p.To)).Observe(p.Execution.EndTime.Sub(*p.Execution.StartTime).Seconds())
	}
}
