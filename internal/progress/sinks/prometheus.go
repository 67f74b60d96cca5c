package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/datasource-broker/internal/progress"
)

// PrometheusSink exports connector progress via Prometheus: job lifecycle
// counters plus per-job item gauges.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	itemsTotal    *prometheus.GaugeVec
	itemsDone     *prometheus.GaugeVec
	remaining     *prometheus.GaugeVec

	running *runningSet
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasource_fetch_started_total",
			Help: "Fetches that reported a started status, by connector.",
		}, []string{"job"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasource_fetch_finished_total",
			Help: "Fetches that finished, by connector and result.",
		}, []string{"job", "result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasource_fetch_running",
			Help: "Fetches currently between started and finished.",
		}),
		itemsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datasource_fetch_items_total",
			Help: "Declared item total of the latest fetch, by connector.",
		}, []string{"job"}),
		itemsDone: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datasource_fetch_items_processed",
			Help: "Items processed by the latest fetch, by connector.",
		}, []string{"job"}),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "datasource_fetch_estimated_remaining_seconds",
			Help: "Estimated seconds until the latest fetch finishes, by connector.",
		}, []string{"job"}),
		running: newRunningSet(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.itemsTotal,
		s.itemsDone,
		s.remaining,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindProgress:
			s.itemsTotal.WithLabelValues(evt.Job).Set(float64(evt.TotalItems))
			s.itemsDone.WithLabelValues(evt.Job).Set(float64(evt.ProcessedItems))
			s.remaining.WithLabelValues(evt.Job).Set(evt.EstimatedRemaining.Seconds())
		case progress.KindStatus:
			s.handleStatus(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) handleStatus(evt progress.Event) {
	switch evt.Status {
	case progress.StatusStarted:
		s.jobsStarted.WithLabelValues(evt.Job).Inc()
		s.running.start(evt.Job)
		s.jobsRunning.Inc()
		return
	case progress.StatusCompleted:
		s.jobsCompleted.WithLabelValues(evt.Job, "success").Inc()
		s.remaining.WithLabelValues(evt.Job).Set(0)
	case progress.StatusFailed:
		s.jobsCompleted.WithLabelValues(evt.Job, "error").Inc()
	}
	if s.running.finish(evt.Job) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningSet struct {
	mu      sync.Mutex
	running map[string]int
}

func newRunningSet() *runningSet {
	return &runningSet{running: make(map[string]int)}
}

func (r *runningSet) start(job string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[job]++
}

func (r *runningSet) finish(job string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[job] == 0 {
		return false
	}
	r.running[job]--
	if r.running[job] == 0 {
		delete(r.running, job)
	}
	return true
}
