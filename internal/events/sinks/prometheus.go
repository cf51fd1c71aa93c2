package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/mediagen/internal/events"
)

// PrometheusSink derives job throughput metrics from the event stream.
type PrometheusSink struct {
	eventsTotal   *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	cacheServed   prometheus.Counter
	assetsCreated prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagen_events_total",
			Help: "Lifecycle events observed, partitioned by type.",
		}, []string{"type"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediagen_jobs_running",
			Help: "Jobs started on a provider and not yet terminal.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediagen_job_runtime_seconds",
			Help:    "Wall time from creation to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		cacheServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagen_jobs_served_from_cache_total",
			Help: "Jobs completed from the result cache without a provider call.",
		}),
		assetsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagen_assets_created_total",
			Help: "Asset manifests written for completed jobs.",
		}),
		tracker: newJobTracker(),
	}
	var err error
	if s.eventsTotal, err = register(reg, s.eventsTotal); err != nil {
		return nil, err
	}
	if s.jobsRunning, err = register(reg, s.jobsRunning); err != nil {
		return nil, err
	}
	if s.jobRuntime, err = register(reg, s.jobRuntime); err != nil {
		return nil, err
	}
	if s.cacheServed, err = register(reg, s.cacheServed); err != nil {
		return nil, err
	}
	if s.assetsCreated, err = register(reg, s.assetsCreated); err != nil {
		return nil, err
	}
	return s, nil
}

// register adopts an identical collector that is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register event collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
		switch {
		case evt.Type == events.JobStarted:
			if s.tracker.start(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case evt.Type == events.AssetCreated:
			s.assetsCreated.Inc()
		case evt.Type.Terminal():
			if evt.CacheHit {
				s.cacheServed.Inc()
			}
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.JobID) {
				s.jobsRunning.Dec()
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
