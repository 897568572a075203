package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/timetravel/internal/progress"
)

// PrometheusSink derives resolution metrics from the progress stream.
type PrometheusSink struct {
	started   prometheus.Counter
	completed *prometheus.CounterVec
	running   prometheus.Gauge
	runtime   *prometheus.HistogramVec

	depotLookups  *prometheus.CounterVec
	depotDuration *prometheus.HistogramVec
	submissions   *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timetravel_progress_resolutions_started_total",
			Help: "Resolutions that have started.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timetravel_progress_resolutions_completed_total",
			Help: "Resolutions completed partitioned by result.",
		}, []string{"result"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timetravel_progress_resolutions_running",
			Help: "Resolutions currently in flight.",
		}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timetravel_progress_resolution_seconds",
			Help:    "Wall time per completed resolution.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900},
		}, []string{"result"}),
		depotLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timetravel_progress_depot_lookups_total",
			Help: "Depot lookups partitioned by depot and status class.",
		}, []string{"depot", "status_class"}),
		depotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timetravel_progress_depot_lookup_seconds",
			Help:    "Depot lookup latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"depot"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timetravel_progress_submissions_total",
			Help: "Finished submission attempts partitioned by submitter and outcome.",
		}, []string{"submitter", "outcome"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.started, s.completed, s.running, s.runtime,
		s.depotLookups, s.depotDuration, s.submissions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageResolveStart:
			s.started.Inc()
			if s.tracker.start(runKey(evt)) {
				s.running.Inc()
			}
		case progress.StageResolveDone:
			s.finish(evt, "success")
		case progress.StageResolveError:
			s.finish(evt, "error")
		case progress.StageDepotDone:
			s.depotLookups.WithLabelValues(evt.Archive, string(evt.StatusClass)).Inc()
			if evt.Dur > 0 {
				s.depotDuration.WithLabelValues(evt.Archive).Observe(evt.Dur.Seconds())
			}
		case progress.StageSubmitDone:
			outcome := evt.Outcome
			if outcome == "" {
				outcome = "unknown"
			}
			s.submissions.WithLabelValues(evt.Archive, outcome).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.completed.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runtime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(runKey(evt)) {
		s.running.Dec()
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func runKey(evt progress.Event) string {
	if evt.ResolutionID != "" {
		return evt.ResolutionID
	}
	return evt.URL
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *runTracker) complete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
