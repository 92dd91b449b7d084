// Package graphbuilder drives the periodic scrape-and-build loop and serves
// the published graph snapshot over HTTP.
package graphbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openshift/cincinnati/pkg/cincinnati"
	"github.com/openshift/cincinnati/pkg/httphelper"
	"github.com/openshift/cincinnati/pkg/plugins"
)

// MetricsPrefix namespaces all graph-builder metrics.
const MetricsPrefix = "cincinnati_gb"

// Snapshot is one published build result. Snapshots are immutable; readers
// obtain a reference and never block the builder.
type Snapshot struct {
	JSON    []byte
	Graph   *cincinnati.Graph
	BuiltAt time.Time
}

// State is the shared slot between the build loop (single writer) and the
// HTTP handlers (many readers). Publication is an atomic pointer swap.
type State struct {
	snapshot atomic.Pointer[Snapshot]
	live     atomic.Bool

	mandatoryParams []string
}

// NewState returns an empty state requiring the given client parameters.
func NewState(mandatoryParams []string) *State {
	sorted := make([]string, len(mandatoryParams))
	copy(sorted, mandatoryParams)
	sort.Strings(sorted)
	return &State{mandatoryParams: sorted}
}

// Snapshot returns the currently published snapshot, nil before the first
// successful build.
func (s *State) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Publish atomically replaces the current snapshot.
func (s *State) Publish(snapshot *Snapshot) {
	s.snapshot.Store(snapshot)
}

// IsLive reports whether the build loop is running.
func (s *State) IsLive() bool { return s.live.Load() }

// IsReady reports whether a snapshot is available to serve.
func (s *State) IsReady() bool { return s.Snapshot() != nil }

// Metrics holds the build-loop instruments.
type Metrics struct {
	buildDuration  prometheus.Histogram
	buildFailures  prometheus.Counter
	buildTimestamp prometheus.Gauge
	graphNodes     prometheus.Gauge
	HTTP           *httphelper.Metrics
}

// NewMetrics creates and registers the build-loop instruments.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graph_build_duration_seconds",
			Help:    "Wall-clock duration of graph build attempts.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		buildFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graph_build_failures_total",
			Help: "Failed graph build attempts.",
		}),
		buildTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graph_last_build_timestamp_seconds",
			Help: "Unix timestamp of the last successful graph build.",
		}),
		graphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graph_nodes",
			Help: "Number of releases in the published graph.",
		}),
		HTTP: httphelper.NewMetrics(registerer),
	}
	if registerer != nil {
		registerer.MustRegister(m.buildDuration, m.buildFailures, m.buildTimestamp, m.graphNodes)
	}
	return m
}

// Loop periodically rebuilds the graph through the configured pipeline and
// publishes the result. Exactly one build runs at a time.
type Loop struct {
	executor      *plugins.Executor
	state         *State
	metrics       *Metrics
	pause         time.Duration
	scrapeTimeout time.Duration
}

// NewLoop assembles the build loop.
func NewLoop(executor *plugins.Executor, state *State, metrics *Metrics, pause, scrapeTimeout time.Duration) *Loop {
	return &Loop{
		executor:      executor,
		state:         state,
		metrics:       metrics,
		pause:         pause,
		scrapeTimeout: scrapeTimeout,
	}
}

// Run drives build attempts until the context is cancelled. A failed attempt
// leaves the previous snapshot intact.
func (l *Loop) Run(ctx context.Context) {
	l.state.live.Store(true)
	defer l.state.live.Store(false)

	for {
		if err := l.BuildOnce(ctx); err != nil {
			if ctx.Err() != nil {
				logrus.Info("graph build loop stopping")
				return
			}
			l.metrics.buildFailures.Inc()
			logrus.WithError(err).Error("graph build failed")
		}

		select {
		case <-ctx.Done():
			logrus.Info("graph build loop stopping")
			return
		case <-time.After(l.pause):
		}
	}
}

// BuildOnce runs a single build attempt bounded by the scrape timeout and
// publishes the resulting snapshot on success.
func (l *Loop) BuildOnce(ctx context.Context) error {
	logrus.Debug("graph update triggered")
	buildCtx, cancel := context.WithTimeout(ctx, l.scrapeTimeout)
	defer cancel()

	started := time.Now()
	io, result := l.executor.Run(buildCtx, plugins.PluginIO{
		Graph:      cincinnati.NewGraph(),
		Parameters: map[string]string{},
	})
	l.metrics.buildDuration.Observe(time.Since(started).Seconds())

	switch result.State {
	case plugins.StateSucceeded:
	case plugins.StateCancelled:
		return fmt.Errorf("graph build cancelled at step %d: %w", result.Step, result.Err)
	default:
		return result.Err
	}

	if err := io.Graph.Validate(); err != nil {
		return fmt.Errorf("rejecting built graph: %w", err)
	}
	raw, err := json.Marshal(cincinnati.VersionedGraph{Version: cincinnati.MinGraphVersion, Graph: io.Graph})
	if err != nil {
		return fmt.Errorf("failed to serialize graph: %w", err)
	}

	snapshot := &Snapshot{JSON: raw, Graph: io.Graph, BuiltAt: time.Now()}
	l.state.Publish(snapshot)
	l.metrics.buildTimestamp.Set(float64(snapshot.BuiltAt.Unix()))
	l.metrics.graphNodes.Set(float64(io.Graph.ReleaseCount()))
	logrus.Debugf("graph update completed, %d valid releases", io.Graph.ReleaseCount())
	return nil
}

// GraphHandler serves the published snapshot.
func GraphHandler(state *State, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if missing := missingParams(state.mandatoryParams, r); len(missing) > 0 {
			metrics.HTTP.RecordError("missing_params")
			httphelper.WriteJSONError(w, http.StatusBadRequest, "missing_params",
				(&plugins.MissingParamsError{Params: missing}).Error())
			return
		}

		contentType, err := httphelper.NegotiateGraphContentType(r.Header.Get("Accept"))
		if err != nil {
			metrics.HTTP.RecordError("invalid_content_type")
			httphelper.WriteJSONError(w, http.StatusNotAcceptable, "invalid_content_type",
				"invalid Content-Type requested")
			return
		}

		snapshot := state.Snapshot()
		if snapshot == nil {
			metrics.HTTP.RecordError("internal_error")
			httphelper.WriteJSONError(w, http.StatusServiceUnavailable, "internal_error",
				"graph is not available yet")
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(snapshot.JSON); err != nil {
			logrus.WithError(err).Debug("failed to write graph response")
		}
	}
}

func missingParams(mandatory []string, r *http.Request) []string {
	query := r.URL.Query()
	var missing []string
	for _, param := range mandatory {
		if !query.Has(param) {
			missing = append(missing, param)
		}
	}
	return missing
}
