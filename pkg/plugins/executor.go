package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// DefaultExternalTimeout bounds a single External plugin invocation unless
// configured otherwise. Internal plugins run unbounded.
const DefaultExternalTimeout = 30 * time.Second

// RunState is the lifecycle of a pipeline run.
type RunState string

const (
	StatePending   RunState = "Pending"
	StateRunning   RunState = "Running"
	StateSucceeded RunState = "Succeeded"
	StateFailed    RunState = "Failed"
	StateCancelled RunState = "Cancelled"
)

// Result describes how a pipeline run ended.
type Result struct {
	State RunState
	// Step is the zero-based index of the plugin that failed or was running
	// when the run was cancelled; len(plugins) on success.
	Step int
	Err  error
}

// ExecutorMetrics holds the per-plugin observability instruments.
type ExecutorMetrics struct {
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
}

// NewExecutorMetrics creates and registers the executor instruments.
func NewExecutorMetrics(registerer prometheus.Registerer) *ExecutorMetrics {
	m := &ExecutorMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plugin_duration_seconds",
			Help:    "Wall-clock duration of individual plugin invocations.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 300},
		}, []string{"plugin"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plugin_runs_total",
			Help: "Plugin invocations by result.",
		}, []string{"plugin", "result"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.duration, m.runs)
	}
	return m
}

// Executor runs an ordered list of plugins sequentially, feeding the output
// graph of each step into the next. Multiple Run calls may be in flight
// concurrently; plugins within one run never are.
type Executor struct {
	plugins         []Plugin
	externalTimeout time.Duration
	metrics         *ExecutorMetrics
	log             *logrus.Entry
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithExternalTimeout overrides the per-plugin timeout for External plugins.
// A zero duration disables the bound.
func WithExternalTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.externalTimeout = d
	}
}

// WithMetrics attaches executor instruments.
func WithMetrics(m *ExecutorMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithLogger overrides the executor logger.
func WithLogger(log *logrus.Entry) ExecutorOption {
	return func(e *Executor) {
		e.log = log
	}
}

// NewExecutor builds an executor over the given plugin order.
func NewExecutor(plugins []Plugin, opts ...ExecutorOption) *Executor {
	e := &Executor{
		plugins:         plugins,
		externalTimeout: DefaultExternalTimeout,
		log:             logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plugins returns the configured plugin order.
func (e *Executor) Plugins() []Plugin {
	out := make([]Plugin, len(e.plugins))
	copy(out, e.plugins)
	return out
}

// Run invokes each plugin in order. Any plugin error aborts the pipeline and
// surfaces tagged with the plugin name; caller cancellation stops the run at
// the current step. The returned Result always reflects the terminal state.
func (e *Executor) Run(ctx context.Context, io PluginIO) (PluginIO, Result) {
	result := Result{State: StatePending}
	log := e.log
	if id, ok := io.Parameters[ParamRequestID]; ok {
		log = log.WithField("request_id", id)
	}

	for i, plugin := range e.plugins {
		if err := ctx.Err(); err != nil {
			result.State = StateCancelled
			result.Step = i
			result.Err = err
			return io, result
		}
		result.State = StateRunning
		result.Step = i

		pluginCtx := ctx
		var cancel context.CancelFunc
		if plugin.Phase() == PhaseExternal && e.externalTimeout > 0 {
			pluginCtx, cancel = context.WithTimeout(ctx, e.externalTimeout)
		}

		log.WithField("plugin", plugin.Name()).Debug("running plugin")
		started := time.Now()
		next, err := plugin.Transform(pluginCtx, io)
		elapsed := time.Since(started)
		if cancel != nil {
			cancel()
		}
		if e.metrics != nil {
			e.metrics.duration.WithLabelValues(plugin.Name()).Observe(elapsed.Seconds())
		}

		if err != nil {
			if e.metrics != nil {
				e.metrics.runs.WithLabelValues(plugin.Name(), "failure").Inc()
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				result.State = StateCancelled
				result.Err = err
				return io, result
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("timed out after %s: %w", e.externalTimeout, err)
			}
			result.State = StateFailed
			result.Err = &Error{Plugin: plugin.Name(), Phase: plugin.Phase(), Err: err}
			log.WithError(result.Err).WithField("plugin", plugin.Name()).Error("plugin failed")
			return io, result
		}

		if e.metrics != nil {
			e.metrics.runs.WithLabelValues(plugin.Name(), "success").Inc()
		}
		log.WithField("plugin", plugin.Name()).WithField("duration", elapsed).Debug("plugin succeeded")
		io = next
	}

	result.State = StateSucceeded
	result.Step = len(e.plugins)
	result.Err = nil
	return io, result
}
