// Package policyengine serves tailored per-request views of the upstream
// graph by running the request pipeline: fetch, filter, wrap, serialize.
package policyengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/openshift/cincinnati/pkg/cincinnati"
	"github.com/openshift/cincinnati/pkg/httphelper"
	"github.com/openshift/cincinnati/pkg/plugins"
)

// MetricsPrefix namespaces all policy-engine metrics.
const MetricsPrefix = "cincinnati_pe"

// Engine answers graph requests by running the configured pipeline per
// request. Requests run concurrently; each owns its PluginIO.
type Engine struct {
	executor        *plugins.Executor
	metrics         *httphelper.Metrics
	mandatoryParams []string

	// ready flips once the first request obtained an upstream graph.
	ready atomic.Bool
}

// NewEngine builds the engine over the request pipeline.
func NewEngine(executor *plugins.Executor, metrics *httphelper.Metrics, mandatoryParams []string) *Engine {
	sorted := make([]string, len(mandatoryParams))
	copy(sorted, mandatoryParams)
	sort.Strings(sorted)
	return &Engine{
		executor:        executor,
		metrics:         metrics,
		mandatoryParams: sorted,
	}
}

// IsReady reports whether the engine served at least one upstream graph.
func (e *Engine) IsReady() bool { return e.ready.Load() }

// Routes attaches the engine's endpoints below the path prefix. The legacy
// v1 path aliases the same handler.
func (e *Engine) Routes(router *httprouter.Router, pathPrefix string) {
	prefix := pathPrefix
	if prefix == "/" {
		prefix = ""
	}
	graph := e.metrics.HandleWithMetrics(e.GraphHandler)
	router.HandlerFunc(http.MethodGet, prefix+"/graph", graph)
	router.HandlerFunc(http.MethodGet, prefix+"/v1/graph", graph)
	router.HandlerFunc(http.MethodGet, prefix+"/openapi", e.metrics.HandleWithMetrics(OpenAPIHandler(pathPrefix)))
}

// GraphHandler answers a single client graph request.
func (e *Engine) GraphHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var missing []string
	for _, param := range e.mandatoryParams {
		if !query.Has(param) {
			missing = append(missing, param)
		}
	}
	if len(missing) > 0 {
		e.metrics.RecordError("missing_params")
		httphelper.WriteJSONError(w, http.StatusBadRequest, "missing_params",
			(&plugins.MissingParamsError{Params: missing}).Error())
		return
	}

	contentType, err := httphelper.NegotiateGraphContentType(r.Header.Get("Accept"))
	if err != nil {
		e.metrics.RecordError("invalid_content_type")
		httphelper.WriteJSONError(w, http.StatusNotAcceptable, "invalid_content_type",
			"invalid Content-Type requested")
		return
	}

	parameters := map[string]string{
		plugins.ParamContentType: contentType,
	}
	for _, key := range []string{plugins.ParamChannel, plugins.ParamArch, plugins.ParamBaseArch} {
		if query.Has(key) {
			parameters[key] = query.Get(key)
		}
	}
	// id and version are informational only, recorded for logs
	log := logrus.WithFields(logrus.Fields{
		"channel": query.Get("channel"),
		"arch":    query.Get("arch"),
		"id":      query.Get("id"),
		"version": query.Get("version"),
	})
	log.Debug("serving graph request")

	io, result := e.executor.Run(r.Context(), plugins.PluginIO{
		Graph:      cincinnati.NewGraph(),
		Parameters: parameters,
	})
	if result.Err != nil {
		e.writeError(r.Context(), w, result)
		return
	}
	e.ready.Store(true)

	body, err := e.serialize(io)
	if err != nil {
		e.metrics.RecordError("internal_error")
		httphelper.WriteJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.WithError(err).Debug("failed to write graph response")
	}
}

// serialize emits the response body, wrapping with the schema version when
// the pipeline marked the graph as versioned.
func (e *Engine) serialize(io plugins.PluginIO) ([]byte, error) {
	if _, versioned := io.Parameters[plugins.ParamGraphVersion]; versioned {
		return json.Marshal(cincinnati.VersionedGraph{Version: cincinnati.MinGraphVersion, Graph: io.Graph})
	}
	return json.Marshal(io.Graph)
}

// writeError maps a pipeline failure onto the HTTP error taxonomy.
func (e *Engine) writeError(ctx context.Context, w http.ResponseWriter, result plugins.Result) {
	err := result.Err

	var missing *plugins.MissingParamsError
	if errors.As(err, &missing) {
		e.metrics.RecordError("missing_params")
		httphelper.WriteJSONError(w, http.StatusBadRequest, "missing_params", missing.Error())
		return
	}
	var invalid *plugins.InvalidParamsError
	if errors.As(err, &invalid) {
		e.metrics.RecordError("invalid_params")
		httphelper.WriteJSONError(w, http.StatusBadRequest, "invalid_params", invalid.Error())
		return
	}

	var badStatus *plugins.UpstreamBadStatusError
	var unreachable *plugins.UpstreamUnreachableError
	if errors.As(err, &unreachable) || errors.As(err, &badStatus) ||
		errors.Is(err, context.DeadlineExceeded) {
		e.metrics.RecordError("upstream_unreachable")
		httphelper.WriteJSONError(w, http.StatusBadGateway, "upstream_unreachable", err.Error())
		return
	}
	var malformed *plugins.UpstreamMalformedError
	if errors.As(err, &malformed) {
		e.metrics.RecordError("upstream_malformed")
		httphelper.WriteJSONError(w, http.StatusBadGateway, "upstream_malformed", err.Error())
		return
	}

	if result.State == plugins.StateCancelled || ctx.Err() != nil {
		// the client went away; nobody reads this response
		logrus.WithError(err).Debug("request cancelled")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	e.metrics.RecordError("internal_error")
	httphelper.WriteJSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

// StatusMux assembles the status-port handler.
func StatusMux(engine *Engine, registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) {
		if engine.IsReady() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
