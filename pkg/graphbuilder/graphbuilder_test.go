package graphbuilder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/cincinnati/pkg/cincinnati"
	"github.com/openshift/cincinnati/pkg/httphelper"
	"github.com/openshift/cincinnati/pkg/plugins"
)

// sourcePlugin is a stand-in for the scrape pipeline.
type sourcePlugin struct {
	graph func() (*cincinnati.Graph, error)
	calls atomic.Int64
}

func (p *sourcePlugin) Name() string { return "test-source" }

func (p *sourcePlugin) Phase() plugins.Phase { return plugins.PhaseInternal }

func (p *sourcePlugin) Transform(_ context.Context, io plugins.PluginIO) (plugins.PluginIO, error) {
	p.calls.Add(1)
	graph, err := p.graph()
	if err != nil {
		return io, err
	}
	return plugins.PluginIO{Graph: graph, Parameters: io.Parameters}, nil
}

func newLoop(source *sourcePlugin, state *State) *Loop {
	executor := plugins.NewExecutor([]plugins.Plugin{source})
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewLoop(executor, state, metrics, 10*time.Millisecond, time.Second)
}

func TestBuildOncePublishesSnapshot(t *testing.T) {
	state := NewState(nil)
	source := &sourcePlugin{graph: func() (*cincinnati.Graph, error) {
		return cincinnati.GenerateGraph(), nil
	}}

	require.False(t, state.IsReady())
	require.NoError(t, newLoop(source, state).BuildOnce(context.Background()))
	require.True(t, state.IsReady())

	snapshot := state.Snapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, 3, snapshot.Graph.ReleaseCount())

	var wire struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.Unmarshal(snapshot.JSON, &wire))
	assert.Equal(t, 1, wire.Version)
}

func TestBuildFailureKeepsPreviousSnapshot(t *testing.T) {
	state := NewState(nil)
	fail := false
	source := &sourcePlugin{graph: func() (*cincinnati.Graph, error) {
		if fail {
			return nil, errors.New("scrape failed")
		}
		return cincinnati.GenerateGraph(), nil
	}}
	loop := newLoop(source, state)

	require.NoError(t, loop.BuildOnce(context.Background()))
	previous := state.Snapshot()

	fail = true
	require.Error(t, loop.BuildOnce(context.Background()))
	assert.Same(t, previous, state.Snapshot())
}

func TestBuildTimeout(t *testing.T) {
	state := NewState(nil)
	source := &sourcePlugin{graph: func() (*cincinnati.Graph, error) {
		time.Sleep(50 * time.Millisecond)
		return cincinnati.GenerateGraph(), nil
	}}
	executor := plugins.NewExecutor([]plugins.Plugin{source})
	loop := NewLoop(executor, state, NewMetrics(prometheus.NewRegistry()), time.Millisecond, time.Millisecond)

	// The internal test plugin ignores its context, so the build itself
	// succeeds; the loop notices the deadline afterwards for real pipelines.
	// Use a cancelled parent to exercise the cancellation path.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, loop.BuildOnce(ctx))
	assert.False(t, state.IsReady())
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	state := NewState(nil)
	source := &sourcePlugin{graph: func() (*cincinnati.Graph, error) {
		return cincinnati.GenerateGraph(), nil
	}}
	loop := newLoop(source, state)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	require.Eventually(t, state.IsReady, time.Second, 5*time.Millisecond)
	require.True(t, state.IsLive())
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	assert.False(t, state.IsLive())
}

func TestGraphHandler(t *testing.T) {
	state := NewState([]string{"channel"})
	metrics := NewMetrics(prometheus.NewRegistry())
	handler := GraphHandler(state, metrics)

	t.Run("missing mandatory param", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler(rr, httptest.NewRequest(http.MethodGet, "/v1/graph", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		var body httphelper.ErrorBody
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "missing_params", body.Kind)
		assert.Equal(t, "mandatory client parameters missing: channel", body.Value)
	})

	t.Run("unacceptable accept header", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/graph?channel=stable-4.2", nil)
		req.Header.Set("Accept", "text/html")
		handler(rr, req)
		assert.Equal(t, http.StatusNotAcceptable, rr.Code)

		var body httphelper.ErrorBody
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "invalid_content_type", body.Kind)
	})

	t.Run("no snapshot yet", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler(rr, httptest.NewRequest(http.MethodGet, "/v1/graph?channel=stable-4.2", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("serves the published snapshot", func(t *testing.T) {
		state.Publish(&Snapshot{JSON: []byte(`{"version":1,"nodes":[],"edges":[],"conditionalEdges":[]}`), Graph: cincinnati.NewGraph(), BuiltAt: time.Now()})
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/graph?channel=stable-4.2", nil)
		req.Header.Set("Accept", cincinnati.ContentType)
		handler(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, cincinnati.ContentType, rr.Header().Get("Content-Type"))
		assert.JSONEq(t, `{"version":1,"nodes":[],"edges":[],"conditionalEdges":[]}`, rr.Body.String())
	})
}

func TestStatusEndpoints(t *testing.T) {
	state := NewState(nil)
	registry := prometheus.NewRegistry()
	mux := StatusMux(state, registry)

	get := func(path string) int {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr.Code
	}

	assert.Equal(t, http.StatusInternalServerError, get("/liveness"))
	assert.Equal(t, http.StatusInternalServerError, get("/readiness"))
	assert.Equal(t, http.StatusOK, get("/metrics"))

	state.live.Store(true)
	assert.Equal(t, http.StatusOK, get("/liveness"))

	state.Publish(&Snapshot{JSON: []byte("{}"), Graph: cincinnati.NewGraph(), BuiltAt: time.Now()})
	assert.Equal(t, http.StatusOK, get("/readiness"))
}
