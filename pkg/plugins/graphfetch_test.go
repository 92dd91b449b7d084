package plugins

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

func newGraphFetchPlugin(t *testing.T, upstream string, cacheTTLSecs int) *GraphFetchPlugin {
	plugin, err := NewGraphFetchPlugin(GraphFetchSettings{
		UpstreamURL:        upstream,
		RequestTimeoutSecs: 5,
		CacheTTLSecs:       cacheTTLSecs,
	}, nil)
	require.NoError(t, err)
	// keep network failure tests fast
	plugin.client.RetryMax = 0
	return plugin
}

func marshalGraph(t *testing.T, graph *cincinnati.Graph) []byte {
	raw, err := json.Marshal(graph)
	require.NoError(t, err)
	return raw
}

func TestGraphFetchSuccess(t *testing.T) {
	expected := cincinnati.GenerateGraph()
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, cincinnati.ContentType, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", cincinnati.ContentType)
		_, _ = w.Write(marshalGraph(t, expected))
	}))
	defer server.Close()

	plugin := newGraphFetchPlugin(t, server.URL, 60)
	out, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
	require.NoError(t, err)
	assert.True(t, expected.Equal(out.Graph))
	assert.Equal(t, int64(1), hits.Load())
}

func TestGraphFetchServesFromCache(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(marshalGraph(t, cincinnati.GenerateGraph()))
	}))
	defer server.Close()

	plugin := newGraphFetchPlugin(t, server.URL, 60)
	for i := 0; i < 5; i++ {
		out, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
		require.NoError(t, err)
		// mutating the response must not leak into the cache
		out.Graph.RemoveRelease("1.0.0")
	}
	assert.Equal(t, int64(1), hits.Load())
}

func TestGraphFetchCacheExpires(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(marshalGraph(t, cincinnati.GenerateGraph()))
	}))
	defer server.Close()

	plugin := newGraphFetchPlugin(t, server.URL, 60)
	now := time.Now()
	plugin.now = func() time.Time { return now }

	_, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
	require.NoError(t, err)

	now = now.Add(61 * time.Second)
	_, err = plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestGraphFetchSingleFlight(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write(marshalGraph(t, cincinnati.GenerateGraph()))
	}))
	defer server.Close()

	plugin := newGraphFetchPlugin(t, server.URL, 60)

	const concurrency = 100
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
			errs[i] = err
		}(i)
	}
	// let the goroutines pile up behind the single in-flight request
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), hits.Load(), "concurrent cold requests must coalesce into one upstream call")
}

func TestGraphFetchGzipResponse(t *testing.T) {
	expected := cincinnati.GenerateGraph()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, err := gz.Write(marshalGraph(t, expected))
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		w.Header().Set("Content-Type", cincinnati.ContentType)
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer server.Close()

	plugin := newGraphFetchPlugin(t, server.URL, 60)
	out, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
	require.NoError(t, err)
	assert.True(t, expected.Equal(out.Graph))
}

func TestGraphFetchFailures(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		plugin := newGraphFetchPlugin(t, "http://127.0.0.1:1/v1/graph", 60)
		_, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
		require.Error(t, err)
		var unreachable *UpstreamUnreachableError
		assert.ErrorAs(t, err, &unreachable)
	})

	t.Run("bad status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "NOT_FOUND", http.StatusNotFound)
		}))
		defer server.Close()

		plugin := newGraphFetchPlugin(t, server.URL, 60)
		_, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
		require.Error(t, err)
		var badStatus *UpstreamBadStatusError
		require.ErrorAs(t, err, &badStatus)
		assert.Equal(t, http.StatusNotFound, badStatus.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not a valid graph}"))
		}))
		defer server.Close()

		plugin := newGraphFetchPlugin(t, server.URL, 60)
		_, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
		require.Error(t, err)
		var malformed *UpstreamMalformedError
		assert.ErrorAs(t, err, &malformed)
	})
}

func TestGraphFetchFailureDoesNotPopulateCache(t *testing.T) {
	var hits atomic.Int64
	fail := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail {
			http.Error(w, "tea time", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(marshalGraph(t, cincinnati.GenerateGraph()))
	}))
	defer server.Close()

	plugin := newGraphFetchPlugin(t, server.URL, 60)
	_, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
	require.Error(t, err)

	fail = false
	out, err := plugin.Transform(context.Background(), PluginIO{Graph: cincinnati.NewGraph(), Parameters: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Graph.ReleaseCount())
	assert.Equal(t, int64(2), hits.Load())
}
