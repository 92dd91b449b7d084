package plugins

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

// GraphFetchPluginName is the configuration name of the upstream graph
// fetcher.
const GraphFetchPluginName = "cincinnati-graph-fetch"

// Defaults for the upstream graph fetcher.
const (
	DefaultUpstreamURL         = "http://localhost:8080/v1/graph"
	DefaultRequestTimeoutSecs  = 30
	DefaultUpstreamCacheTTLSec = 60
)

// UpstreamUnreachableError indicates the upstream could not be contacted.
type UpstreamUnreachableError struct {
	Err error
}

func (e *UpstreamUnreachableError) Error() string {
	return fmt.Sprintf("failed to fetch upstream graph: %v", e.Err)
}

func (e *UpstreamUnreachableError) Unwrap() error { return e.Err }

// UpstreamBadStatusError indicates a non-2xx upstream response.
type UpstreamBadStatusError struct {
	Code int
}

func (e *UpstreamBadStatusError) Error() string {
	return fmt.Sprintf("upstream responded with status %d", e.Code)
}

// UpstreamMalformedError indicates an unparseable upstream body.
type UpstreamMalformedError struct {
	Err error
}

func (e *UpstreamMalformedError) Error() string {
	return fmt.Sprintf("failed to parse upstream graph: %v", e.Err)
}

func (e *UpstreamMalformedError) Unwrap() error { return e.Err }

// GraphFetchSettings configures the upstream graph fetcher.
type GraphFetchSettings struct {
	UpstreamURL        string `toml:"upstream_url"`
	RequestTimeoutSecs int    `toml:"request_timeout_secs"`
	CacheTTLSecs       int    `toml:"cache_ttl_secs"`
}

func deserializeGraphFetchSettings(decode func(interface{}) error) (Settings, error) {
	s := &GraphFetchSettings{
		UpstreamURL:        DefaultUpstreamURL,
		RequestTimeoutSecs: DefaultRequestTimeoutSecs,
		CacheTTLSecs:       DefaultUpstreamCacheTTLSec,
	}
	if err := decode(s); err != nil {
		return nil, err
	}
	if s.UpstreamURL == "" {
		return nil, fmt.Errorf("empty upstream")
	}
	if s.RequestTimeoutSecs <= 0 {
		return nil, fmt.Errorf("non-positive request timeout")
	}
	if s.CacheTTLSecs < 0 {
		return nil, fmt.Errorf("negative cache TTL")
	}
	return s, nil
}

// Name implements Settings.
func (s *GraphFetchSettings) Name() string { return GraphFetchPluginName }

// Build implements Settings.
func (s *GraphFetchSettings) Build(registerer prometheus.Registerer) (Plugin, error) {
	return NewGraphFetchPlugin(*s, registerer)
}

type cachedGraph struct {
	graph   *cincinnati.Graph
	fetched time.Time
}

// GraphFetchPlugin fetches the graph from an upstream Cincinnati endpoint,
// discarding any input graph. Responses are cached for the configured TTL and
// concurrent cold fetches for the same upstream coalesce into a single
// in-flight request.
type GraphFetchPlugin struct {
	settings GraphFetchSettings
	client   *retryablehttp.Client

	mu    sync.RWMutex
	cache *cachedGraph
	group singleflight.Group

	upstreamRequests prometheus.Counter
	upstreamErrors   prometheus.Counter
	cacheHits        prometheus.Counter

	// now is swappable for cache-expiry tests.
	now func() time.Time
}

// NewGraphFetchPlugin builds the fetcher and registers its metrics.
func NewGraphFetchPlugin(settings GraphFetchSettings, registerer prometheus.Registerer) (*GraphFetchPlugin, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = time.Duration(settings.RequestTimeoutSecs) * time.Second
	client.Logger = &retryableLogger{log: logrus.WithField("plugin", GraphFetchPluginName)}

	p := &GraphFetchPlugin{
		settings: settings,
		client:   client,
		upstreamRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_upstream_requests_total",
			Help: "Total number of HTTP upstream requests",
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_upstream_errors_total",
			Help: "Total number of failed HTTP upstream fetches",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_upstream_cache_hits_total",
			Help: "Total number of upstream responses served from the cache",
		}),
		now: time.Now,
	}
	if registerer != nil {
		if err := registerer.Register(p.upstreamRequests); err != nil {
			return nil, err
		}
		if err := registerer.Register(p.upstreamErrors); err != nil {
			return nil, err
		}
		if err := registerer.Register(p.cacheHits); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name implements Plugin.
func (p *GraphFetchPlugin) Name() string { return GraphFetchPluginName }

// Phase implements Plugin.
func (p *GraphFetchPlugin) Phase() Phase { return PhaseExternal }

// Transform implements Plugin. The returned graph is a private copy; callers
// may mutate it freely without affecting the cache.
func (p *GraphFetchPlugin) Transform(ctx context.Context, io PluginIO) (PluginIO, error) {
	if graph := p.fromCache(); graph != nil {
		p.cacheHits.Inc()
		return PluginIO{Graph: graph, Parameters: io.Parameters}, nil
	}

	result, err, _ := p.group.Do(p.settings.UpstreamURL, func() (interface{}, error) {
		// A prior flight may have populated the cache while this caller
		// queued behind the singleflight lock.
		if graph := p.fromCache(); graph != nil {
			p.cacheHits.Inc()
			return graph, nil
		}
		graph, err := p.fetch(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache = &cachedGraph{graph: graph, fetched: p.now()}
		p.mu.Unlock()
		return graph, nil
	})
	if err != nil {
		return io, err
	}

	return PluginIO{Graph: result.(*cincinnati.Graph).Copy(), Parameters: io.Parameters}, nil
}

// fromCache returns a copy of the cached graph if it is still fresh.
func (p *GraphFetchPlugin) fromCache() *cincinnati.Graph {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cache == nil {
		return nil
	}
	if p.now().Sub(p.cache.fetched) > time.Duration(p.settings.CacheTTLSecs)*time.Second {
		return nil
	}
	return p.cache.graph.Copy()
}

func (p *GraphFetchPlugin) fetch(ctx context.Context) (*cincinnati.Graph, error) {
	logrus.WithField("plugin", GraphFetchPluginName).Tracef("getting graph from upstream at %s", p.settings.UpstreamURL)
	p.upstreamRequests.Inc()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.settings.UpstreamURL, nil)
	if err != nil {
		p.upstreamErrors.Inc()
		return nil, &UpstreamUnreachableError{Err: err}
	}
	req.Header.Set("Accept", cincinnati.ContentType)

	resp, err := p.client.Do(req)
	if err != nil {
		p.upstreamErrors.Inc()
		return nil, &UpstreamUnreachableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.upstreamErrors.Inc()
		return nil, &UpstreamBadStatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.upstreamErrors.Inc()
		return nil, &UpstreamUnreachableError{Err: err}
	}
	body, err = maybeGunzip(body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		p.upstreamErrors.Inc()
		return nil, &UpstreamMalformedError{Err: err}
	}

	graph := cincinnati.NewGraph()
	if err := json.Unmarshal(body, graph); err != nil {
		p.upstreamErrors.Inc()
		return nil, &UpstreamMalformedError{Err: err}
	}
	return graph, nil
}

// maybeGunzip decompresses the body when the upstream declared gzip encoding
// or the payload carries the gzip magic bytes.
func maybeGunzip(body []byte, contentEncoding string) ([]byte, error) {
	if contentEncoding != "gzip" && !bytes.HasPrefix(body, []byte("\x1F\x8B")) {
		return body, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// retryableLogger adapts retryablehttp's leveled logging onto logrus.
type retryableLogger struct {
	log *logrus.Entry
}

func (l *retryableLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error(append([]interface{}{msg}, keysAndValues...)...)
}

func (l *retryableLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info(append([]interface{}{msg}, keysAndValues...)...)
}

func (l *retryableLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug(append([]interface{}{msg}, keysAndValues...)...)
}

func (l *retryableLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn(append([]interface{}{msg}, keysAndValues...)...)
}
