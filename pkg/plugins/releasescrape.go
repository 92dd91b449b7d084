package plugins

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openshift/cincinnati/pkg/cincinnati"
	"github.com/openshift/cincinnati/pkg/registry"
)

// ReleaseScrapePluginName is the configuration name of the registry scraper.
const ReleaseScrapePluginName = "release-scrape-dockerv2"

// Defaults for the registry scraper.
const (
	DefaultScrapeRegistry   = "quay.io"
	DefaultScrapeRepository = "openshift-release-dev/ocp-release"
	DefaultFetchConcurrency = 16
)

// ReleaseScrapeSettings configures the registry scraper.
type ReleaseScrapeSettings struct {
	Registry         string `toml:"registry"`
	Repository       string `toml:"repository"`
	ManifestRefKey   string `toml:"manifestref_key"`
	FetchConcurrency int    `toml:"fetch_concurrency"`
	Username         string `toml:"username"`
	Password         string `toml:"password"`
	CredentialsPath  string `toml:"credentials_path"`
}

func deserializeReleaseScrapeSettings(decode func(interface{}) error) (Settings, error) {
	s := &ReleaseScrapeSettings{
		Registry:         DefaultScrapeRegistry,
		Repository:       DefaultScrapeRepository,
		ManifestRefKey:   cincinnati.MetadataKeyPrefix + "." + cincinnati.MetadataKeyManifestRef,
		FetchConcurrency: DefaultFetchConcurrency,
	}
	if err := decode(s); err != nil {
		return nil, err
	}
	if s.Registry == "" {
		return nil, fmt.Errorf("empty registry")
	}
	if s.Repository == "" {
		return nil, fmt.Errorf("empty repository")
	}
	if s.ManifestRefKey == "" {
		return nil, fmt.Errorf("empty manifestref_key")
	}
	if s.FetchConcurrency <= 0 {
		return nil, fmt.Errorf("non-positive fetch_concurrency")
	}
	return s, nil
}

// Name implements Settings.
func (s *ReleaseScrapeSettings) Name() string { return ReleaseScrapePluginName }

// Build implements Settings.
func (s *ReleaseScrapeSettings) Build(registerer prometheus.Registerer) (Plugin, error) {
	credentials := registry.Credentials{Username: s.Username, Password: s.Password}
	if s.CredentialsPath != "" {
		fromFile, err := registry.ReadCredentials(s.CredentialsPath, registry.TrimProtocol(s.Registry))
		if err != nil {
			return nil, err
		}
		credentials = fromFile
	}
	client := registry.NewHTTPClient(s.Registry, credentials)
	return NewReleaseScrapePlugin(*s, client, registerer)
}

// ReleaseScrapePlugin scrapes a container registry for release payloads and
// produces the raw graph, discarding any input graph.
type ReleaseScrapePlugin struct {
	settings ReleaseScrapeSettings
	client   registry.Client

	rawReleases    prometheus.Gauge
	scrapeWarnings prometheus.Counter
}

// NewReleaseScrapePlugin builds the scraper around the given registry client.
func NewReleaseScrapePlugin(settings ReleaseScrapeSettings, client registry.Client, registerer prometheus.Registerer) (*ReleaseScrapePlugin, error) {
	p := &ReleaseScrapePlugin{
		settings: settings,
		client:   client,
		rawReleases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graph_upstream_raw_releases",
			Help: "Number of releases fetched from upstream, before processing",
		}),
		scrapeWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graph_upstream_scrape_warnings_total",
			Help: "Releases dropped or skipped during registry scrapes",
		}),
	}
	if registerer != nil {
		if err := registerer.Register(p.rawReleases); err != nil {
			return nil, err
		}
		if err := registerer.Register(p.scrapeWarnings); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name implements Plugin.
func (p *ReleaseScrapePlugin) Name() string { return ReleaseScrapePluginName }

// Phase implements Plugin.
func (p *ReleaseScrapePlugin) Phase() Phase { return PhaseExternal }

// Transform implements Plugin.
func (p *ReleaseScrapePlugin) Transform(ctx context.Context, io PluginIO) (PluginIO, error) {
	releases, err := registry.FetchReleases(
		ctx,
		p.client,
		registry.TrimProtocol(p.settings.Registry),
		p.settings.Repository,
		p.settings.FetchConcurrency,
	)
	if err != nil {
		return io, fmt.Errorf("failed to fetch all release metadata: %w", err)
	}
	if len(releases) == 0 {
		logrus.Warnf("could not find any releases in %s/%s", p.settings.Registry, p.settings.Repository)
	}
	p.rawReleases.Set(float64(len(releases)))

	graph, err := p.createGraph(releases)
	if err != nil {
		return io, err
	}
	return PluginIO{Graph: graph, Parameters: io.Parameters}, nil
}

// createGraph turns the scraped releases into a graph. The first observed
// release wins on duplicate versions when the payload digests agree;
// diverging digests for one version fail the build. Edges from previous/next
// metadata referencing versions absent from the scrape are dropped.
func (p *ReleaseScrapePlugin) createGraph(releases []registry.Release) (*cincinnati.Graph, error) {
	log := logrus.WithField("plugin", ReleaseScrapePluginName)
	graph := cincinnati.NewGraph()
	manifestRefs := map[string]string{}

	for _, release := range releases {
		if ref, ok := manifestRefs[release.Metadata.Version]; ok {
			if ref != release.ManifestRef.String() {
				return nil, fmt.Errorf("mismatched manifest ref for release %s: %s, %s",
					release.Metadata.Version, ref, release.ManifestRef)
			}
			log.Warnf("dropping duplicate release %q from %s", release.Metadata.Version, release.Source)
			p.scrapeWarnings.Inc()
			continue
		}

		metadata := cincinnati.NewMetadata()
		for _, key := range sortedKeys(release.Metadata.Metadata) {
			metadata.Set(key, release.Metadata.Metadata[key])
		}
		metadata.Set(p.settings.ManifestRefKey, release.ManifestRef.String())

		if err := graph.AddRelease(cincinnati.Release{
			Version:  release.Metadata.Version,
			Payload:  release.Source,
			Metadata: metadata,
		}); err != nil {
			return nil, err
		}
		manifestRefs[release.Metadata.Version] = release.ManifestRef.String()
	}

	addEdge := func(from, to, origin string) error {
		if _, ok := graph.FindByVersion(from); !ok {
			log.Tracef("[%s]: transition endpoint %q was not scraped, dropping the edge", origin, from)
			return nil
		}
		if _, ok := graph.FindByVersion(to); !ok {
			log.Tracef("[%s]: transition endpoint %q was not scraped, dropping the edge", origin, to)
			return nil
		}
		err := graph.AddEdge(from, to)
		switch {
		case err == nil, cincinnati.IsEdgeExists(err):
			return nil
		default:
			return err
		}
	}

	for _, release := range releases {
		version := release.Metadata.Version
		if _, ok := graph.FindByVersion(version); !ok {
			continue
		}
		for _, previous := range release.Metadata.Previous {
			if err := addEdge(previous, version, version); err != nil {
				return nil, err
			}
		}
		for _, next := range release.Metadata.Next {
			if err := addEdge(version, next, version); err != nil {
				return nil, err
			}
		}
	}

	return graph, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
