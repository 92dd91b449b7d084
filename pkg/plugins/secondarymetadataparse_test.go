package plugins

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

func graphDataFs(t *testing.T, files map[string]string) afero.Fs {
	fs := afero.NewMemMapFs()
	for name, contents := range files {
		require.NoError(t, afero.WriteFile(fs, name, []byte(contents), 0o644))
	}
	return fs
}

func newParsePlugin(fs afero.Fs) *SecondaryMetadataParsePlugin {
	return NewSecondaryMetadataParsePlugin(SecondaryMetadataParseSettings{
		DataDirectory: "/graph-data",
		KeyPrefix:     cincinnati.MetadataKeyPrefix,
		DefaultArch:   DefaultArch,
	}, fs)
}

func scrapedGraph(versions ...string) *cincinnati.Graph {
	g := cincinnati.NewGraph()
	for _, v := range versions {
		if err := g.AddRelease(cincinnati.Release{Version: v, Payload: "image:" + v}); err != nil {
			panic(err)
		}
	}
	return g
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	fs := graphDataFs(t, map[string]string{
		"/graph-data/version": "2.0.0\n",
	})
	_, err := newParsePlugin(fs).Transform(context.Background(), PluginIO{
		Graph:      scrapedGraph("4.1.0"),
		Parameters: map[string]string{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized graph-data version")
}

func TestParseChannels(t *testing.T) {
	fs := graphDataFs(t, map[string]string{
		"/graph-data/version":                  "1.0.0\n",
		"/graph-data/raw/metadata.json":        "{}",
		"/graph-data/channels/stable-4.1.yaml": "name: stable-4.1\nversions:\n- 4.1.0\n- 4.1.1\n",
		"/graph-data/channels/fast-4.1.yaml":   "name: fast-4.1\nversions:\n- 4.1.0\n- 4.1.1\n- 4.1.2\n",
		"/graph-data/channels/candidate.yaml":  "name: candidate-4.1\nversions:\n- 4.1.2\n",
	})

	graph := scrapedGraph("4.1.0", "4.1.1", "4.1.2", "4.2.0")
	_, err := newParsePlugin(fs).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{},
	})
	require.NoError(t, err)

	key := cincinnati.MetadataKeyPrefix + "." + cincinnati.MetadataKeyChannels
	channelsOf := func(version string) string {
		release, ok := graph.FindByVersion(version)
		require.True(t, ok)
		value, _ := release.Metadata.Get(key)
		return value
	}

	// merged, de-duplicated and sorted by the suffix after the first dash
	assert.Equal(t, "fast-4.1,stable-4.1", channelsOf("4.1.0"))
	assert.Equal(t, "fast-4.1,stable-4.1", channelsOf("4.1.1"))
	assert.Equal(t, "candidate-4.1,fast-4.1", channelsOf("4.1.2"))
	assert.Equal(t, "", channelsOf("4.2.0"))
}

func TestParseChannelsMatchArchSuffixedReleases(t *testing.T) {
	fs := graphDataFs(t, map[string]string{
		"/graph-data/version":                  "1.0.0\n",
		"/graph-data/raw/metadata.json":        "{}",
		"/graph-data/channels/stable-4.1.yaml": "name: stable-4.1\nversions:\n- 4.1.0\n",
	})

	graph := scrapedGraph("4.1.0+amd64")
	_, err := newParsePlugin(fs).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{},
	})
	require.NoError(t, err)

	release, ok := graph.FindByVersion("4.1.0+amd64")
	require.True(t, ok)
	value, _ := release.Metadata.Get(cincinnati.MetadataKeyPrefix + "." + cincinnati.MetadataKeyChannels)
	assert.Equal(t, "stable-4.1", value)
}

func TestParseBlockedEdges(t *testing.T) {
	fs := graphDataFs(t, map[string]string{
		"/graph-data/version":                     "1.0.0\n",
		"/graph-data/raw/metadata.json":           "{}",
		"/graph-data/blocked-edges/4.1.1.yaml":    "to: 4.1.1\nfrom: 4\\.0\\..*\n",
		"/graph-data/blocked-edges/missing.yaml":  "to: 9.9.9\nfrom: .*\n",
	})

	graph := scrapedGraph("4.0.0", "4.1.1")
	_, err := newParsePlugin(fs).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{},
	})
	require.NoError(t, err)

	release, ok := graph.FindByVersion("4.1.1")
	require.True(t, ok)
	value, found := release.Metadata.Get(cincinnati.MetadataKeyPrefix + "." + cincinnati.MetadataKeyPreviousRemoveRegex)
	require.True(t, found)
	assert.Equal(t, `4\.0\..*`, value)
}

func TestParseBlockedEdgesWithRisksBecomeConditional(t *testing.T) {
	fs := graphDataFs(t, map[string]string{
		"/graph-data/version":           "1.0.0\n",
		"/graph-data/raw/metadata.json": "{}",
		"/graph-data/blocked-edges/4.1.1.yaml": `to: 4.1.1
from: 4\.0\..*
url: https://example.com/risk
name: SomeRisk
message: affected by some condition
matchingRules:
- type: PromQL
  promql:
    promql: some_metric == 1
`,
	})

	graph := scrapedGraph("4.0.0", "4.0.1", "4.1.1")
	_, err := newParsePlugin(fs).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{},
	})
	require.NoError(t, err)

	release, ok := graph.FindByVersion("4.1.1")
	require.True(t, ok)
	value, found := release.Metadata.Get(cincinnati.MetadataKeyPrefix + "." + cincinnati.MetadataKeyConditionalEdges)
	require.True(t, found)
	assert.Contains(t, value, `"from":"4.0.0"`)
	assert.Contains(t, value, `"from":"4.0.1"`)
	assert.Contains(t, value, `"name":"SomeRisk"`)
	assert.Contains(t, value, `"promql":{"promql":"some_metric == 1"}`)
}

func TestParseRawMetadata(t *testing.T) {
	fs := graphDataFs(t, map[string]string{
		"/graph-data/version": "1.0.0\n",
		"/graph-data/raw/metadata.json": `{
  "4.1.0": {"io.openshift.upgrades.graph.release.remove": "true"},
  "4.1.1": {"io.openshift.upgrades.graph.previous.add": "4.1.0"}
}`,
	})

	graph := scrapedGraph("4.1.0", "4.1.1")
	release, _ := graph.FindByVersion("4.1.1")
	release.Metadata.Set("io.openshift.upgrades.graph.previous.add", "4.0.0")

	_, err := newParsePlugin(fs).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{},
	})
	require.NoError(t, err)

	removed, _ := graph.FindByVersion("4.1.0")
	value, _ := removed.Metadata.Get("io.openshift.upgrades.graph.release.remove")
	assert.Equal(t, "true", value)

	appended, _ := graph.FindByVersion("4.1.1")
	value, _ = appended.Metadata.Get("io.openshift.upgrades.graph.previous.add")
	assert.Equal(t, "4.0.0,4.1.0", value)
}

func TestParseMalformedMetadataIsFatal(t *testing.T) {
	fs := graphDataFs(t, map[string]string{
		"/graph-data/version":                 "1.0.0\n",
		"/graph-data/raw/metadata.json":       "{}",
		"/graph-data/channels/broken.yaml":    "name: [not, a, string\n",
	})
	_, err := newParsePlugin(fs).Transform(context.Background(), PluginIO{
		Graph:      scrapedGraph("4.1.0"),
		Parameters: map[string]string{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed metadata")
}

func TestParseUsesGraphDataDirParameter(t *testing.T) {
	fs := graphDataFs(t, map[string]string{
		"/elsewhere/version":           "1.0.0\n",
		"/elsewhere/raw/metadata.json": "{}",
	})
	_, err := newParsePlugin(fs).Transform(context.Background(), PluginIO{
		Graph:      scrapedGraph("4.1.0"),
		Parameters: map[string]string{ParamGraphDataDir: "/elsewhere"},
	})
	require.NoError(t, err)
}
