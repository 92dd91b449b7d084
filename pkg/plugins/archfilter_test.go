package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

func newArchFilter(t *testing.T) Plugin {
	settings, err := deserializeArchFilterSettings(func(interface{}) error { return nil })
	require.NoError(t, err)
	plugin, err := settings.Build(nil)
	require.NoError(t, err)
	return plugin
}

func archMetadata(arch string) *cincinnati.Metadata {
	return cincinnati.MetadataFromPairs(
		"version_suffix", "+"+arch,
		cincinnati.MetadataKeyPrefix+"."+cincinnati.MetadataKeyArch, arch,
	)
}

func TestArchFilterKeepsRequestedArchAndStripsSuffix(t *testing.T) {
	graph := cincinnati.GenerateCustomGraph("image", []cincinnati.TestNode{
		{Index: 0, Metadata: archMetadata("amd64")},
		{Index: 1, Metadata: archMetadata("amd64")},
		{Index: 2, Metadata: archMetadata("s390x")},
		{Index: 3, Metadata: archMetadata("s390x")},
	}, [][2]int{{0, 1}, {2, 3}})

	out, err := newArchFilter(t).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{ParamArch: "s390x"},
	})
	require.NoError(t, err)

	expected := cincinnati.GenerateCustomGraph("image", []cincinnati.TestNode{
		{Index: 2}, {Index: 3},
	}, [][2]int{{0, 1}})
	assert.True(t, expected.Equal(out.Graph), "expected %v, got %v", expected, out.Graph)
}

func TestArchFilterDefaultArchOnUnlabeledGraphIsIdentity(t *testing.T) {
	graph := cincinnati.GenerateCustomGraph("image", []cincinnati.TestNode{
		{Index: 0}, {Index: 1}, {Index: 2},
	}, nil)
	expected := graph.Copy()

	out, err := newArchFilter(t).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{},
	})
	require.NoError(t, err)
	assert.True(t, expected.Equal(out.Graph))
}

func TestArchFilterUnknownArchYieldsEmptyGraph(t *testing.T) {
	graph := cincinnati.GenerateCustomGraph("image", []cincinnati.TestNode{
		{Index: 0, Metadata: archMetadata("amd64")},
		{Index: 1, Metadata: archMetadata("amd64")},
	}, nil)

	out, err := newArchFilter(t).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{ParamArch: "riscv64"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Graph.ReleaseCount())
}

func TestArchFilterUnlabeledNodesCountAsDefault(t *testing.T) {
	graph := cincinnati.GenerateCustomGraph("image", []cincinnati.TestNode{
		{Index: 0},
		{Index: 1, Metadata: archMetadata("s390x")},
	}, nil)

	out, err := newArchFilter(t).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{ParamArch: "amd64"},
	})
	require.NoError(t, err)

	require.Equal(t, 1, out.Graph.ReleaseCount())
	_, ok := out.Graph.FindByVersion("0.0.0")
	assert.True(t, ok)
}

func TestArchFilterRejectsInvalidArch(t *testing.T) {
	for _, arch := range []string{"", "AMD64", "not_valid", "bad:arch"} {
		_, err := newArchFilter(t).Transform(context.Background(), PluginIO{
			Graph:      cincinnati.NewGraph(),
			Parameters: map[string]string{ParamArch: arch},
		})
		require.Error(t, err, "arch %q should be rejected", arch)
		var invalid *InvalidParamsError
		assert.ErrorAs(t, err, &invalid)
	}
}

func TestArchFilterMatchesMulti(t *testing.T) {
	graph := cincinnati.GenerateCustomGraph("image", []cincinnati.TestNode{
		{Index: 0, Metadata: archMetadata("multi")},
		{Index: 1, Metadata: archMetadata("amd64")},
	}, nil)

	out, err := newArchFilter(t).Transform(context.Background(), PluginIO{
		Graph:      graph,
		Parameters: map[string]string{ParamArch: "multi"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.Graph.ReleaseCount())
	_, ok := out.Graph.FindByVersion("0.0.0")
	assert.True(t, ok)
}
