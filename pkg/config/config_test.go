package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/cincinnati/pkg/plugins"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Service, cfg.Service)
	assert.Equal(t, Default().Status, cfg.Status)
	assert.Empty(t, cfg.PluginSettings)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
verbosity = 2

[service]
address = "0.0.0.0"
port = 8080
path_prefix = "/api/upgrades_info"
mandatory_client_parameters = "channel"

[status]
address = "0.0.0.0"
port = 9080

[[plugin_settings]]
name = "cincinnati-graph-fetch"
upstream_url = "http://graph-builder:8080/v1/graph"

[[plugin_settings]]
name = "arch-filter"

[[plugin_settings]]
name = "channel-filter"

[[plugin_settings]]
name = "versioned-graph"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Verbosity)
	assert.Equal(t, "/api/upgrades_info", cfg.Service.PathPrefix)
	assert.Equal(t, "channel", cfg.Service.MandatoryClientParameters)

	require.Len(t, cfg.PluginSettings, 4)
	names := make([]string, 0, len(cfg.PluginSettings))
	for _, s := range cfg.PluginSettings {
		names = append(names, s.Name())
	}
	expected := []string{
		plugins.GraphFetchPluginName,
		plugins.ArchFilterPluginName,
		plugins.ChannelFilterPluginName,
		plugins.VersionedGraphPluginName,
	}
	if diff := cmp.Diff(expected, names); diff != "" {
		t.Errorf("unexpected plugin order: %s", diff)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, "this is not TOML [[[")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownPlugin(t *testing.T) {
	path := writeConfig(t, "[[plugin_settings]]\nname = \"no-such-plugin\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.toml")
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnvOverrides([]string{
		"CINCINNATI_SERVICE_PORT=1234",
		"CINCINNATI_STATUS_ADDRESS=0.0.0.0",
		"CINCINNATI_VERBOSITY=3",
		"UNRELATED=value",
		"CINCINNATI_SERVICE_UNKNOWN_KEY=ignored",
	}))
	assert.Equal(t, 1234, cfg.Service.Port)
	assert.Equal(t, "0.0.0.0", cfg.Status.Address)
	assert.Equal(t, 3, cfg.Verbosity)

	require.Error(t, cfg.applyEnvOverrides([]string{"CINCINNATI_SERVICE_PORT=not-a-number"}))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Status.Port = cfg.Service.Port
	require.Error(t, cfg.validate())

	cfg = Default()
	cfg.Service.PauseSecs = 0
	require.Error(t, cfg.validate())
}

func TestParsePathPrefix(t *testing.T) {
	assert.Equal(t, "/a/b/c", ParsePathPrefix("//a/b/c//"))
	assert.Equal(t, "/a/b/c", ParsePathPrefix("/a/b/c/"))
	assert.Equal(t, "/a/b/c", ParsePathPrefix("a/b/c"))
	assert.Equal(t, "/", ParsePathPrefix(""))
}

func TestParseParamsSet(t *testing.T) {
	assert.Empty(t, ParseParamsSet(""))
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}, "c": {}}, ParseParamsSet("a,b,c"))
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}}, ParseParamsSet("a,b,a"))
	assert.Equal(t, map[string]struct{}{"foo": {}, "bar": {}}, ParseParamsSet("foo , , bar"))
}
