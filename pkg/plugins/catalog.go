package plugins

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
)

// Settings builds a plugin from validated configuration.
type Settings interface {
	// Name returns the plugin name the settings belong to.
	Name() string
	// Build constructs the plugin, registering any metrics it owns.
	Build(registerer prometheus.Registerer) (Plugin, error)
}

// nameOnly is used to peek at the plugin name of a configuration entry before
// decoding it into the concrete settings type.
type nameOnly struct {
	Name string `toml:"name"`
}

// DeserializeSettings validates one plugin_settings entry and returns the
// typed settings for the named plugin.
func DeserializeSettings(md toml.MetaData, prim toml.Primitive) (Settings, error) {
	var header nameOnly
	if err := md.PrimitiveDecode(prim, &header); err != nil {
		return nil, fmt.Errorf("could not read plugin name: %w", err)
	}
	if header.Name == "" {
		return nil, fmt.Errorf("missing plugin name")
	}

	decode := func(into interface{}) error {
		return md.PrimitiveDecode(prim, into)
	}

	switch header.Name {
	case ArchFilterPluginName:
		return deserializeArchFilterSettings(decode)
	case ChannelFilterPluginName:
		return deserializeChannelFilterSettings(decode)
	case EdgeAddRemovePluginName:
		return deserializeEdgeAddRemoveSettings(decode)
	case NodeRemovePluginName:
		return deserializeNodeRemoveSettings(decode)
	case VersionedGraphPluginName:
		return deserializeVersionedGraphSettings(decode)
	case GraphFetchPluginName:
		return deserializeGraphFetchSettings(decode)
	case ReleaseScrapePluginName:
		return deserializeReleaseScrapeSettings(decode)
	case SecondaryMetadataScrapePluginName:
		return deserializeSecondaryMetadataScrapeSettings(decode)
	case SecondaryMetadataParsePluginName:
		return deserializeSecondaryMetadataParseSettings(decode)
	default:
		return nil, fmt.Errorf("unknown plugin %q", header.Name)
	}
}

// SettingsByName returns the default settings for the named built-in plugin,
// as if it appeared in the configuration with no options. The secondary
// metadata scrape and parse plugins are not covered and yield an error.
func SettingsByName(name string) (Settings, error) {
	noop := func(interface{}) error { return nil }
	switch name {
	case ArchFilterPluginName:
		return deserializeArchFilterSettings(noop)
	case ChannelFilterPluginName:
		return deserializeChannelFilterSettings(noop)
	case EdgeAddRemovePluginName:
		return deserializeEdgeAddRemoveSettings(noop)
	case NodeRemovePluginName:
		return deserializeNodeRemoveSettings(noop)
	case VersionedGraphPluginName:
		return deserializeVersionedGraphSettings(noop)
	case GraphFetchPluginName:
		return deserializeGraphFetchSettings(noop)
	case ReleaseScrapePluginName:
		return deserializeReleaseScrapeSettings(noop)
	default:
		return nil, fmt.Errorf("unknown plugin %q", name)
	}
}

// BuildAll constructs plugins from the given settings, in order.
func BuildAll(settings []Settings, registerer prometheus.Registerer) ([]Plugin, error) {
	plugins := make([]Plugin, 0, len(settings))
	for _, s := range settings {
		plugin, err := s.Build(registerer)
		if err != nil {
			return nil, fmt.Errorf("building plugin %q: %w", s.Name(), err)
		}
		plugins = append(plugins, plugin)
	}
	return plugins, nil
}
