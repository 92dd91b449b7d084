package plugins

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

// NodeRemovePluginName is the configuration name of the node remover.
const NodeRemovePluginName = "node-remove"

// NodeRemoveSettings configures the node remover.
type NodeRemoveSettings struct {
	KeyPrefix string `toml:"key_prefix"`
}

func deserializeNodeRemoveSettings(decode func(interface{}) error) (Settings, error) {
	s := &NodeRemoveSettings{KeyPrefix: cincinnati.MetadataKeyPrefix}
	if err := decode(s); err != nil {
		return nil, err
	}
	if s.KeyPrefix == "" {
		return nil, fmt.Errorf("empty prefix")
	}
	return s, nil
}

// Name implements Settings.
func (s *NodeRemoveSettings) Name() string { return NodeRemovePluginName }

// Build implements Settings.
func (s *NodeRemoveSettings) Build(_ prometheus.Registerer) (Plugin, error) {
	return &nodeRemovePlugin{settings: *s}, nil
}

// nodeRemovePlugin removes every release whose metadata marks it for removal,
// along with its incident edges. The operation is idempotent.
type nodeRemovePlugin struct {
	settings NodeRemoveSettings
}

func (p *nodeRemovePlugin) Name() string { return NodeRemovePluginName }

func (p *nodeRemovePlugin) Phase() Phase { return PhaseInternal }

func (p *nodeRemovePlugin) Transform(_ context.Context, io PluginIO) (PluginIO, error) {
	graph := io.Graph
	key := p.settings.KeyPrefix + "." + cincinnati.MetadataKeyRemove

	var toRemove []string
	for _, match := range graph.FindByMetadata(key) {
		if match.Value == "true" {
			logrus.WithField("plugin", NodeRemovePluginName).Tracef("queuing %q for removal", match.Version)
			toRemove = append(toRemove, match.Version)
		}
	}
	removed := graph.RemoveReleases(toRemove)
	logrus.WithField("plugin", NodeRemovePluginName).Tracef("removed %d releases", removed)

	return PluginIO{Graph: graph, Parameters: io.Parameters}, nil
}
