package plugins

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

// VersionedGraphPluginName is the configuration name of the versioned-graph
// wrapper.
const VersionedGraphPluginName = "versioned-graph"

// VersionedGraphSettings configures the versioned-graph wrapper.
type VersionedGraphSettings struct{}

func deserializeVersionedGraphSettings(decode func(interface{}) error) (Settings, error) {
	s := &VersionedGraphSettings{}
	if err := decode(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements Settings.
func (s *VersionedGraphSettings) Name() string { return VersionedGraphPluginName }

// Build implements Settings.
func (s *VersionedGraphSettings) Build(_ prometheus.Registerer) (Plugin, error) {
	return &versionedGraphPlugin{}, nil
}

// versionedGraphPlugin marks the output for wrapping with the graph schema
// version when the request negotiated the versioned content type; otherwise
// it passes the graph through unchanged. The serializer downstream honors the
// graph_version parameter.
type versionedGraphPlugin struct{}

func (p *versionedGraphPlugin) Name() string { return VersionedGraphPluginName }

func (p *versionedGraphPlugin) Phase() Phase { return PhaseInternal }

func (p *versionedGraphPlugin) Transform(_ context.Context, io PluginIO) (PluginIO, error) {
	if io.Parameters[ParamContentType] == cincinnati.VersionedContentType {
		out := io.Copy()
		out.Parameters[ParamGraphVersion] = strconv.Itoa(cincinnati.MinGraphVersion)
		return out, nil
	}
	return io, nil
}
