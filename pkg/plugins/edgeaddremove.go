package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

// EdgeAddRemovePluginName is the configuration name of the edge editor.
const EdgeAddRemovePluginName = "edge-add-remove"

// RemoveAllEdgesValue removes every incoming edge of a node when used as the
// value of its previous.remove key; next.remove has no such value.
const RemoveAllEdgesValue = "*"

// EdgeAddRemoveSettings configures the edge editor.
type EdgeAddRemoveSettings struct {
	KeyPrefix           string `toml:"key_prefix"`
	RemoveAllEdgesValue string `toml:"remove_all_edges_value"`
}

func deserializeEdgeAddRemoveSettings(decode func(interface{}) error) (Settings, error) {
	s := &EdgeAddRemoveSettings{
		KeyPrefix:           cincinnati.MetadataKeyPrefix,
		RemoveAllEdgesValue: RemoveAllEdgesValue,
	}
	if err := decode(s); err != nil {
		return nil, err
	}
	if s.KeyPrefix == "" {
		return nil, fmt.Errorf("empty prefix")
	}
	if s.RemoveAllEdgesValue == "" {
		return nil, fmt.Errorf("empty value for removing all edges")
	}
	return s, nil
}

// Name implements Settings.
func (s *EdgeAddRemoveSettings) Name() string { return EdgeAddRemovePluginName }

// Build implements Settings.
func (s *EdgeAddRemoveSettings) Build(_ prometheus.Registerer) (Plugin, error) {
	return &edgeAddRemovePlugin{settings: *s}, nil
}

// edgeAddRemovePlugin adds and removes edges according to the node metadata.
//
// The keys have the syntax `<prefix>.(previous|next).(add|remove)` with a
// comma-separated version list as value, plus `<prefix>.previous.remove_regex`
// with a regular expression that must match a whole source version. All `*.add`
// operations are applied first, then all removes, so removes take precedence
// over adds. Conditional-edge annotations under `<prefix>.conditional-edges`
// are converted into conditionalEdges entries.
type edgeAddRemovePlugin struct {
	settings EdgeAddRemoveSettings
}

func (p *edgeAddRemovePlugin) Name() string { return EdgeAddRemovePluginName }

func (p *edgeAddRemovePlugin) Phase() Phase { return PhaseInternal }

func (p *edgeAddRemovePlugin) Transform(_ context.Context, io PluginIO) (PluginIO, error) {
	graph := io.Graph
	if err := p.addEdges(graph); err != nil {
		return io, err
	}
	if err := p.removeEdges(graph); err != nil {
		return io, err
	}
	if err := p.processConditionalEdges(graph); err != nil {
		return io, err
	}
	if err := graph.Validate(); err != nil {
		return io, fmt.Errorf("cycle detected after edge processing: %w", err)
	}
	return PluginIO{Graph: graph, Parameters: io.Parameters}, nil
}

func (p *edgeAddRemovePlugin) key(suffix string) string {
	return p.settings.KeyPrefix + "." + suffix
}

func (p *edgeAddRemovePlugin) addEdges(graph *cincinnati.Graph) error {
	log := logrus.WithField("plugin", EdgeAddRemovePluginName)

	addEdge := func(from, to string) error {
		err := graph.AddEdge(from, to)
		switch {
		case err == nil:
			return nil
		case cincinnati.IsEdgeExists(err):
			log.WithError(err).Warn("skipping duplicate edge")
			return nil
		default:
			return err
		}
	}

	for _, match := range graph.FindByMetadata(p.key(cincinnati.MetadataKeyPreviousAdd)) {
		for _, from := range splitVersionList(match.Value) {
			if _, ok := graph.FindByVersion(from); !ok {
				log.Warnf("[%s]: version %q given by previous.add not found in graph, skipping", match.Version, from)
				continue
			}
			log.Infof("[%s]: adding previous %s", match.Version, from)
			if err := addEdge(from, match.Version); err != nil {
				return err
			}
		}
	}

	for _, match := range graph.FindByMetadata(p.key(cincinnati.MetadataKeyNextAdd)) {
		for _, to := range splitVersionList(match.Value) {
			if _, ok := graph.FindByVersion(to); !ok {
				log.Warnf("[%s]: version %q given by next.add not found in graph, skipping", match.Version, to)
				continue
			}
			log.Infof("[%s]: adding next %s", match.Version, to)
			if err := addEdge(match.Version, to); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *edgeAddRemovePlugin) removeEdges(graph *cincinnati.Graph) error {
	log := logrus.WithField("plugin", EdgeAddRemovePluginName)

	for _, match := range graph.FindByMetadata(p.key(cincinnati.MetadataKeyPreviousRemove)) {
		if strings.TrimSpace(match.Value) == p.settings.RemoveAllEdgesValue {
			for _, e := range graph.Edges() {
				if e[1] == match.Version {
					graph.RemoveEdge(e[0], e[1])
				}
			}
			log.Infof("[%s]: removed all previous releases", match.Version)
			continue
		}
		for _, from := range splitVersionList(match.Value) {
			log.Infof("[%s]: removing previous %s", match.Version, from)
			if !graph.RemoveEdge(from, match.Version) {
				log.Debugf("[%s]: no edge from %q to remove", match.Version, from)
			}
		}
	}

	for _, match := range graph.FindByMetadata(p.key(cincinnati.MetadataKeyNextRemove)) {
		for _, to := range splitVersionList(match.Value) {
			log.Infof("[%s]: removing next %s", match.Version, to)
			if !graph.RemoveEdge(match.Version, to) {
				log.Debugf("[%s]: no edge to %q to remove", match.Version, to)
			}
		}
	}

	for _, match := range graph.FindByMetadata(p.key(cincinnati.MetadataKeyPreviousRemoveRegex)) {
		re, err := regexp.Compile("^(?:" + match.Value + ")$")
		if err != nil {
			return fmt.Errorf("[%s]: invalid previous.remove_regex %q: %w", match.Version, match.Value, err)
		}
		for _, e := range graph.Edges() {
			if e[1] == match.Version && re.MatchString(e[0]) {
				log.Infof("[%s]: removing previous %s matched by regex", match.Version, e[0])
				graph.RemoveEdge(e[0], e[1])
			}
		}
	}

	return nil
}

// processConditionalEdges converts `<prefix>.conditional-edges` annotations,
// whose value is a JSON array of conditional edges, into conditionalEdges
// graph entries. Transitions referencing unknown versions are dropped with a
// log line; the metadata key is consumed.
func (p *edgeAddRemovePlugin) processConditionalEdges(graph *cincinnati.Graph) error {
	log := logrus.WithField("plugin", EdgeAddRemovePluginName)
	key := p.key(cincinnati.MetadataKeyConditionalEdges)

	for _, match := range graph.FindByMetadata(key) {
		var conditionals []cincinnati.ConditionalEdge
		if err := json.Unmarshal([]byte(match.Value), &conditionals); err != nil {
			return fmt.Errorf("[%s]: invalid conditional-edges annotation: %w", match.Version, err)
		}
		for _, ce := range conditionals {
			var pairs []cincinnati.ConditionalUpdateEdge
			for _, pair := range ce.Edges {
				if _, ok := graph.FindByVersion(pair.From); !ok {
					log.Warnf("[%s]: conditional edge references unknown version %q, skipping", match.Version, pair.From)
					continue
				}
				if _, ok := graph.FindByVersion(pair.To); !ok {
					log.Warnf("[%s]: conditional edge references unknown version %q, skipping", match.Version, pair.To)
					continue
				}
				pairs = append(pairs, pair)
			}
			if len(pairs) == 0 {
				continue
			}
			ce.Edges = pairs
			if err := graph.AddConditionalEdge(ce); err != nil {
				return fmt.Errorf("[%s]: adding conditional edge: %w", match.Version, err)
			}
		}
		if release, ok := graph.FindByVersion(match.Version); ok {
			release.Metadata.Delete(key)
		}
	}

	return nil
}

func splitVersionList(csv string) []string {
	var out []string
	for _, v := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
