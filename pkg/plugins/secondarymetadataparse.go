package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/blang/semver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

// SecondaryMetadataParsePluginName is the configuration name of the
// graph-data parser.
const SecondaryMetadataParsePluginName = "openshift-secondary-metadata-parse"

// Graph-data layout consumed by the parser.
const (
	GraphDataVersionFile     = "version"
	GraphDataRawMetadataFile = "raw/metadata.json"
	GraphDataChannelsDir     = "channels"
	GraphDataBlockedEdgesDir = "blocked-edges"
)

var supportedGraphDataVersions = []string{"1.0.0"}

// SecondaryMetadataParseSettings configures the graph-data parser.
type SecondaryMetadataParseSettings struct {
	DataDirectory string `toml:"data_directory"`
	KeyPrefix     string `toml:"key_prefix"`
	DefaultArch   string `toml:"default_arch"`
}

func deserializeSecondaryMetadataParseSettings(decode func(interface{}) error) (Settings, error) {
	s := &SecondaryMetadataParseSettings{
		KeyPrefix:   cincinnati.MetadataKeyPrefix,
		DefaultArch: DefaultArch,
	}
	if err := decode(s); err != nil {
		return nil, err
	}
	if s.KeyPrefix == "" {
		return nil, fmt.Errorf("empty key_prefix")
	}
	if s.DefaultArch == "" {
		return nil, fmt.Errorf("empty default_arch")
	}
	return s, nil
}

// Name implements Settings.
func (s *SecondaryMetadataParseSettings) Name() string { return SecondaryMetadataParsePluginName }

// Build implements Settings.
func (s *SecondaryMetadataParseSettings) Build(_ prometheus.Registerer) (Plugin, error) {
	return NewSecondaryMetadataParsePlugin(*s, afero.NewOsFs()), nil
}

// channelFile is one channel declaration in the data repository.
type channelFile struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
}

// blockedEdgeFile is one blocked-edge declaration in the data repository.
// When risk details are present the block becomes a conditional edge instead
// of an unconditional removal.
type blockedEdgeFile struct {
	To            string                    `json:"to"`
	From          string                    `json:"from"`
	URL           string                    `json:"url"`
	Name          string                    `json:"name"`
	Message       string                    `json:"message"`
	MatchingRules []cincinnati.MatchingRule `json:"matchingRules"`
}

// rawMetadataFile maps release versions to extra metadata key/value pairs.
type rawMetadataFile map[string]map[string]string

// NewSecondaryMetadataParsePlugin builds the parser over the given
// filesystem; tests pass a memory-backed one.
func NewSecondaryMetadataParsePlugin(settings SecondaryMetadataParseSettings, fs afero.Fs) *SecondaryMetadataParsePlugin {
	return &SecondaryMetadataParsePlugin{settings: settings, fs: fs}
}

// SecondaryMetadataParsePlugin augments the scraped graph with the channel
// membership, blocked-edge and raw-metadata files from the graph-data
// working directory.
type SecondaryMetadataParsePlugin struct {
	settings SecondaryMetadataParseSettings
	fs       afero.Fs
}

// Name implements Plugin.
func (p *SecondaryMetadataParsePlugin) Name() string { return SecondaryMetadataParsePluginName }

// Phase implements Plugin.
func (p *SecondaryMetadataParsePlugin) Phase() Phase { return PhaseInternalIO }

// Transform implements Plugin.
func (p *SecondaryMetadataParsePlugin) Transform(_ context.Context, io PluginIO) (PluginIO, error) {
	dataDir := p.settings.DataDirectory
	if fromParams, ok := io.Parameters[ParamGraphDataDir]; ok {
		dataDir = fromParams
	}
	if dataDir == "" {
		return io, fmt.Errorf("no graph-data directory configured")
	}

	if err := p.checkVersion(dataDir); err != nil {
		return io, err
	}
	if err := p.processRawMetadata(io.Graph, dataDir); err != nil {
		return io, err
	}
	if err := p.processBlockedEdges(io.Graph, dataDir); err != nil {
		return io, err
	}
	if err := p.processChannels(io.Graph, dataDir); err != nil {
		return io, err
	}
	return io, nil
}

func (p *SecondaryMetadataParsePlugin) checkVersion(dataDir string) error {
	path := filepath.Join(dataDir, GraphDataVersionFile)
	raw, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	version := strings.TrimSpace(string(raw))
	for _, supported := range supportedGraphDataVersions {
		if version == supported {
			return nil
		}
	}
	return fmt.Errorf("unrecognized graph-data version %q; supported versions: %v", version, supportedGraphDataVersions)
}

// processRawMetadata merges per-version key/value pairs into the matching
// releases, appending with a comma when the key already exists.
func (p *SecondaryMetadataParsePlugin) processRawMetadata(graph *cincinnati.Graph, dataDir string) error {
	log := logrus.WithField("plugin", SecondaryMetadataParsePluginName)
	path := filepath.Join(dataDir, GraphDataRawMetadataFile)
	raw, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var rawMetadata rawMetadataFile
	if err := json.Unmarshal(raw, &rawMetadata); err != nil {
		return fmt.Errorf("malformed metadata %s: %w", path, err)
	}
	log.Debugf("found %d raw metadata entries", len(rawMetadata))

	for version, entries := range rawMetadata {
		release, ok := findBySemver(graph, version)
		if !ok {
			log.Infof("release with version %s not found in graph", version)
			continue
		}
		for _, key := range sortedKeys(entries) {
			value := entries[key]
			if previous, ok := release.Metadata.Get(key); ok {
				release.Metadata.Set(key, previous+","+value)
			} else {
				release.Metadata.Set(key, value)
			}
		}
	}
	return nil
}

// processBlockedEdges annotates target releases so that edge-add-remove
// blocks the matching transitions: unconditional blocks become
// previous.remove_regex metadata, blocks with risk details become
// conditional-edge annotations.
func (p *SecondaryMetadataParsePlugin) processBlockedEdges(graph *cincinnati.Graph, dataDir string) error {
	log := logrus.WithField("plugin", SecondaryMetadataParsePluginName)
	dir := filepath.Join(dataDir, GraphDataBlockedEdgesDir)
	blockedEdges, err := readYAMLDir[blockedEdgeFile](p.fs, dir)
	if err != nil {
		return err
	}
	log.Debugf("found %d valid blocked edges declarations", len(blockedEdges))

	// Blocks without an explicit architecture apply to the same version on
	// every architecture present in the graph.
	architectures := graphArchitectures(graph)

	for _, blocked := range blockedEdges {
		if _, err := regexp.Compile(blocked.From); err != nil {
			return fmt.Errorf("malformed metadata in %s: invalid from regex %q: %w", dir, blocked.From, err)
		}
		for _, target := range expandBlockedTargets(blocked.To, architectures) {
			release, ok := graph.FindByVersion(target)
			if !ok {
				log.Infof("release with version %s not found in graph", target)
				continue
			}
			if blocked.URL == "" && blocked.Name == "" && len(blocked.MatchingRules) == 0 {
				release.Metadata.Set(p.settings.KeyPrefix+"."+cincinnati.MetadataKeyPreviousRemoveRegex, blocked.From)
				continue
			}
			if err := p.annotateConditionalEdges(graph, release, blocked); err != nil {
				return err
			}
		}
	}
	return nil
}

// annotateConditionalEdges expands the blocked-edge regex against the graph
// and appends a conditional-edge annotation on the target release. Like
// previous.remove_regex, the regex must match a whole source version.
func (p *SecondaryMetadataParsePlugin) annotateConditionalEdges(graph *cincinnati.Graph, release cincinnati.Release, blocked blockedEdgeFile) error {
	re, err := regexp.Compile("^(?:" + blocked.From + ")$")
	if err != nil {
		return err
	}
	var pairs []cincinnati.ConditionalUpdateEdge
	for _, candidate := range graph.Releases() {
		if candidate.Version != release.Version && re.MatchString(candidate.Version) {
			pairs = append(pairs, cincinnati.ConditionalUpdateEdge{From: candidate.Version, To: release.Version})
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	rules := blocked.MatchingRules
	if len(rules) == 0 {
		rules = []cincinnati.MatchingRule{{Type: cincinnati.MatchingRuleAlways}}
	}
	conditional := cincinnati.ConditionalEdge{
		Edges: pairs,
		Risks: []cincinnati.ConditionalUpdateRisk{{
			URL:           blocked.URL,
			Name:          blocked.Name,
			Message:       blocked.Message,
			MatchingRules: rules,
		}},
	}

	key := p.settings.KeyPrefix + "." + cincinnati.MetadataKeyConditionalEdges
	var existing []cincinnati.ConditionalEdge
	if value, ok := release.Metadata.Get(key); ok {
		if err := json.Unmarshal([]byte(value), &existing); err != nil {
			return fmt.Errorf("invalid existing conditional-edges annotation on %s: %w", release.Version, err)
		}
	}
	existing = append(existing, conditional)
	encoded, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	release.Metadata.Set(key, string(encoded))
	return nil
}

// processChannels merges the channel declarations into the release metadata:
// membership lists are de-duplicated and ordered lexically first, then by the
// channel name after its first dash, matching the ordering the hack tooling
// used to emit.
func (p *SecondaryMetadataParsePlugin) processChannels(graph *cincinnati.Graph, dataDir string) error {
	log := logrus.WithField("plugin", SecondaryMetadataParsePluginName)
	dir := filepath.Join(dataDir, GraphDataChannelsDir)
	channels, err := readYAMLDir[channelFile](p.fs, dir)
	if err != nil {
		return err
	}
	log.Debugf("found %d valid channel declarations", len(channels))

	key := p.settings.KeyPrefix + "." + cincinnati.MetadataKeyChannels
	for _, channel := range channels {
		for _, version := range channel.Versions {
			release, ok := findBySemver(graph, version)
			if !ok {
				log.Infof("release with version %s not found in graph", version)
				continue
			}
			if existing, ok := release.Metadata.Get(key); ok {
				release.Metadata.Set(key, existing+","+channel.Name)
			} else {
				release.Metadata.Set(key, channel.Name)
			}
		}
	}

	for _, release := range graph.Releases() {
		value, ok := release.Metadata.Get(key)
		if !ok {
			continue
		}
		release.Metadata.Set(key, normalizeChannels(value))
	}
	return nil
}

// normalizeChannels de-duplicates and sorts a comma-separated channel list.
func normalizeChannels(value string) string {
	seen := map[string]struct{}{}
	var channels []string
	for _, channel := range strings.Split(value, ",") {
		channel = strings.TrimSpace(channel)
		if channel == "" {
			continue
		}
		if _, ok := seen[channel]; ok {
			continue
		}
		seen[channel] = struct{}{}
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	sort.SliceStable(channels, func(i, j int) bool {
		return channelSuffix(channels[i]) < channelSuffix(channels[j])
	})
	return strings.Join(channels, ",")
}

func channelSuffix(channel string) string {
	if idx := strings.Index(channel, "-"); idx >= 0 {
		return channel[idx+1:]
	}
	return channel
}

// expandBlockedTargets resolves a blocked-edge target without explicit build
// information to the same version on every architecture in the graph.
func expandBlockedTargets(to string, architectures []string) []string {
	version, err := semver.Parse(to)
	if err != nil {
		// non-SemVer targets are matched verbatim
		return []string{to}
	}
	if len(version.Build) > 0 {
		return []string{to}
	}
	// special case from the data repository where the s390x arch was encoded
	// with '-' instead of '+'
	if len(version.Pre) == 1 && version.Pre[0].VersionStr == "s390x" {
		version.Pre = nil
		version.Build = []string{"s390x"}
		return []string{version.String()}
	}
	if len(architectures) == 0 {
		return []string{to}
	}
	targets := make([]string, 0, len(architectures))
	for _, arch := range architectures {
		expanded := version
		if arch != "" {
			expanded.Build = []string{arch}
		}
		targets = append(targets, expanded.String())
	}
	return targets
}

// graphArchitectures collects the distinct build identifiers of the SemVer
// versions in the graph, the empty string standing for suffix-less versions.
func graphArchitectures(graph *cincinnati.Graph) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, release := range graph.Releases() {
		version, err := semver.Parse(release.Version)
		if err != nil {
			logrus.Warnf("%s is not SemVer compliant: %v", release.Version, err)
			continue
		}
		arch := strings.Join(version.Build, ".")
		if _, ok := seen[arch]; !ok {
			seen[arch] = struct{}{}
			out = append(out, arch)
		}
	}
	sort.Strings(out)
	return out
}

// findBySemver matches a version string against the graph releases comparing
// SemVer values, tolerating build-suffix differences when the wanted version
// has none.
func findBySemver(graph *cincinnati.Graph, version string) (cincinnati.Release, bool) {
	if release, ok := graph.FindByVersion(version); ok {
		return release, ok
	}
	wanted, err := semver.Parse(version)
	if err != nil {
		return cincinnati.Release{}, false
	}
	for _, release := range graph.Releases() {
		candidate, err := semver.Parse(release.Version)
		if err != nil {
			continue
		}
		buildEq := len(wanted.Build) == 0 || strings.Join(wanted.Build, ".") == strings.Join(candidate.Build, ".")
		candidate.Build = nil
		compared := wanted
		compared.Build = nil
		if candidate.Equals(compared) && buildEq {
			return release, true
		}
	}
	return cincinnati.Release{}, false
}

// readYAMLDir parses every .yml/.yaml file in dir. A missing directory is
// empty, not an error; unparseable files are fatal.
func readYAMLDir[T any](fs afero.Fs, dir string) ([]T, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		if exists, _ := afero.DirExists(fs, dir); !exists {
			return nil, nil
		}
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}
	var out []T
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(info.Name()))
		if ext != ".yaml" && ext != ".yml" {
			logrus.Debugf("%s has an unexpected extension, skipping", info.Name())
			continue
		}
		path := filepath.Join(dir, info.Name())
		raw, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var value T
		if err := yaml.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("malformed metadata %s: %w", path, err)
		}
		out = append(out, value)
	}
	return out, nil
}
