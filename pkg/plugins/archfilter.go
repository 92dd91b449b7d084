package plugins

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/blang/semver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

// ArchFilterPluginName is the configuration name of the arch filter.
const ArchFilterPluginName = "arch-filter"

// DefaultArch is assumed for requests and releases that do not state one.
const DefaultArch = "amd64"

// ArchMulti is the label of multi-architecture payloads.
const ArchMulti = "multi"

var archValidationRegexp = regexp.MustCompile(`^[0-9a-z]+$`)

// ArchFilterSettings configures the arch filter.
type ArchFilterSettings struct {
	KeyPrefix   string `toml:"key_prefix"`
	KeySuffix   string `toml:"key_suffix"`
	DefaultArch string `toml:"default_arch"`
}

func deserializeArchFilterSettings(decode func(interface{}) error) (Settings, error) {
	s := &ArchFilterSettings{
		KeyPrefix:   cincinnati.MetadataKeyPrefix,
		KeySuffix:   cincinnati.MetadataKeyArch,
		DefaultArch: DefaultArch,
	}
	if err := decode(s); err != nil {
		return nil, err
	}
	if s.KeyPrefix == "" {
		return nil, fmt.Errorf("empty arch-key prefix")
	}
	if s.KeySuffix == "" {
		return nil, fmt.Errorf("empty arch-key suffix")
	}
	if s.DefaultArch == "" {
		return nil, fmt.Errorf("empty default arch")
	}
	return s, nil
}

// Name implements Settings.
func (s *ArchFilterSettings) Name() string { return ArchFilterPluginName }

// Build implements Settings.
func (s *ArchFilterSettings) Build(_ prometheus.Registerer) (Plugin, error) {
	return &archFilterPlugin{settings: *s}, nil
}

// archFilterPlugin filters the graph by the requested architecture and strips
// the architecture build suffix from the surviving version strings.
type archFilterPlugin struct {
	settings ArchFilterSettings
}

func (p *archFilterPlugin) Name() string { return ArchFilterPluginName }

func (p *archFilterPlugin) Phase() Phase { return PhaseInternal }

func (p *archFilterPlugin) Transform(_ context.Context, io PluginIO) (PluginIO, error) {
	arch, err := p.inferArch(io.Parameters)
	if err != nil {
		return io, err
	}

	graph := io.Graph
	key := p.settings.KeyPrefix + "." + p.settings.KeySuffix

	var toRemove []string
	for _, release := range graph.Releases() {
		value, ok := release.Metadata.Delete(key)
		if !ok {
			// No arch label: the release counts as the default arch.
			if arch != p.settings.DefaultArch {
				toRemove = append(toRemove, release.Version)
			}
			continue
		}
		matches := false
		for _, candidate := range strings.Split(value, ",") {
			if strings.TrimSpace(candidate) == arch {
				matches = true
				break
			}
		}
		if !matches {
			toRemove = append(toRemove, release.Version)
		}
	}
	removed := graph.RemoveReleases(toRemove)
	logrus.WithField("plugin", ArchFilterPluginName).Tracef("removed %d releases", removed)

	// Strip the arch from the version build information. Releases whose
	// version is not SemVer keep it verbatim.
	err = graph.MutateReleases(func(r *cincinnati.Release) error {
		version, parseErr := semver.Parse(r.Version)
		if parseErr != nil {
			logrus.WithField("version", r.Version).WithError(parseErr).
				Debug("version is not SemVer, keeping the build suffix")
			return nil
		}
		var build []string
		for _, elem := range version.Build {
			if elem != arch {
				build = append(build, elem)
			}
		}
		if len(build) == len(version.Build) {
			return nil
		}
		version.Build = build
		r.Version = version.String()
		return nil
	})
	if err != nil {
		return io, fmt.Errorf("rewriting arch version suffixes: %w", err)
	}

	return PluginIO{Graph: graph, Parameters: io.Parameters}, nil
}

func (p *archFilterPlugin) inferArch(params map[string]string) (string, error) {
	arch, ok := params[ParamArch]
	if !ok {
		logrus.Debugf("no architecture given, assuming the default %s", p.settings.DefaultArch)
		return p.settings.DefaultArch, nil
	}
	if !archValidationRegexp.MatchString(arch) {
		return "", &InvalidParamsError{Reason: fmt.Sprintf(
			"arch %q does not match regex %q", arch, archValidationRegexp.String())}
	}
	return arch, nil
}
