package plugins

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

// ChannelFilterPluginName is the configuration name of the channel filter.
const ChannelFilterPluginName = "channel-filter"

var channelValidationRegexp = regexp.MustCompile(`^[0-9a-z\-\.]+$`)

// ChannelFilterSettings configures the channel filter.
type ChannelFilterSettings struct {
	KeyPrefix string `toml:"key_prefix"`
	KeySuffix string `toml:"key_suffix"`
}

func deserializeChannelFilterSettings(decode func(interface{}) error) (Settings, error) {
	s := &ChannelFilterSettings{
		KeyPrefix: cincinnati.MetadataKeyPrefix,
		KeySuffix: cincinnati.MetadataKeyChannels,
	}
	if err := decode(s); err != nil {
		return nil, err
	}
	if s.KeyPrefix == "" {
		return nil, fmt.Errorf("empty channel-key prefix")
	}
	if s.KeySuffix == "" {
		return nil, fmt.Errorf("empty channel-key suffix")
	}
	return s, nil
}

// Name implements Settings.
func (s *ChannelFilterSettings) Name() string { return ChannelFilterPluginName }

// Build implements Settings.
func (s *ChannelFilterSettings) Build(_ prometheus.Registerer) (Plugin, error) {
	return &channelFilterPlugin{settings: *s}, nil
}

// channelFilterPlugin keeps exactly the releases whose channel list contains
// the requested channel, dropping incident edges with the removed nodes.
type channelFilterPlugin struct {
	settings ChannelFilterSettings
}

func (p *channelFilterPlugin) Name() string { return ChannelFilterPluginName }

func (p *channelFilterPlugin) Phase() Phase { return PhaseInternal }

func (p *channelFilterPlugin) Transform(_ context.Context, io PluginIO) (PluginIO, error) {
	channel, ok := io.Parameters[ParamChannel]
	if !ok {
		return io, &MissingParamsError{Params: []string{ParamChannel}}
	}
	if !channelValidationRegexp.MatchString(channel) {
		return io, &InvalidParamsError{Reason: fmt.Sprintf(
			"channel %q does not match regex %q", channel, channelValidationRegexp.String())}
	}

	graph := io.Graph
	key := p.settings.KeyPrefix + "." + p.settings.KeySuffix

	var toRemove []string
	for _, release := range graph.Releases() {
		value, ok := release.Metadata.Get(key)
		if !ok {
			toRemove = append(toRemove, release.Version)
			continue
		}
		member := false
		for _, candidate := range strings.Split(value, ",") {
			if strings.TrimSpace(candidate) == channel {
				member = true
				break
			}
		}
		if !member {
			toRemove = append(toRemove, release.Version)
		}
	}

	removed := graph.RemoveReleases(toRemove)
	logrus.WithField("plugin", ChannelFilterPluginName).Tracef("removed %d releases", removed)

	return PluginIO{Graph: graph, Parameters: io.Parameters}, nil
}
