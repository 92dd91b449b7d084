// Package plugins defines the graph-transform plugin contract, the pipeline
// executor both services run, and the built-in plugins.
package plugins

import (
	"context"
	"fmt"
	"strings"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

// Phase classifies where a plugin may block.
type Phase string

const (
	// PhaseInternal plugins are pure CPU transforms.
	PhaseInternal Phase = "Internal"
	// PhaseExternal plugins may perform outbound network I/O.
	PhaseExternal Phase = "External"
	// PhaseInternalIO plugins may touch local disk.
	PhaseInternalIO Phase = "InternalIO"
)

// Well-known parameter keys carried through a pipeline run.
const (
	ParamChannel      = "channel"
	ParamArch         = "arch"
	ParamBaseArch     = "basearch"
	ParamContentType  = "content_type"
	ParamGraphVersion = "graph_version"
	ParamRequestID    = "request_id"
	ParamGraphDataDir = "graph_data_dir"
)

// PluginIO is the value passed between pipeline steps: the graph being
// transformed plus the per-request parameters. Parameters a plugin does not
// recognize pass through unchanged.
type PluginIO struct {
	Graph      *cincinnati.Graph
	Parameters map[string]string
}

// Copy returns a PluginIO with a copied parameter map and the same graph
// reference.
func (io PluginIO) Copy() PluginIO {
	params := make(map[string]string, len(io.Parameters))
	for k, v := range io.Parameters {
		params[k] = v
	}
	return PluginIO{Graph: io.Graph, Parameters: params}
}

// Plugin transforms a graph. Implementations own the graph value they receive
// and return a new (or the same, mutated) graph value.
type Plugin interface {
	// Name identifies the plugin in configuration, logs and metrics.
	Name() string
	// Phase declares where the plugin may block.
	Phase() Phase
	// Transform runs the plugin. The context carries cancellation and, for
	// External plugins, the per-plugin timeout.
	Transform(ctx context.Context, io PluginIO) (PluginIO, error)
}

// Error tags a plugin failure with the plugin's name and phase.
type Error struct {
	Plugin string
	Phase  Phase
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %q (%s): %v", e.Plugin, e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MissingParamsError reports mandatory pipeline parameters absent from a
// request.
type MissingParamsError struct {
	Params []string
}

func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("mandatory client parameters missing: %s", strings.Join(e.Params, ", "))
}

// InvalidParamsError reports a malformed pipeline parameter value.
type InvalidParamsError struct {
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return e.Reason
}
