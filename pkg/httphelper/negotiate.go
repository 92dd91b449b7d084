package httphelper

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openshift/cincinnati/pkg/cincinnati"
)

// NegotiateGraphContentType picks the response media type for a graph
// request. An absent or wildcard Accept header selects the versioned type;
// explicit acceptable types are echoed back; anything else is an error.
func NegotiateGraphContentType(accept string) (string, error) {
	if strings.TrimSpace(accept) == "" {
		return cincinnati.VersionedContentType, nil
	}
	for _, candidate := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(candidate, ";", 2)[0])
		switch mediaType {
		case cincinnati.VersionedContentType:
			return cincinnati.VersionedContentType, nil
		case cincinnati.ContentType:
			return cincinnati.ContentType, nil
		case "*/*", "application/*":
			return cincinnati.VersionedContentType, nil
		}
	}
	return "", fmt.Errorf("no acceptable content type in %q", accept)
}

// NewPrefixedRegistry returns a fresh Prometheus registry together with a
// registerer that prefixes all metric names, the way each service namespaces
// its metrics (cincinnati_gb_*, cincinnati_pe_*).
func NewPrefixedRegistry(prefix string) (*prometheus.Registry, prometheus.Registerer) {
	registry := prometheus.NewRegistry()
	if prefix == "" {
		return registry, registry
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return registry, prometheus.WrapRegistererWithPrefix(prefix, registry)
}
