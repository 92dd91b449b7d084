package cincinnati

import (
	"errors"
	"fmt"
)

// DuplicateVersionError is returned when a release with an already-known
// version is added to a graph.
type DuplicateVersionError struct {
	Version string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("release with version %q already exists in the graph", e.Version)
}

// UnknownNodeError is returned when an edge references a version that is not
// present in the graph.
type UnknownNodeError struct {
	Version string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("no release with version %q in the graph", e.Version)
}

// CycleError is returned when an edge insertion would make the graph cyclic.
type CycleError struct {
	From string
	To   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("edge from %q to %q would create a cycle", e.From, e.To)
}

// EdgeExistsError is returned when an identical edge is already present.
// Callers that want collapse-to-one semantics treat it as a no-op.
type EdgeExistsError struct {
	From string
	To   string
}

func (e *EdgeExistsError) Error() string {
	return fmt.Sprintf("edge from %q to %q already exists", e.From, e.To)
}

// SelfLoopError is returned when an edge would start and end on the same node.
type SelfLoopError struct {
	Version string
}

func (e *SelfLoopError) Error() string {
	return fmt.Sprintf("self-loop on %q is not allowed", e.Version)
}

// MalformedInputError is returned when parsing a serialized graph fails.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed graph input: %s", e.Reason)
}

// IsDuplicateVersion reports whether err is a DuplicateVersionError.
func IsDuplicateVersion(err error) bool {
	var dup *DuplicateVersionError
	return errors.As(err, &dup)
}

// IsEdgeExists reports whether err is an EdgeExistsError.
func IsEdgeExists(err error) bool {
	var exists *EdgeExistsError
	return errors.As(err, &exists)
}

// IsCycle reports whether err is a CycleError.
func IsCycle(err error) bool {
	var cycle *CycleError
	return errors.As(err, &cycle)
}
