package cincinnati

import (
	"encoding/json"
	"fmt"
)

// graphJSON is the wire form of a graph. Unknown fields in the input are
// ignored; the output carries exactly these fields.
type graphJSON struct {
	Nodes            []Release         `json:"nodes"`
	Edges            [][2]int          `json:"edges"`
	ConditionalEdges []ConditionalEdge `json:"conditionalEdges"`
}

// MarshalJSON serializes the graph with node indices for edges. Nodes and
// edges are emitted in insertion order; metadata keys keep their order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.wireForm())
}

func (g *Graph) wireForm() graphJSON {
	wire := graphJSON{
		Nodes:            make([]Release, 0, len(g.nodes)),
		Edges:            make([][2]int, 0, len(g.edges)),
		ConditionalEdges: make([]ConditionalEdge, 0, len(g.conditionalEdges)),
	}
	wire.Nodes = append(wire.Nodes, g.nodes...)
	for _, e := range g.edges {
		wire.Edges = append(wire.Edges, [2]int{g.byVersion[e.from], g.byVersion[e.to]})
	}
	wire.ConditionalEdges = append(wire.ConditionalEdges, g.conditionalEdges...)
	return wire
}

// UnmarshalJSON parses the wire form, enforcing unique non-empty versions,
// valid edge endpoints and acyclicity.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var wire graphJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return &MalformedInputError{Reason: err.Error()}
	}

	parsed := NewGraph()
	for _, node := range wire.Nodes {
		if err := parsed.AddRelease(node); err != nil {
			return &MalformedInputError{Reason: err.Error()}
		}
	}
	for _, e := range wire.Edges {
		if e[0] < 0 || e[0] >= len(parsed.nodes) || e[1] < 0 || e[1] >= len(parsed.nodes) {
			return &MalformedInputError{Reason: fmt.Sprintf("edge %v references a node out of range", e)}
		}
		err := parsed.AddEdge(parsed.nodes[e[0]].Version, parsed.nodes[e[1]].Version)
		if err != nil && !IsEdgeExists(err) {
			return &MalformedInputError{Reason: err.Error()}
		}
	}
	for _, ce := range wire.ConditionalEdges {
		if err := ce.Validate(); err != nil {
			return &MalformedInputError{Reason: err.Error()}
		}
		parsed.conditionalEdges = append(parsed.conditionalEdges, ce)
	}

	*g = *parsed
	return nil
}

// VersionedGraph wraps a graph with the schema version field served to
// clients that negotiated the versioned content type.
type VersionedGraph struct {
	Version int
	Graph   *Graph
}

// MarshalJSON emits the version field followed by the flattened graph fields.
func (v VersionedGraph) MarshalJSON() ([]byte, error) {
	wire := struct {
		Version int `json:"version"`
		graphJSON
	}{
		Version:   v.Version,
		graphJSON: v.Graph.wireForm(),
	}
	return json.Marshal(wire)
}
