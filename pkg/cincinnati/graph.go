package cincinnati

import (
	"fmt"
	"sort"
)

// JSON media types served for graphs.
const (
	ContentType          = "application/json"
	VersionedContentType = "application/vnd.redhat.cincinnati.v1+json"
)

// MinGraphVersion is the schema version emitted for versioned graphs.
const MinGraphVersion = 1

// Release is one node of the update graph: a software release with its
// version, payload reference and free-form metadata.
type Release struct {
	Version  string    `json:"version"`
	Payload  string    `json:"payload"`
	Metadata *Metadata `json:"metadata"`
}

type edge struct {
	from string
	to   string
}

// Graph is a directed acyclic graph of releases and the valid transitions
// between them. The zero value is an empty, usable graph.
//
// A Graph is not safe for concurrent mutation. Published snapshots are
// treated as immutable; mutating transforms operate on a Copy.
type Graph struct {
	nodes     []Release
	byVersion map[string]int

	edges   []edge
	edgeSet map[edge]struct{}

	conditionalEdges []ConditionalEdge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		byVersion: map[string]int{},
		edgeSet:   map[edge]struct{}{},
	}
}

func (g *Graph) init() {
	if g.byVersion == nil {
		g.byVersion = map[string]int{}
	}
	if g.edgeSet == nil {
		g.edgeSet = map[edge]struct{}{}
	}
}

// AddRelease appends a release node. The version must be non-empty and unique
// within the graph.
func (g *Graph) AddRelease(release Release) error {
	g.init()
	if release.Version == "" {
		return &MalformedInputError{Reason: "release with empty version"}
	}
	if _, ok := g.byVersion[release.Version]; ok {
		return &DuplicateVersionError{Version: release.Version}
	}
	if release.Metadata == nil {
		release.Metadata = NewMetadata()
	}
	g.byVersion[release.Version] = len(g.nodes)
	g.nodes = append(g.nodes, release)
	return nil
}

// AddEdge records a directed transition between two known releases. Duplicate
// edges return EdgeExistsError and leave the graph unchanged; self-loops and
// edges that would close a cycle are rejected.
func (g *Graph) AddEdge(from, to string) error {
	g.init()
	if _, ok := g.byVersion[from]; !ok {
		return &UnknownNodeError{Version: from}
	}
	if _, ok := g.byVersion[to]; !ok {
		return &UnknownNodeError{Version: to}
	}
	if from == to {
		return &SelfLoopError{Version: from}
	}
	e := edge{from: from, to: to}
	if _, ok := g.edgeSet[e]; ok {
		return &EdgeExistsError{From: from, To: to}
	}
	if g.reachable(to, from) {
		return &CycleError{From: from, To: to}
	}
	g.edgeSet[e] = struct{}{}
	g.edges = append(g.edges, e)
	return nil
}

// HasEdge reports whether the directed edge exists.
func (g *Graph) HasEdge(from, to string) bool {
	_, ok := g.edgeSet[edge{from: from, to: to}]
	return ok
}

// RemoveEdge drops the directed edge if it exists and reports whether it did.
func (g *Graph) RemoveEdge(from, to string) bool {
	e := edge{from: from, to: to}
	if _, ok := g.edgeSet[e]; !ok {
		return false
	}
	delete(g.edgeSet, e)
	for i := range g.edges {
		if g.edges[i] == e {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			break
		}
	}
	return true
}

// RemoveRelease drops the release with the given version along with every
// incident edge and every conditional-edge transition that references it.
// It reports whether the release was present.
func (g *Graph) RemoveRelease(version string) bool {
	idx, ok := g.byVersion[version]
	if !ok {
		return false
	}
	g.nodes = append(g.nodes[:idx], g.nodes[idx+1:]...)
	delete(g.byVersion, version)
	for v, i := range g.byVersion {
		if i > idx {
			g.byVersion[v] = i - 1
		}
	}

	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.from == version || e.to == version {
			delete(g.edgeSet, e)
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept

	var conditionals []ConditionalEdge
	for _, ce := range g.conditionalEdges {
		var pairs []ConditionalUpdateEdge
		for _, pair := range ce.Edges {
			if pair.From == version || pair.To == version {
				continue
			}
			pairs = append(pairs, pair)
		}
		if len(pairs) == 0 {
			continue
		}
		ce.Edges = pairs
		conditionals = append(conditionals, ce)
	}
	g.conditionalEdges = conditionals
	return true
}

// RemoveReleases drops every listed version, ignoring ones that are absent,
// and returns the number removed.
func (g *Graph) RemoveReleases(versions []string) int {
	removed := 0
	for _, v := range versions {
		if g.RemoveRelease(v) {
			removed++
		}
	}
	return removed
}

// AddConditionalEdge validates and appends a conditional edge. Plain edges
// matching any of its transitions are dropped: a transition cannot be both
// unconditional and conditional.
func (g *Graph) AddConditionalEdge(ce ConditionalEdge) error {
	if err := ce.Validate(); err != nil {
		return err
	}
	for _, pair := range ce.Edges {
		g.RemoveEdge(pair.From, pair.To)
	}
	g.conditionalEdges = append(g.conditionalEdges, ce.copy())
	return nil
}

// FindByVersion returns the release with the given version, if present.
func (g *Graph) FindByVersion(version string) (Release, bool) {
	idx, ok := g.byVersion[version]
	if !ok {
		return Release{}, false
	}
	return g.nodes[idx], true
}

// Releases returns the nodes in insertion order. The returned slice shares
// metadata pointers with the graph; callers iterate, they do not mutate
// structure through it.
func (g *Graph) Releases() []Release {
	out := make([]Release, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the edges as from/to version pairs in insertion order.
func (g *Graph) Edges() [][2]string {
	out := make([][2]string, len(g.edges))
	for i, e := range g.edges {
		out[i] = [2]string{e.from, e.to}
	}
	return out
}

// ConditionalEdges returns a copy of the conditional edges in insertion order.
func (g *Graph) ConditionalEdges() []ConditionalEdge {
	out := make([]ConditionalEdge, 0, len(g.conditionalEdges))
	for i := range g.conditionalEdges {
		out = append(out, g.conditionalEdges[i].copy())
	}
	return out
}

// ReleaseCount returns the number of nodes.
func (g *Graph) ReleaseCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of plain edges.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// FindByMetadata returns the versions of all releases whose metadata contains
// the given key, in node order, along with the values.
func (g *Graph) FindByMetadata(key string) []ReleaseMetadataMatch {
	var out []ReleaseMetadataMatch
	for _, node := range g.nodes {
		if v, ok := node.Metadata.Get(key); ok {
			out = append(out, ReleaseMetadataMatch{Version: node.Version, Value: v})
		}
	}
	return out
}

// ReleaseMetadataMatch pairs a release version with the value found for a
// metadata key.
type ReleaseMetadataMatch struct {
	Version string
	Value   string
}

// MutateReleases applies f to every release in node order. Returning an error
// stops the iteration. f may rewrite the version; the index is updated.
func (g *Graph) MutateReleases(f func(r *Release) error) error {
	for i := range g.nodes {
		before := g.nodes[i].Version
		if err := f(&g.nodes[i]); err != nil {
			return err
		}
		if after := g.nodes[i].Version; after != before {
			if after == "" {
				return &MalformedInputError{Reason: "release version rewritten to empty string"}
			}
			if other, ok := g.byVersion[after]; ok && other != i {
				return &DuplicateVersionError{Version: after}
			}
			delete(g.byVersion, before)
			g.byVersion[after] = i
			for j := range g.edges {
				e := g.edges[j]
				delete(g.edgeSet, e)
				if e.from == before {
					e.from = after
				}
				if e.to == before {
					e.to = after
				}
				g.edges[j] = e
				g.edgeSet[e] = struct{}{}
			}
			for j := range g.conditionalEdges {
				for k := range g.conditionalEdges[j].Edges {
					if g.conditionalEdges[j].Edges[k].From == before {
						g.conditionalEdges[j].Edges[k].From = after
					}
					if g.conditionalEdges[j].Edges[k].To == before {
						g.conditionalEdges[j].Edges[k].To = after
					}
				}
			}
		}
	}
	return nil
}

// Validate checks the graph invariants: valid edge endpoints and acyclicity
// via Kahn's algorithm.
func (g *Graph) Validate() error {
	indegree := make(map[string]int, len(g.nodes))
	out := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n.Version] = 0
	}
	for _, e := range g.edges {
		if _, ok := g.byVersion[e.from]; !ok {
			return &UnknownNodeError{Version: e.from}
		}
		if _, ok := g.byVersion[e.to]; !ok {
			return &UnknownNodeError{Version: e.to}
		}
		out[e.from] = append(out[e.from], e.to)
		indegree[e.to]++
	}

	queue := make([]string, 0, len(g.nodes))
	for v, d := range indegree {
		if d == 0 {
			queue = append(queue, v)
		}
	}
	visited := 0
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[v] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(g.nodes) {
		remaining := make([]string, 0)
		for v, d := range indegree {
			if d > 0 {
				remaining = append(remaining, v)
			}
		}
		sort.Strings(remaining)
		return fmt.Errorf("graph contains a cycle involving %v", remaining)
	}
	return nil
}

// Copy returns a deep copy of the graph.
func (g *Graph) Copy() *Graph {
	out := NewGraph()
	for _, n := range g.nodes {
		out.byVersion[n.Version] = len(out.nodes)
		out.nodes = append(out.nodes, Release{
			Version:  n.Version,
			Payload:  n.Payload,
			Metadata: n.Metadata.Copy(),
		})
	}
	for _, e := range g.edges {
		out.edges = append(out.edges, e)
		out.edgeSet[e] = struct{}{}
	}
	out.conditionalEdges = g.ConditionalEdges()
	return out
}

// Equal reports structural equality: same releases with equal metadata, the
// same edge set, and the same conditional edges. Node and edge order is not
// significant.
func (g *Graph) Equal(other *Graph) bool {
	if len(g.nodes) != len(other.nodes) || len(g.edges) != len(other.edges) ||
		len(g.conditionalEdges) != len(other.conditionalEdges) {
		return false
	}
	for _, n := range g.nodes {
		o, ok := other.FindByVersion(n.Version)
		if !ok || o.Payload != n.Payload || !n.Metadata.Equal(o.Metadata) {
			return false
		}
	}
	for _, e := range g.edges {
		if _, ok := other.edgeSet[e]; !ok {
			return false
		}
	}
	for i := range g.conditionalEdges {
		if !conditionalEdgesEqual(g.conditionalEdges[i], other.conditionalEdges[i]) {
			return false
		}
	}
	return true
}

func conditionalEdgesEqual(a, b ConditionalEdge) bool {
	if len(a.Edges) != len(b.Edges) || len(a.Risks) != len(b.Risks) {
		return false
	}
	for i := range a.Edges {
		if a.Edges[i] != b.Edges[i] {
			return false
		}
	}
	for i := range a.Risks {
		ra, rb := a.Risks[i], b.Risks[i]
		if ra.URL != rb.URL || ra.Name != rb.Name || ra.Message != rb.Message ||
			len(ra.MatchingRules) != len(rb.MatchingRules) {
			return false
		}
		for j := range ra.MatchingRules {
			ma, mb := ra.MatchingRules[j], rb.MatchingRules[j]
			if ma.Type != mb.Type {
				return false
			}
			switch {
			case ma.PromQL == nil && mb.PromQL == nil:
			case ma.PromQL != nil && mb.PromQL != nil && *ma.PromQL == *mb.PromQL:
			default:
				return false
			}
		}
	}
	return true
}

// reachable reports whether to is reachable from from by following edges.
func (g *Graph) reachable(from, to string) bool {
	if from == to {
		return true
	}
	out := map[string][]string{}
	for _, e := range g.edges {
		out[e.from] = append(out[e.from], e.to)
	}
	seen := map[string]struct{}{from: {}}
	stack := []string{from}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range out[v] {
			if next == to {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}
