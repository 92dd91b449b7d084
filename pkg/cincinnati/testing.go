package cincinnati

import "fmt"

// TestNode describes one release for GenerateCustomGraph: its index-derived
// version and metadata. A "version_suffix" metadata entry is consumed and
// appended to the version string instead of being stored.
type TestNode struct {
	Index    int
	Metadata *Metadata
}

// GenerateGraph builds a small three-node graph used across tests.
func GenerateGraph() *Graph {
	g := NewGraph()
	for _, v := range []string{"1.0.0", "2.0.0", "3.0.0"} {
		if err := g.AddRelease(Release{Version: v, Payload: "image/" + v, Metadata: NewMetadata()}); err != nil {
			panic(err)
		}
	}
	for _, e := range [][2]string{{"1.0.0", "2.0.0"}, {"2.0.0", "3.0.0"}, {"1.0.0", "3.0.0"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			panic(err)
		}
	}
	return g
}

// GenerateCustomGraph builds a graph with versions "<i>.0.0" derived from the
// node indices, payloads "<image>:<i>.0.0" (without any version suffix), and
// the given edges expressed
// as index pairs. A nil edges slice connects the nodes in a chain.
func GenerateCustomGraph(image string, nodes []TestNode, edges [][2]int) *Graph {
	g := NewGraph()
	versions := make([]string, len(nodes))
	for i, node := range nodes {
		metadata := node.Metadata
		if metadata == nil {
			metadata = NewMetadata()
		} else {
			metadata = metadata.Copy()
		}
		version := fmt.Sprintf("%d.0.0", node.Index)
		if suffix, ok := metadata.Delete("version_suffix"); ok {
			version += suffix
		}
		versions[i] = version
		if err := g.AddRelease(Release{
			Version:  version,
			Payload:  fmt.Sprintf("%s:%d.0.0", image, node.Index),
			Metadata: metadata,
		}); err != nil {
			panic(err)
		}
	}
	if edges == nil {
		for i := 0; i+1 < len(versions); i++ {
			if err := g.AddEdge(versions[i], versions[i+1]); err != nil {
				panic(err)
			}
		}
		return g
	}
	for _, e := range edges {
		if err := g.AddEdge(versions[e[0]], versions[e[1]]); err != nil {
			panic(err)
		}
	}
	return g
}
