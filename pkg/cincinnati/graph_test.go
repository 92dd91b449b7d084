package cincinnati

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddReleaseRejectsDuplicates(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddRelease(Release{Version: "1.0.0", Payload: "image:1.0.0"}))
	err := g.AddRelease(Release{Version: "1.0.0", Payload: "image:other"})
	require.Error(t, err)
	assert.True(t, IsDuplicateVersion(err))
	assert.Equal(t, 1, g.ReleaseCount())
}

func TestAddReleaseRejectsEmptyVersion(t *testing.T) {
	g := NewGraph()
	require.Error(t, g.AddRelease(Release{Payload: "image:none"}))
}

func TestAddEdge(t *testing.T) {
	testCases := []struct {
		name     string
		from, to string
		check    func(*testing.T, error)
	}{{
		name: "valid edge",
		from: "1.0.0", to: "2.0.0",
		check: func(t *testing.T, err error) { require.NoError(t, err) },
	}, {
		name: "unknown source",
		from: "9.0.0", to: "2.0.0",
		check: func(t *testing.T, err error) {
			var unknown *UnknownNodeError
			require.ErrorAs(t, err, &unknown)
			assert.Equal(t, "9.0.0", unknown.Version)
		},
	}, {
		name: "unknown target",
		from: "1.0.0", to: "9.0.0",
		check: func(t *testing.T, err error) {
			var unknown *UnknownNodeError
			require.ErrorAs(t, err, &unknown)
		},
	}, {
		name: "self loop",
		from: "1.0.0", to: "1.0.0",
		check: func(t *testing.T, err error) {
			var loop *SelfLoopError
			require.ErrorAs(t, err, &loop)
		},
	}}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGraph()
			require.NoError(t, g.AddRelease(Release{Version: "1.0.0"}))
			require.NoError(t, g.AddRelease(Release{Version: "2.0.0"}))
			tc.check(t, g.AddEdge(tc.from, tc.to))
		})
	}
}

func TestAddEdgeCollapsesDuplicates(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddRelease(Release{Version: "1.0.0"}))
	require.NoError(t, g.AddRelease(Release{Version: "2.0.0"}))
	require.NoError(t, g.AddEdge("1.0.0", "2.0.0"))
	err := g.AddEdge("1.0.0", "2.0.0")
	require.Error(t, err)
	assert.True(t, IsEdgeExists(err))
	assert.Equal(t, 1, g.EdgeCount())
}

func TestAddEdgeRejectsCycles(t *testing.T) {
	g := NewGraph()
	for _, v := range []string{"1.0.0", "2.0.0", "3.0.0"} {
		require.NoError(t, g.AddRelease(Release{Version: v}))
	}
	require.NoError(t, g.AddEdge("1.0.0", "2.0.0"))
	require.NoError(t, g.AddEdge("2.0.0", "3.0.0"))

	err := g.AddEdge("3.0.0", "1.0.0")
	require.Error(t, err)
	assert.True(t, IsCycle(err))
	require.NoError(t, g.Validate())
}

func TestRemoveReleaseDropsIncidentEdges(t *testing.T) {
	g := GenerateGraph()
	require.True(t, g.RemoveRelease("2.0.0"))

	_, found := g.FindByVersion("2.0.0")
	assert.False(t, found)
	assert.Equal(t, [][2]string{{"1.0.0", "3.0.0"}}, g.Edges())
}

func TestRemoveReleaseDropsConditionalEdgeTransitions(t *testing.T) {
	g := GenerateGraph()
	require.NoError(t, g.AddConditionalEdge(ConditionalEdge{
		Edges: []ConditionalUpdateEdge{
			{From: "1.0.0", To: "2.0.0"},
			{From: "2.0.0", To: "3.0.0"},
		},
		Risks: []ConditionalUpdateRisk{{
			Name:          "SomeRisk",
			MatchingRules: []MatchingRule{{Type: MatchingRuleAlways}},
		}},
	}))

	require.True(t, g.RemoveRelease("1.0.0"))
	ces := g.ConditionalEdges()
	require.Len(t, ces, 1)
	assert.Equal(t, []ConditionalUpdateEdge{{From: "2.0.0", To: "3.0.0"}}, ces[0].Edges)

	require.True(t, g.RemoveRelease("3.0.0"))
	assert.Empty(t, g.ConditionalEdges())
}

func TestAddConditionalEdgeReplacesPlainEdge(t *testing.T) {
	g := GenerateGraph()
	require.NoError(t, g.AddConditionalEdge(ConditionalEdge{
		Edges: []ConditionalUpdateEdge{{From: "1.0.0", To: "2.0.0"}},
		Risks: []ConditionalUpdateRisk{{
			Name:          "SomeRisk",
			MatchingRules: []MatchingRule{{Type: MatchingRuleAlways}},
		}},
	}))
	assert.False(t, g.HasEdge("1.0.0", "2.0.0"))
	assert.True(t, g.HasEdge("2.0.0", "3.0.0"))
}

func TestAddConditionalEdgeValidates(t *testing.T) {
	g := NewGraph()
	require.Error(t, g.AddConditionalEdge(ConditionalEdge{}))
	require.Error(t, g.AddConditionalEdge(ConditionalEdge{
		Edges: []ConditionalUpdateEdge{{From: "a", To: "b"}},
		Risks: []ConditionalUpdateRisk{{Name: "NoRules"}},
	}))
	require.Error(t, g.AddConditionalEdge(ConditionalEdge{
		Edges: []ConditionalUpdateEdge{{From: "a", To: "b"}},
		Risks: []ConditionalUpdateRisk{{
			Name:          "EmptyPromQL",
			MatchingRules: []MatchingRule{{Type: MatchingRulePromQL}},
		}},
	}))
}

func TestMutateReleasesRewritesVersions(t *testing.T) {
	g := GenerateGraph()
	require.NoError(t, g.MutateReleases(func(r *Release) error {
		if r.Version == "2.0.0" {
			r.Version = "2.0.1"
		}
		return nil
	}))

	_, found := g.FindByVersion("2.0.0")
	assert.False(t, found)
	_, found = g.FindByVersion("2.0.1")
	assert.True(t, found)
	assert.Equal(t, [][2]string{{"1.0.0", "2.0.1"}, {"2.0.1", "3.0.0"}, {"1.0.0", "3.0.0"}}, g.Edges())
}

func TestEqualIsAgnosticToNodeAndEdgeOrder(t *testing.T) {
	left := NewGraph()
	right := NewGraph()
	for _, v := range []string{"1.0.0", "2.0.0", "3.0.0"} {
		require.NoError(t, left.AddRelease(Release{Version: v, Payload: "image/" + v}))
	}
	for _, v := range []string{"3.0.0", "2.0.0", "1.0.0"} {
		require.NoError(t, right.AddRelease(Release{Version: v, Payload: "image/" + v}))
	}
	require.NoError(t, left.AddEdge("1.0.0", "2.0.0"))
	require.NoError(t, left.AddEdge("2.0.0", "3.0.0"))
	require.NoError(t, right.AddEdge("2.0.0", "3.0.0"))
	require.NoError(t, right.AddEdge("1.0.0", "2.0.0"))

	assert.True(t, left.Equal(right))

	require.NoError(t, right.AddRelease(Release{Version: "4.0.0"}))
	assert.False(t, left.Equal(right))
}

func TestCopyIsIndependent(t *testing.T) {
	original := GenerateGraph()
	original.Releases()[0].Metadata.Set("key", "value")

	copied := original.Copy()
	require.True(t, original.Equal(copied))

	copied.RemoveRelease("2.0.0")
	rel, ok := copied.FindByVersion("1.0.0")
	require.True(t, ok)
	rel.Metadata.Set("other", "value")

	assert.Equal(t, 3, original.ReleaseCount())
	origRel, _ := original.FindByVersion("1.0.0")
	_, hasOther := origRel.Metadata.Get("other")
	assert.False(t, hasOther)
}

func TestValidateDetectsDanglingEdges(t *testing.T) {
	g := GenerateGraph()
	require.NoError(t, g.Validate())

	// force an inconsistent state the public API cannot reach
	g.edges = append(g.edges, edge{from: "1.0.0", to: "9.9.9"})
	require.Error(t, g.Validate())
}
