package cincinnati

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataSetKeepsFirstPosition(t *testing.T) {
	m := NewMetadata()
	m.Set("a", "1")
	m.Set("b", "2")
	m.Set("a", "3")

	assert.Equal(t, []string{"a", "b"}, m.Keys())
	v, _ := m.Get("a")
	assert.Equal(t, "3", v)
}

func TestMetadataDelete(t *testing.T) {
	m := MetadataFromPairs("a", "1", "b", "2", "c", "3")
	v, ok := m.Delete("b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Equal(t, []string{"a", "c"}, m.Keys())

	_, ok = m.Delete("b")
	assert.False(t, ok)
}

func TestMetadataJSONRoundTrip(t *testing.T) {
	m := MetadataFromPairs("zebra", "1", "alpha", "2")
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `{"zebra":"1","alpha":"2"}`, string(raw))

	parsed := NewMetadata()
	require.NoError(t, json.Unmarshal(raw, parsed))
	assert.True(t, m.Equal(parsed))
}

func TestMetadataHandlesLongValues(t *testing.T) {
	long := strings.Repeat("4.1.0,", 10000)
	m := MetadataFromPairs("io.openshift.upgrades.graph.previous.add", long)
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	parsed := NewMetadata()
	require.NoError(t, json.Unmarshal(raw, parsed))
	v, _ := parsed.Get("io.openshift.upgrades.graph.previous.add")
	assert.Equal(t, long, v)
}

func TestMetadataUnmarshalRejectsNonObject(t *testing.T) {
	parsed := NewMetadata()
	require.Error(t, json.Unmarshal([]byte(`["a"]`), parsed))
	require.Error(t, json.Unmarshal([]byte(`{"a":1}`), parsed))
}
