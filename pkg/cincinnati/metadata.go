package cincinnati

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MetadataKeyPrefix is the namespace for the well-known release metadata keys.
const MetadataKeyPrefix = "io.openshift.upgrades.graph"

// Well-known metadata key suffixes, relative to MetadataKeyPrefix.
const (
	MetadataKeyChannels            = "release.channels"
	MetadataKeyArch                = "release.arch"
	MetadataKeyManifestRef         = "release.manifestref"
	MetadataKeyRemove              = "release.remove"
	MetadataKeyPreviousAdd         = "previous.add"
	MetadataKeyNextAdd             = "next.add"
	MetadataKeyPreviousRemove      = "previous.remove"
	MetadataKeyNextRemove          = "next.remove"
	MetadataKeyPreviousRemoveRegex = "previous.remove_regex"
	MetadataKeyConditionalEdges    = "conditional-edges"
)

// Metadata is a string-to-string mapping that preserves insertion order on
// iteration and JSON output. Several graph consumers depend on the emitted
// key order being stable across rebuilds.
type Metadata struct {
	keys   []string
	values map[string]string
}

// NewMetadata returns an empty metadata mapping.
func NewMetadata() *Metadata {
	return &Metadata{values: map[string]string{}}
}

// MetadataFromPairs builds a metadata mapping from alternating key/value
// arguments, mostly useful in tests.
func MetadataFromPairs(pairs ...string) *Metadata {
	if len(pairs)%2 != 0 {
		panic("MetadataFromPairs requires an even number of arguments")
	}
	m := NewMetadata()
	for i := 0; i < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

// Get returns the value for key and whether it was present.
func (m *Metadata) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}

// Set stores the value for key, keeping the key's original position if it
// already exists.
func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = map[string]string{}
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete removes key and returns its previous value, if any.
func (m *Metadata) Delete(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.values[key]
	if !ok {
		return "", false
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return v, true
}

// Keys returns the keys in insertion order.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m *Metadata) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Copy returns a deep copy.
func (m *Metadata) Copy() *Metadata {
	out := NewMetadata()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}

// Equal reports whether two metadata mappings hold the same entries in the
// same order.
func (m *Metadata) Equal(other *Metadata) bool {
	if m.Len() != other.Len() {
		return false
	}
	if m == nil || other == nil {
		return true
	}
	for i, k := range m.keys {
		if other.keys[i] != k || other.values[k] != m.values[k] {
			return false
		}
	}
	return true
}

// MarshalJSON emits the entries as a JSON object in insertion order.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, recording keys in document order.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("metadata: expected JSON object, got %v", tok)
	}
	m.keys = nil
	m.values = map[string]string{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("metadata: expected string key, got %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("metadata: value for key %q: %w", key, err)
		}
		m.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
