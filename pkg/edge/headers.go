package edge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Header is a single header entry as CloudFront represents it: the original
// case name in Key and one value.
type Header struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

// Headers is an ordered multimap from lower-cased header name to the entries
// carrying that name. The order in which names were first seen is kept, so a
// request that is decoded and re-encoded without changes keeps its layout.
//
// The zero value is an empty set of headers ready to use.
type Headers struct {
	names  []string
	values map[string][]Header
}

// NewHeaders builds Headers from (key, value) pairs.
func NewHeaders(pairs ...string) Headers {
	if len(pairs)%2 != 0 {
		panic("edge: NewHeaders expects key/value pairs")
	}
	var h Headers
	for i := 0; i < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// Get returns the entries stored under name, matched case-insensitively.
func (h *Headers) Get(name string) []Header {
	if h.values == nil {
		return nil
	}
	return h.values[strings.ToLower(name)]
}

// Value returns the first value stored under name.
func (h *Headers) Value(name string) (string, bool) {
	entries := h.Get(name)
	if len(entries) == 0 {
		return "", false
	}
	return entries[0].Value, true
}

// Has reports whether at least one entry exists for name.
func (h *Headers) Has(name string) bool {
	return len(h.Get(name)) > 0
}

// Add appends an entry under the lower-cased key, keeping key as the
// original-case name.
func (h *Headers) Add(key, value string) {
	name := strings.ToLower(key)
	h.ensure(name)
	h.values[name] = append(h.values[name], Header{Key: key, Value: value})
}

// Set replaces all entries stored under key with a single entry.
func (h *Headers) Set(key, value string) {
	name := strings.ToLower(key)
	h.ensure(name)
	h.values[name] = []Header{{Key: key, Value: value}}
}

// Del removes all entries stored under name.
func (h *Headers) Del(name string) {
	name = strings.ToLower(name)
	if _, ok := h.values[name]; !ok {
		return
	}
	delete(h.values, name)
	for i, n := range h.names {
		if n == name {
			h.names = append(h.names[:i:i], h.names[i+1:]...)
			break
		}
	}
}

// Names returns the lower-cased header names in order.
func (h *Headers) Names() []string {
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Len returns the number of distinct header names.
func (h *Headers) Len() int {
	return len(h.names)
}

// Clone returns a deep copy.
func (h *Headers) Clone() Headers {
	if h.values == nil {
		return Headers{}
	}
	out := Headers{
		names:  make([]string, len(h.names)),
		values: make(map[string][]Header, len(h.values)),
	}
	copy(out.names, h.names)
	for name, entries := range h.values {
		out.values[name] = append([]Header(nil), entries...)
	}
	return out
}

func (h *Headers) ensure(name string) {
	if h.values == nil {
		h.values = make(map[string][]Header)
	}
	if _, ok := h.values[name]; !ok {
		h.names = append(h.names, name)
		h.values[name] = nil
	}
}

// MarshalJSON encodes the headers as a JSON object whose members follow the
// stored name order.
func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range h.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		entries := h.values[name]
		if entries == nil {
			entries = []Header{}
		}
		v, err := json.Marshal(entries)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object of header lists, preserving member
// order. Member names are lower-cased; repeated members are merged.
func (h *Headers) UnmarshalJSON(data []byte) error {
	*h = Headers{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decoding headers: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decoding headers: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decoding headers: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("decoding headers: unexpected token %v", tok)
		}
		var entries []Header
		if err := dec.Decode(&entries); err != nil {
			return fmt.Errorf("decoding header %q: %w", key, err)
		}
		name := strings.ToLower(key)
		h.ensure(name)
		h.values[name] = append(h.values[name], entries...)
	}

	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decoding headers: %w", err)
	}
	return nil
}
