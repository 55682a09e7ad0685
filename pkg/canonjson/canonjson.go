// Package canonjson produces a deterministic JSON encoding: object keys
// sorted lexicographically, compact separators, no trailing newline. Two
// semantically equal values always serialize to the same bytes, which is
// what the audit chain hashes and the record signer sign over.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal encodes v deterministically. The value is first round-tripped
// through encoding/json so that struct field order, map iteration order and
// json.RawMessage contents all normalize to the same representation.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonjson: normalize: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonjson: encode: %w", err)
	}

	// json.Encoder always appends a newline
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MustMarshal is Marshal but panics on failure. Only for values known to be
// JSON-serializable (e.g. map[string]any built by our own code).
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
