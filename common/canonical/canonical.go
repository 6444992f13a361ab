// Package canonical produces the single byte serialization that relay tags are
// computed over.
//
// The form is compact JSON with object keys sorted, numbers kept as their literal
// text and no HTML escaping. For the payload the extension builds this is the same
// byte string JSON.stringify yields, so both sides agree on the signed bytes.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal returns the canonical form of v. Any value encoding/json accepts is
// allowed; it is first normalized to generic JSON so struct field order does not
// leak into the output.
func Marshal(v interface{}) ([]byte, error) {
	normalized, err := Normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("failed to encode canonical form: %w", err)
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Normalize round-trips v through JSON, returning maps, slices, strings, bools,
// nil and json.Number values only.
func Normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return Decode(raw)
}

// Decode parses JSON keeping numbers as json.Number. Trailing data is an error.
func Decode(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode JSON: trailing data")
	}
	return out, nil
}

// Clone deep-copies the maps and slices of a generic JSON value. Other values are
// returned as they are.
func Clone(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = Clone(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}
