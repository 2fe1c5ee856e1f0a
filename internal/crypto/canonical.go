package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders v as deterministic JSON: object keys sorted at every
// depth, no insignificant whitespace, number literals preserved, HTML left
// unescaped. Both envelope signing bases and webhook signatures are computed
// over this form, so signer and verifier always agree byte-for-byte.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := rawJSON(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("parse JSON for canonicalisation: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode canonical JSON: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func rawJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return []byte("null"), nil
		}
		return t, nil
	case []byte:
		if len(t) == 0 {
			return []byte("null"), nil
		}
		return t, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal value for canonicalisation: %w", err)
		}
		return b, nil
	}
}
