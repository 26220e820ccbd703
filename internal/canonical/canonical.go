// Package canonical produces the deterministic JSON form used for
// signing and verification.
//
// Canonical form: object keys sorted lexicographically, UTF-8, no
// whitespace between tokens, no trailing newline. Both the sign and
// verify paths must run through Marshal so that a single byte of
// divergence fails verification.
package canonical

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal serializes v into canonical JSON. v is first round-tripped
// through encoding/json so struct tags and omitempty apply, then
// re-serialized with sorted keys and compact separators.
func Marshal(v interface{}) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(plain, &generic); err != nil {
		return nil, fmt.Errorf("reparse: %w", err)
	}

	return appendCanonical(nil, generic)
}

// MarshalMap serializes an already-generic value (maps, slices,
// scalars) without the struct round-trip.
func MarshalMap(v interface{}) ([]byte, error) {
	return appendCanonical(nil, v)
}

func appendCanonical(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kJSON, err := json.Marshal(k)
			if err != nil {
				return nil, fmt.Errorf("marshal key %q: %w", k, err)
			}
			buf = append(buf, kJSON...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil

	case []interface{}:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil

	default:
		plain, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal scalar: %w", err)
		}
		return append(buf, plain...), nil
	}
}
