package booleanlogic

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeMatches serializes FIELD:value hints as a sorted, deduplicated
// msgpack string array.
func encodeMatches(hints []string) ([]byte, error) {
	slices.Sort(hints)
	hints = slices.Compact(hints)
	b, err := msgpack.Marshal(hints)
	if err != nil {
		return nil, fmt.Errorf("encode match hints: %w", err)
	}
	return b, nil
}

// DecodeMatches reads the hints carried by an evaluator top value into a
// field to values map. Field names pass through normalize when it is set.
// An empty value decodes to an empty map.
func DecodeMatches(b []byte, normalize func(field string) string) (map[string][]string, error) {
	out := make(map[string][]string)
	if len(b) == 0 {
		return out, nil
	}
	var hints []string
	if err := msgpack.Unmarshal(b, &hints); err != nil {
		return nil, fmt.Errorf("decode match hints: %w", err)
	}
	for _, h := range hints {
		field, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("decode match hints: malformed hint %q", h)
		}
		if normalize != nil {
			field = normalize(field)
		}
		out[field] = append(out[field], value)
	}
	return out, nil
}
