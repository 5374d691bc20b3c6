package statedoc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Doc is the mutable computed-state document attached to a job. It is always
// merge-patched, never replaced wholesale.
type Doc = map[string]any

// Merge returns base with patch applied. Nested maps merge recursively and
// scalar or array values replace. An explicit empty object in the patch clears
// the target key to {} instead of merging, so stages can reset a subtree.
// Neither input is mutated.
func Merge(base, patch Doc) Doc {
	out := make(Doc, len(base)+len(patch))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, v := range patch {
		pm, ok := asMap(v)
		if !ok {
			out[k] = cloneValue(v)
			continue
		}
		if len(pm) == 0 {
			out[k] = Doc{}
			continue
		}
		if bm, ok := asMap(out[k]); ok {
			out[k] = Merge(bm, pm)
			continue
		}
		out[k] = Merge(Doc{}, pm)
	}
	return out
}

// Get returns the value at a dotted path, or nil when any segment is missing.
func Get(doc Doc, path string) any {
	current := any(doc)
	for _, segment := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}

// GetString returns the string at a dotted path, or "" when absent.
func GetString(doc Doc, path string) string {
	s, _ := Get(doc, path).(string)
	return s
}

// GetFloat returns the numeric value at a dotted path, tolerating the float64
// and json.Number shapes produced by decoding.
func GetFloat(doc Doc, path string) (float64, bool) {
	switch v := Get(doc, path).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Patch builds a single-key nested document for a dotted path, for use as a
// Merge argument: Patch("a.b", 1) == {"a":{"b":1}}.
func Patch(path string, value any) Doc {
	segments := strings.Split(path, ".")
	doc := Doc{segments[len(segments)-1]: value}
	for i := len(segments) - 2; i >= 0; i-- {
		doc = Doc{segments[i]: doc}
	}
	return doc
}

// FromJSON decodes a serialized document. Empty input yields an empty document.
func FromJSON(raw string) (Doc, error) {
	if strings.TrimSpace(raw) == "" {
		return Doc{}, nil
	}
	var doc Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode state document: %w", err)
	}
	if doc == nil {
		doc = Doc{}
	}
	return doc, nil
}

// ToJSON serializes a document for storage.
func ToJSON(doc Doc) (string, error) {
	if doc == nil {
		doc = Doc{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode state document: %w", err)
	}
	return string(data), nil
}

func asMap(v any) (Doc, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(Doc, len(typed))
		for k, nested := range typed {
			out[k] = cloneValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, nested := range typed {
			out[i] = cloneValue(nested)
		}
		return out
	default:
		return v
	}
}
