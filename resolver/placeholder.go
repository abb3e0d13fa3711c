package resolver

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/teranos/cachet/cache"
)

// Reference is one placeholder found in an argument tree
type Reference struct {
	Key     cache.Key
	Filters map[string][]interface{}
	// Structured is true for the $<json>$ form
	Structured bool
}

type structuredRef struct {
	ID      string                   `json:"id"`
	Filters map[string][]interface{} `json:"filters,omitempty"`
}

// Parse recognizes $<key>$ and $<json>$ tokens. Anything else, including
// malformed JSON between dollar signs, is a literal and reports false.
func Parse(s string) (Reference, bool) {
	if len(s) < 3 || s[0] != '$' || s[len(s)-1] != '$' {
		return Reference{}, false
	}
	inner := s[1 : len(s)-1]

	if cache.IsKey(inner) {
		return Reference{Key: cache.Key(inner)}, true
	}
	if !strings.HasPrefix(strings.TrimSpace(inner), "{") {
		return Reference{}, false
	}

	var ref structuredRef
	if err := json.Unmarshal([]byte(inner), &ref); err != nil {
		return Reference{}, false
	}
	if !cache.IsKey(ref.ID) {
		return Reference{}, false
	}
	return Reference{Key: cache.Key(ref.ID), Filters: ref.Filters, Structured: true}, true
}

// Format renders ref as a placeholder string, keeping its form and filters
func Format(ref Reference) string {
	if !ref.Structured {
		return "$" + string(ref.Key) + "$"
	}
	data, err := json.Marshal(structuredRef{ID: string(ref.Key), Filters: ref.Filters})
	if err != nil {
		// Filters came from a JSON decode, so they always re-encode
		return "$" + string(ref.Key) + "$"
	}
	return "$" + string(data) + "$"
}

// Scan lists every placeholder in tree in a stable depth-first order (object
// fields by sorted name, arrays by index)
func Scan(tree interface{}) []Reference {
	var refs []Reference
	walk(tree, func(ref Reference) {
		refs = append(refs, ref)
	})
	return refs
}

func walk(node interface{}, visit func(Reference)) {
	switch v := node.(type) {
	case string:
		if ref, ok := Parse(v); ok {
			visit(ref)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(v[k], visit)
		}
	case []interface{}:
		for _, elem := range v {
			walk(elem, visit)
		}
	}
}

// Rewrite returns a copy of tree with every placeholder replaced by fn's result.
// The traversal order matches Scan. The input is not modified.
func Rewrite(tree interface{}, fn func(Reference) (interface{}, error)) (interface{}, error) {
	switch v := tree.(type) {
	case string:
		if ref, ok := Parse(v); ok {
			return fn(ref)
		}
		return v, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(v))
		for _, k := range keys {
			nv, err := Rewrite(v[k], fn)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			nv, err := Rewrite(elem, fn)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}
