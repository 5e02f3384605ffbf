package structural

import (
	"fmt"
	"sort"
	"strings"
)

// extractEntries walks attrs to maxDepth, producing one Entry per scalar
// leaf and one Entry per simple (all-scalar) array, joined by commas. Nested
// objects recurse; cycles are impossible because the input is a decoded
// JSON-like tree. docID is always emitted as its own top-level field, and
// collection too whenever it is non-empty, so structural criteria can
// filter on them directly.
func extractEntries(docID, collection string, attrs map[string]any, maxDepth int) []Entry {
	var out []Entry
	out = append(out, Entry{DocID: docID, FieldPath: "doc_id", FieldValue: docID, FieldType: "string"})
	if collection != "" {
		out = append(out, Entry{DocID: docID, FieldPath: "collection", FieldValue: collection, FieldType: "string"})
	}
	walk(docID, "", attrs, maxDepth, &out)

	sort.Slice(out, func(i, j int) bool { return out[i].FieldPath < out[j].FieldPath })
	return out
}

func walk(docID, prefix string, m map[string]any, depthLeft int, out *[]Entry) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		v := m[k]
		switch val := v.(type) {
		case map[string]any:
			if depthLeft <= 0 {
				continue
			}
			walk(docID, path, val, depthLeft-1, out)
		case []any:
			if s, typ, ok := joinScalarArray(val); ok {
				*out = append(*out, Entry{DocID: docID, FieldPath: path, FieldValue: s, FieldType: typ})
			}
		default:
			if s, typ, ok := scalarString(v); ok {
				*out = append(*out, Entry{DocID: docID, FieldPath: path, FieldValue: s, FieldType: typ})
			}
		}
	}
}

func scalarString(v any) (value, typ string, ok bool) {
	switch x := v.(type) {
	case string:
		return x, "string", true
	case bool:
		return fmt.Sprintf("%t", x), "bool", true
	case float64:
		return formatNumber(x), "number", true
	case int:
		return fmt.Sprintf("%d", x), "number", true
	case int64:
		return fmt.Sprintf("%d", x), "number", true
	case nil:
		return "", "", false
	default:
		return "", "", false
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// joinScalarArray comma-joins an array if every element is a scalar;
// non-scalar elements disqualify the whole array from extraction.
func joinScalarArray(arr []any) (value, typ string, ok bool) {
	if len(arr) == 0 {
		return "", "", false
	}
	parts := make([]string, 0, len(arr))
	for _, el := range arr {
		s, _, elemOK := scalarString(el)
		if !elemOK {
			return "", "", false
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ","), "array", true
}
