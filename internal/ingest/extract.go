package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
)

// extractPath walks decoded onto a dotted JSON path (e.g. "order.customer.id")
// and returns the leaf value found, if any. No third-party JSON-path library
// fits this narrowly enough to justify a dependency for the single need
// here (pull one scalar out of an arbitrary document for secondary-index
// extraction), so this is a small hand-rolled walker (documented in
// DESIGN.md as the stdlib-justified exception).
func extractPath(document []byte, path string) (interface{}, bool) {
	var decoded interface{}
	if err := json.Unmarshal(document, &decoded); err != nil {
		return nil, false
	}
	cur := decoded
	for _, segment := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// encodeIndexValue renders an extracted scalar as the byte column stored
// under a secondary index, using a representation stable enough for
// equality lookups (QueryIndex compares raw bytes).
func encodeIndexValue(v interface{}) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case bool:
		if t {
			return []byte("true")
		}
		return []byte("false")
	case float64:
		return []byte(strconv.FormatFloat(t, 'f', -1, 64))
	default:
		b, _ := json.Marshal(t)
		return b
	}
}
