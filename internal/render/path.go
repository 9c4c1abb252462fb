package render

import (
	"strconv"
	"strings"
)

// GetValueByPath resolves a dotted path (with optional `[idx]` array
// indexing) against a nested map/slice value tree, e.g. "work.step_name" or
// "items[0].id". It returns (nil, false) if any segment is missing.
func GetValueByPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}

	current := root
	for _, segment := range splitPath(path) {
		key, indices := splitIndices(segment)
		if key != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[key]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indices {
			s, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(s) {
				return nil, false
			}
			current = s[idx]
		}
	}
	return current, true
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// splitIndices splits "name[0][1]" into ("name", [0, 1]).
func splitIndices(segment string) (string, []int) {
	bracket := strings.IndexByte(segment, '[')
	if bracket == -1 {
		return segment, nil
	}
	key := segment[:bracket]
	rest := segment[bracket:]

	var indices []int
	for len(rest) > 0 && rest[0] == '[' {
		end := strings.IndexByte(rest, ']')
		if end == -1 {
			break
		}
		if n, err := strconv.Atoi(rest[1:end]); err == nil {
			indices = append(indices, n)
		}
		rest = rest[end+1:]
	}
	return key, indices
}
