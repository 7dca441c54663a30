package capability

import "strings"

// matchPattern supports exactly the three forms spec.md §4.4 names: a "*"
// suffix (prefix match), a "*" prefix (suffix match), and an exact match.
func matchPattern(pattern, key string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*") && !strings.HasPrefix(pattern, "*"):
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*") && !strings.HasSuffix(pattern, "*"):
		return strings.HasSuffix(key, strings.TrimPrefix(pattern, "*"))
	default:
		return pattern == key
	}
}

func matchAnyPattern(patterns []string, key string) bool {
	for _, p := range patterns {
		if matchPattern(p, key) {
			return true
		}
	}
	return false
}
