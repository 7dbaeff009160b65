package router

import "strings"

// matchPrefix reports whether path is under prefix on a path-segment
// boundary: "/api" matches "/api", "/api/" and "/api/x" but not "/apix".
func matchPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}
