// Package routing provides path helpers shared by the API client and the
// edge surface: upstream group partitioning, boundary-aware prefix
// matching, and content-class lookup.
package routing

import (
	"net/url"
	"strings"
)

// DefaultGroup is the group used for paths without a first segment.
const DefaultGroup = "default"

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}

// Group returns the upstream group of path: its first non-empty segment.
// Query strings and absolute URLs are accepted; only the path is used.
//
//	Group("/articles/123?x=1") == "articles"
//	Group("https://cms/api/pages") == "api"
//	Group("/") == "default"
func Group(path string) string {
	if strings.Contains(path, "://") {
		if u, err := url.Parse(path); err == nil {
			path = u.Path
		}
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return DefaultGroup
	}
	return path
}
