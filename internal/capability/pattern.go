package capability

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Operation names are dot-separated ("tab.navigate"); resource IDs are
// colon-separated ("tab:42"). Both map onto path globs so doublestar
// provides the segment semantics: "*" matches a single segment, "**"
// any remainder.

func matchOperation(pattern, op string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	return globMatch(pattern, op, ".")
}

func matchResource(pattern, resource string) bool {
	if pattern == "*" || pattern == "**" {
		return true
	}
	return globMatch(pattern, resource, ":")
}

// matchURL checks a URL constraint glob ("https://*.example.com/**").
func matchURL(pattern, url string) bool {
	if pattern == "" {
		return true
	}
	ok, err := doublestar.Match(pattern, url)
	return err == nil && ok
}

func globMatch(pattern, value, sep string) bool {
	p := strings.ReplaceAll(pattern, sep, "/")
	v := strings.ReplaceAll(value, sep, "/")
	ok, err := doublestar.Match(p, v)
	return err == nil && ok
}
