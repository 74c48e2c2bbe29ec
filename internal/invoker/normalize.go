package invoker

import "strings"

// ParseModelName splits a "provider/model" value on the first slash.
// Bare names come back with an empty provider.
func ParseModelName(name string) (provider, model string) {
	if i := strings.Index(name, "/"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// StripModelPrefix drops any provider prefix, keeping the final path
// segment. Idempotent: stripping a stripped name is a no-op.
func StripModelPrefix(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
