package reaper

import "strings"

// DefaultManagedScopes lists the absolute cgroup path prefixes this
// daemon is authoritative for (spec.md §6 "Reaper configuration").
// Events under any other prefix are ignored. Overridable via config.
var DefaultManagedScopes = []string{
	"/system.slice/system-cm4all.slice/bp-spawn.scope/",
	"/system.slice/system-cm4all.slice/workshop-spawn.scope/",
}

// ManagedSuffix reports whether path (absolute, leading "/") falls
// under one of scopes, returning the scope-relative suffix used in the
// summary line (spec.md §6). Matching is by prefix, first match wins.
func ManagedSuffix(scopes []string, path string) (string, bool) {
	for _, scope := range scopes {
		if suffix, ok := strings.CutPrefix(path, scope); ok {
			return suffix, true
		}
	}
	return "", false
}
