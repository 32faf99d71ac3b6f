package types

import "strings"

// isNameByte reports whether r is valid inside a MatchSpec package name:
// letters, digits, and the punctuation conda allows in package names.
func isNameByte(r byte) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.' || r == '*':
		return true
	default:
		return false
	}
}

// ExtractName pulls the package name out of a MatchSpec dependency string,
// ignoring everything else: channel/subdir prefix, version constraint,
// build string, and bracketed key=value selectors. This is extraction only;
// no constraint is parsed or resolved, per the Non-goals this core honors.
//
// Accepted shapes include "numpy", "numpy 1.20", "numpy>=1.20,<2", "numpy
// ==1.20=0", "numpy[version='>=1.20']", and "conda-forge::numpy>=1.20".
//
// A free name ("*", or nothing before the constraint) returns "".
func ExtractName(spec string) string {
	s := strings.TrimSpace(spec)
	if s == "" {
		return ""
	}

	// Drop a channel[/subdir] prefix, e.g. "conda-forge::numpy" or
	// "conda-forge/linux-64::numpy". The name starts right after the last
	// "::".
	if i := strings.LastIndex(s, "::"); i >= 0 {
		s = s[i+2:]
	}

	s = strings.TrimSpace(s)

	end := 0
	for end < len(s) && isNameByte(s[end]) {
		end++
	}

	name := s[:end]

	if name == "" || isFreeName(name) {
		return ""
	}

	return name
}

// isFreeName reports whether name is a wildcard that matches anything, and
// so carries no dependency information for traversal.
func isFreeName(name string) bool {
	return strings.Trim(name, "*") == ""
}
