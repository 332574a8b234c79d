package sandbox

import "strings"

// NormalizeOutput canonicalizes program output before comparison:
// carriage returns are removed, trailing newlines are dropped, and
// whitespace is trimmed at the very start and end of the whole text.
// Interior whitespace is preserved, so "1  2" never equals "1 2" and
// per-line trailing spaces still matter.
func NormalizeOutput(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.TrimRight(s, "\n")
	return strings.TrimSpace(s)
}

// OutputsMatch reports whether actual output answers the expected output
// under NormalizeOutput canonicalization.
func OutputsMatch(actual, expected string) bool {
	return NormalizeOutput(actual) == NormalizeOutput(expected)
}
