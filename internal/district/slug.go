package district

import "strings"

// Slug derives the stable identifier for a (state, district) pair. Names are
// trimmed, whitespace runs collapse to a single hyphen, and the result is
// lowercased, so casing and spacing variants of the same pair collide.
func Slug(state, name string) string {
	return slugPart(state) + "-" + slugPart(name)
}

// NormalizeName trims a display name and collapses inner whitespace.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func slugPart(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), "-"))
}
