package tgui

import (
	"strings"
	"unicode/utf8"
)

// Shorten collapses whitespace runs in s to single spaces and cuts the
// result to at most n runes, the trailing "…" included.
func Shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	cut, runes := 0, 0
	for i := range s {
		if runes == n-1 {
			cut = i
			break
		}
		runes++
	}
	return s[:cut] + "…"
}
