package ics

import (
	"strings"

	ical "github.com/arran4/golang-ical"
)

// Escape encodes a TEXT value the way stored documents carry it.
// Carriage returns are dropped.
func Escape(s string) string {
	return ical.ToText(strings.ReplaceAll(s, "\r", ""))
}

// Unescape is the inverse of Escape. Decoding is a single left-to-right
// pass, so an escaped backslash followed by "n" stays a backslash and an
// "n". Unknown escapes are kept verbatim.
func Unescape(s string) string {
	return ical.FromText(s)
}

// Unfold splits a document into unfolded content lines. Empty lines are
// dropped.
func Unfold(body string) []string {
	cs := ical.NewCalendarStream(strings.NewReader(body))
	var lines []string
	for {
		l, err := cs.ReadLine()
		if l != nil && len(*l) > 0 {
			lines = append(lines, string(*l))
		}
		if err != nil {
			return lines
		}
	}
}

// UnfoldString is Unfold joined back with newlines, used for substring
// matching against a document body.
func UnfoldString(body string) string {
	return strings.Join(Unfold(body), "\n")
}
