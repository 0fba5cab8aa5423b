package utils

import (
	"strings"
	"unicode"
)

// DigitsOnly strips everything but ASCII digits from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UserPart returns the part of an addressed id before the "@" ("6281@c.us" -> "6281").
func UserPart(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		return id[:i]
	}
	return id
}

// IsGroupID reports whether id addresses a group conversation.
func IsGroupID(id, groupSuffix string) bool {
	return groupSuffix != "" && strings.HasSuffix(id, groupSuffix)
}
