package utils

import (
	"encoding/json"
	"strings"
)

// LooksLikeSerializedObject reports whether s is a serialized structured payload rather than
// human text: a JSON object (or array), or an object-looking string carrying a "user" key.
func LooksLikeSerializedObject(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return false
	}
	switch trimmed[0] {
	case '{':
		if json.Valid([]byte(trimmed)) {
			return true
		}
		return strings.Contains(trimmed, `"user"`) || strings.Contains(trimmed, "user:")
	case '[':
		return strings.HasSuffix(trimmed, "]") && json.Valid([]byte(trimmed))
	}
	return false
}
