package source

import (
	"strings"
	"unicode"
)

// SnakeCase converts a source field name such as "LastName" or
// "Due Date" into the canonical "last_name" / "due_date" form.
func SnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(s))
	for i, r := range runes {
		switch {
		case r == ' ' || r == '-' || r == '.':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		case unicode.IsUpper(r):
			if i > 0 && b.Len() > 0 && !strings.HasSuffix(b.String(), "_") &&
				(unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "_")
}

// SnakeKeys returns a copy of m with every key passed through SnakeCase.
// Keys listed in skip are dropped.
func SnakeKeys(m map[string]any, skip ...string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
outer:
	for k, v := range m {
		for _, s := range skip {
			if k == s {
				continue outer
			}
		}
		out[SnakeCase(k)] = v
	}
	return out
}
