package schema

import "strings"

// MaxIdentifierLength is the longest identifier SanitizeIdentifier returns,
// the MySQL limit.
const MaxIdentifierLength = 64

// SanitizeIdentifier turns an arbitrary header into a safe column name.
// Surrounding whitespace is dropped, every byte outside [0-9a-zA-Z_]
// becomes '_', a leading digit gets a '_' prefix, and the result is cut to
// MaxIdentifierLength bytes.
//
// The function is idempotent. Distinct headers can map to the same name;
// see Table.Duplicates.
func SanitizeIdentifier(name string) string {
	name = strings.TrimSpace(name)

	var b strings.Builder
	b.Grow(len(name) + 1)
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		b.WriteByte('_')
	}
	// Runes, not bytes: a multi-byte character becomes a single '_'.
	for _, r := range name {
		if isIdentRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	out := b.String()
	if len(out) > MaxIdentifierLength {
		out = out[:MaxIdentifierLength]
	}
	return out
}

func isIdentRune(r rune) bool {
	return r == '_' ||
		(r >= '0' && r <= '9') ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z')
}
