// Package postprocess turns a handler's temp file into its final ingest-dir
// form: archive extraction, filename sanitization, duplicate resolution, and
// the final move.
package postprocess

import "strings"

// maxFilenameRunes keeps names under common filesystem limits with room for
// an extension and a duplicate suffix.
const maxFilenameRunes = 245

const invalidChars = `\/:*?"<>|`

// Sanitize makes a string safe as a filename: path-invalid characters become
// underscores, repeated underscores collapse, trailing dots and whitespace
// are trimmed, and the result is capped at 245 runes. Idempotent.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(invalidChars, r) || r < 0x20 {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	out := b.String()

	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}

	out = strings.TrimRight(out, ". \t")

	if runes := []rune(out); len(runes) > maxFilenameRunes {
		out = strings.TrimRight(string(runes[:maxFilenameRunes]), ". \t")
	}
	return out
}
