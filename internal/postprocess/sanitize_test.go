package postprocess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeInvalidCharacters(t *testing.T) {
	assert.Equal(t, "a_b_c_d_e_f_g_h_i_j",
		Sanitize(`a\b/c:d*e?f"g<h>i|j`))
	assert.Equal(t, "tab_and_newline", Sanitize("tab\tand\nnewline"))
}

func TestSanitizeCollapsesUnderscores(t *testing.T) {
	assert.Equal(t, "a_b", Sanitize(`a?/\b`))
	assert.Equal(t, "a_b", Sanitize("a____b"))
}

func TestSanitizeTrimsTrailingJunk(t *testing.T) {
	assert.Equal(t, "ellipsis", Sanitize("ellipsis..."))
	assert.Equal(t, "padded", Sanitize("padded   "))
	assert.Equal(t, "mixed", Sanitize("mixed. . "))
}

func TestSanitizeCapsLength(t *testing.T) {
	long := strings.Repeat("я", 400)
	out := Sanitize(long)
	assert.Len(t, []rune(out), 245)
}

func TestSanitizeKeepsUnicode(t *testing.T) {
	assert.Equal(t, "Война и мир", Sanitize("Война и мир"))
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		`The/Book: Part*2?`,
		"plain title",
		strings.Repeat("x", 300) + "...",
		"under__scores__",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		assert.Equal(t, once, Sanitize(once), "input %q", in)
	}
}
