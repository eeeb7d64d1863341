package textx

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hello", SanitizeText("  hello \x00\x07 "))
	assert.Equal(t, "a\nb", SanitizeText("a\nb"))
	assert.Equal(t, "tab\tkept", SanitizeText("tab\tkept"))
}

func TestTruncateBytesShortInputUnchanged(t *testing.T) {
	out, trunc := TruncateBytes("hello", 10)
	assert.Equal(t, "hello", out)
	assert.False(t, trunc)
}

func TestTruncateBytesCutsAtRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes per rune
	out, trunc := TruncateBytes(s, 5)
	assert.True(t, trunc)
	assert.LessOrEqual(t, len(out), 5)
	assert.True(t, utf8.ValidString(out))
}

func TestTruncateBytesZeroBudget(t *testing.T) {
	out, trunc := TruncateBytes("x", 0)
	assert.Empty(t, out)
	assert.True(t, trunc)
}
