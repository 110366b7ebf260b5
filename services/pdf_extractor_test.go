package services

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePDF(t *testing.T) {
	t.Run("returns non-pdf content unchanged", func(t *testing.T) {
		content := []byte("not a pdf")
		assert.Equal(t, content, sanitizePDF(content))
	})

	t.Run("returns empty content unchanged", func(t *testing.T) {
		assert.Nil(t, sanitizePDF(nil))
	})

	t.Run("leaves a clean pdf untouched", func(t *testing.T) {
		content := []byte("%PDF-1.4\n...\n%%EOF\n")
		assert.Equal(t, content, sanitizePDF(content))
	})

	t.Run("trims trailing garbage past the last EOF marker", func(t *testing.T) {
		clean := "%PDF-1.4\n...\n%%EOF\n"
		garbage := strings.Repeat("x", 64)
		content := []byte(clean + garbage)

		out := sanitizePDF(content)
		assert.True(t, bytes.HasSuffix(out, []byte("%%EOF\n")))
		assert.Less(t, len(out), len(content))
	})

	t.Run("keeps a few trailing bytes rather than trimming noise", func(t *testing.T) {
		content := []byte("%PDF-1.4\n...\n%%EOF\n\n")
		out := sanitizePDF(content)
		assert.Equal(t, content, out)
	})

	t.Run("returns content unchanged when no EOF marker is present", func(t *testing.T) {
		content := []byte("%PDF-1.4\nunterminated")
		assert.Equal(t, content, sanitizePDF(content))
	})
}

func TestPDFPageCounterCount(t *testing.T) {
	counter := NewPDFPageCounter()

	t.Run("rejects empty content", func(t *testing.T) {
		_, err := counter.Count(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty pdf content")
	})

	t.Run("rejects content that isn't a parseable pdf", func(t *testing.T) {
		_, err := counter.Count([]byte("%PDF-1.4\nnot really a pdf body"))
		require.Error(t, err)
	})
}
