package client

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	short := "Здравствуйте, квартира ещё свободна?"
	assert.Equal(t, short, preview(short))

	exact := strings.Repeat("ж", previewLimit)
	assert.Equal(t, exact, preview(exact))

	long := strings.Repeat("ж", previewLimit*2)
	got := preview(long)
	assert.True(t, utf8.ValidString(got), "truncation must not split a rune")
	assert.Equal(t, previewLimit, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))

	emoji := strings.Repeat("🏠", previewLimit+1)
	got = preview(emoji)
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}
