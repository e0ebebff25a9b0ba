package store

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "short", content: "Hello", want: "Hello"},
		{name: "empty", content: "   \n\t", want: DefaultTitle},
		{name: "whitespace collapsed", content: "  what\n is   go  ", want: "what is go"},
		{name: "first sentence", content: "Explain channels. Then show an example with select.", want: "Explain channels."},
		{name: "question", content: "Why is the sky blue? I always wondered", want: "Why is the sky blue?"},
		{name: "dot inside word", content: "Compare v1.2 and v1.3", want: "Compare v1.2 and v1.3"},
		{
			name:    "word boundary",
			content: "Please summarize the attached research paper about transformer architectures in detail",
			want:    "Please summarize the attached research paper about...",
		},
		{
			name:    "boundary right after the bound",
			content: strings.Repeat("a", 50) + " tail",
			want:    strings.Repeat("a", 50) + "...",
		},
		{
			name:    "no space at all",
			content: strings.Repeat("x", 60),
			want:    strings.Repeat("x", 50) + "...",
		},
		{
			name:    "sentence end beyond the bound",
			content: strings.Repeat("word ", 12) + "end.",
			want:    strings.TrimSpace(strings.Repeat("word ", 10)) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveTitle(tt.content))
		})
	}
}

func TestDeriveTitleIsBounded(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 20)
	got := DeriveTitle(long)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), MaxTitleLength+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}
