package store

import (
	"strings"
	"unicode"
)

const (
	// MaxTitleLength is the maximum length of a derived title, in runes, before the ellipsis.
	MaxTitleLength = 50
	DefaultTitle   = "New Conversation"
)

// DeriveTitle turns the first message of a conversation into its title.
//
// Whitespace is collapsed. If a sentence ends within MaxTitleLength runes the
// first sentence is used; otherwise the text is cut at the last word boundary
// within the bound and "..." is appended.
func DeriveTitle(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	if s == "" {
		return DefaultTitle
	}
	runes := []rune(s)

	for i := 0; i < len(runes) && i < MaxTitleLength; i++ {
		switch runes[i] {
		case '.', '!', '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				return string(runes[:i+1])
			}
		}
	}

	if len(runes) <= MaxTitleLength {
		return s
	}

	cut := MaxTitleLength
	if !unicode.IsSpace(runes[MaxTitleLength]) {
		for i := MaxTitleLength - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) + "..."
}
