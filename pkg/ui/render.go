package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"

	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
)

// BranchFunc returns the 1-based position of a message among its siblings
// and the number of siblings.
type BranchFunc func(id conversation.MessageID) (position int, count int)

// ThreadMarkdown renders a conversation path as markdown. Messages that have
// siblings are tagged with their branch position, e.g. [2/3].
func ThreadMarkdown(title string, thread conversation.Thread, branches BranchFunc) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	for _, m := range thread {
		fmt.Fprintf(&b, "**%s** `%s`", m.Role, m.ID)
		if branches != nil {
			if pos, count := branches(m.ID); count > 1 {
				fmt.Fprintf(&b, " [%d/%d]", pos, count)
			}
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimRight(m.Content, "\n"))
		b.WriteString("\n\n")
	}
	return b.String()
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// Render writes markdown to w, styled with glamour when w is a terminal.
func Render(w io.Writer, markdown string) error {
	if !IsTerminal(w) {
		_, err := io.WriteString(w, markdown)
		return err
	}
	styled, err := glamour.Render(markdown, "dark")
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, styled)
	return err
}
