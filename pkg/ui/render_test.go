package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
)

func TestThreadMarkdown(t *testing.T) {
	thread := conversation.Thread{
		conversation.NewMessage("m1", "c1", conversation.RoleUser, "What is Go?"),
		conversation.NewMessage("m2", "c1", conversation.RoleAssistant, "A language.\n", conversation.WithParentID("m1")),
	}
	branches := func(id conversation.MessageID) (int, int) {
		if id == "m2" {
			return 2, 3
		}
		return 1, 1
	}

	md := ThreadMarkdown("Go", thread, branches)
	assert.Equal(t,
		"# Go\n\n"+
			"**user** `m1`\n\nWhat is Go?\n\n"+
			"**assistant** `m2` [2/3]\n\nA language.\n\n",
		md)
}

func TestThreadMarkdownWithoutBranches(t *testing.T) {
	thread := conversation.Thread{
		conversation.NewMessage("m1", "c1", conversation.RoleUser, "Hi"),
	}
	assert.Equal(t, "**user** `m1`\n\nHi\n\n", ThreadMarkdown("", thread, nil))
}

func TestRenderPlainWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "# Title\n"))
	assert.Equal(t, "# Title\n", buf.String())
	assert.False(t, IsTerminal(&buf))
}
