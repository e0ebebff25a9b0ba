package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
)

func openCache(t *testing.T) *BoltCache {
	c, err := Open(filepath.Join(t.TempDir(), "nested", "cache.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTreeRoundTripKeepsSelection(t *testing.T) {
	c := openCache(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tree := conversation.NewTree("c1")
	tree.Insert(
		conversation.NewMessage("a", "c1", conversation.RoleUser, "A", conversation.WithTime(base)),
		conversation.NewMessage("b", "c1", conversation.RoleUser, "B", conversation.WithTime(base.Add(time.Second))),
	)
	require.NoError(t, tree.Select("a"))
	require.NoError(t, c.SaveTree(tree.Snapshot()))

	s, err := c.LoadTree("c1")
	require.NoError(t, err)
	require.NotNil(t, s)
	restored := conversation.NewTreeFromSnapshot(s)
	assert.Equal(t, 2, restored.Len())
	assert.Equal(t, []conversation.MessageID{"a"}, restored.ActivePath().IDs())

	ids, err := c.TreeIDs()
	require.NoError(t, err)
	assert.Equal(t, []conversation.ConversationID{"c1"}, ids)

	require.NoError(t, c.DeleteTree("c1"))
	s, err = c.LoadTree("c1")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLoadTreeMissing(t *testing.T) {
	c := openCache(t)
	s, err := c.LoadTree("nope")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSaveTreeRequiresConversation(t *testing.T) {
	c := openCache(t)
	assert.Error(t, c.SaveTree(&conversation.TreeSnapshot{}))
	assert.Error(t, c.SaveTree(nil))
}

func TestConversationList(t *testing.T) {
	c := openCache(t)

	list, err := c.LoadConversations()
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, c.SaveConversations([]conversation.Conversation{
		{ID: "c2", Title: "second", Model: "m"},
		{ID: "c1", Title: "first", Model: "m"},
	}))
	list, err = c.LoadConversations()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, conversation.ConversationID("c2"), list[0].ID)
	assert.Equal(t, "first", list[1].Title)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bolt")
	c, err := Open(path)
	require.NoError(t, err)
	tree := conversation.NewTree("c1")
	tree.Insert(conversation.NewMessage("a", "c1", conversation.RoleUser, "A"))
	require.NoError(t, c.SaveTree(tree.Snapshot()))
	require.NoError(t, c.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	c, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	s, err := c.LoadTree("c1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Len(t, s.Messages, 1)
}
