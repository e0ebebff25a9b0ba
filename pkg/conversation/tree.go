package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var ErrMessageNotFound = errors.New("message not found")

// Tree stores the messages of one conversation as a flat map of nodes linked
// by parent IDs.
//
// Messages with the same ParentID are siblings; messages with an empty
// ParentID are roots. The active path is derived: at every branch point the
// tree follows the explicitly selected child if there is one, and otherwise
// the most recently created active child (last edit wins). Ties on CreatedAt
// are broken by insertion order, so recomputing the path is deterministic.
//
// A Tree is not safe for concurrent use; the store serializes access.
type Tree struct {
	ConversationID ConversationID

	nodes    map[MessageID]*Message
	children map[MessageID][]MessageID
	selected map[MessageID]MessageID
	seq      map[MessageID]uint64
	nextSeq  uint64
}

func NewTree(conversationID ConversationID) *Tree {
	return &Tree{
		ConversationID: conversationID,
		nodes:          make(map[MessageID]*Message),
		children:       make(map[MessageID][]MessageID),
		selected:       make(map[MessageID]MessageID),
		seq:            make(map[MessageID]uint64),
	}
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Has(id MessageID) bool {
	_, ok := t.nodes[id]
	return ok
}

func (t *Tree) Get(id MessageID) (*Message, bool) {
	ret, ok := t.nodes[id]
	return ret, ok
}

// Insert adds messages to the tree. A message whose ID is already known
// replaces the stored node; its position among its siblings is kept.
func (t *Tree) Insert(msgs ...*Message) {
	for _, msg := range msgs {
		if msg == nil || msg.ID == NullMessage {
			continue
		}
		if existing, ok := t.nodes[msg.ID]; ok {
			if existing.ParentID != msg.ParentID {
				t.unlink(existing.ParentID, msg.ID)
				t.children[msg.ParentID] = append(t.children[msg.ParentID], msg.ID)
			}
			t.nodes[msg.ID] = msg
			continue
		}
		t.nodes[msg.ID] = msg
		t.seq[msg.ID] = t.nextSeq
		t.nextSeq++
		t.children[msg.ParentID] = append(t.children[msg.ParentID], msg.ID)
	}
}

func (t *Tree) unlink(parentID MessageID, id MessageID) {
	siblings := t.children[parentID]
	for i, sibling := range siblings {
		if sibling == id {
			t.children[parentID] = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	if len(t.children[parentID]) == 0 {
		delete(t.children, parentID)
	}
}

// Roots returns the IDs of all root messages in insertion order.
func (t *Tree) Roots() []MessageID {
	return t.Children(NullMessage)
}

// Children returns the IDs of the direct children of id in insertion order.
func (t *Tree) Children(id MessageID) []MessageID {
	children := t.children[id]
	ret := make([]MessageID, len(children))
	copy(ret, children)
	return ret
}

// Siblings returns every child of id's parent, id included, ordered by
// creation, together with the index of id in that list.
func (t *Tree) Siblings(id MessageID) ([]MessageID, int, error) {
	node, ok := t.nodes[id]
	if !ok {
		return nil, -1, errors.Wrapf(ErrMessageNotFound, "siblings of %s", id)
	}
	siblings := t.Children(node.ParentID)
	sort.SliceStable(siblings, func(i, j int) bool {
		return t.before(siblings[i], siblings[j])
	})
	for i, sibling := range siblings {
		if sibling == id {
			return siblings, i, nil
		}
	}
	return siblings, -1, nil
}

// before orders two nodes by creation time, then by insertion order.
func (t *Tree) before(a, b MessageID) bool {
	na, nb := t.nodes[a], t.nodes[b]
	if !na.CreatedAt.Equal(nb.CreatedAt) {
		return na.CreatedAt.Before(nb.CreatedAt)
	}
	return t.seq[a] < t.seq[b]
}

// LatestChild returns the most recently created active child of id.
func (t *Tree) LatestChild(id MessageID) (MessageID, bool) {
	var ret MessageID
	found := false
	for _, child := range t.children[id] {
		node, ok := t.nodes[child]
		if !ok || !node.IsActive {
			continue
		}
		if !found || t.before(ret, child) {
			ret = child
			found = true
		}
	}
	return ret, found
}

func (t *Tree) pick(parentID MessageID) (MessageID, bool) {
	if sel, ok := t.selected[parentID]; ok {
		if node, exists := t.nodes[sel]; exists && node.ParentID == parentID {
			return sel, true
		}
	}
	return t.LatestChild(parentID)
}

// ActivePath returns the root-to-leaf chain currently selected.
func (t *Tree) ActivePath() Thread {
	var path Thread
	parentID := NullMessage
	for i := 0; i <= len(t.nodes); i++ {
		next, ok := t.pick(parentID)
		if !ok {
			break
		}
		path = append(path, t.nodes[next])
		parentID = next
	}
	return path
}

// Select makes id part of the active path by selecting it, and each of its
// ancestors, at their branch points. The path continues below id by the
// usual rules.
func (t *Tree) Select(id MessageID) error {
	if _, ok := t.nodes[id]; !ok {
		return errors.Wrapf(ErrMessageNotFound, "select %s", id)
	}
	for i := 0; i <= len(t.nodes); i++ {
		node, ok := t.nodes[id]
		if !ok {
			break
		}
		t.selected[node.ParentID] = id
		if node.ParentID == NullMessage {
			break
		}
		id = node.ParentID
	}
	return nil
}

// ClearSelection drops all explicit branch selections.
func (t *Tree) ClearSelection() {
	t.selected = make(map[MessageID]MessageID)
}

// Thread returns the chain from the root down to id.
func (t *Tree) Thread(id MessageID) Thread {
	var thread Thread
	for i := 0; i <= len(t.nodes); i++ {
		node, ok := t.nodes[id]
		if !ok {
			break
		}
		thread = append(thread, node)
		if node.ParentID == NullMessage {
			break
		}
		id = node.ParentID
	}
	for i, j := 0, len(thread)-1; i < j; i, j = i+1, j-1 {
		thread[i], thread[j] = thread[j], thread[i]
	}
	return thread
}

// Descendants returns every node below id, depth first.
func (t *Tree) Descendants(id MessageID) []MessageID {
	var ret []MessageID
	stack := t.Children(id)
	visited := make(map[MessageID]bool)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[next] {
			continue
		}
		visited[next] = true
		ret = append(ret, next)
		stack = append(stack, t.Children(next)...)
	}
	return ret
}

// Remove deletes id together with its whole subtree and returns the removed IDs.
func (t *Tree) Remove(id MessageID) ([]MessageID, error) {
	node, ok := t.nodes[id]
	if !ok {
		return nil, errors.Wrapf(ErrMessageNotFound, "remove %s", id)
	}
	removed := append([]MessageID{id}, t.Descendants(id)...)
	t.unlink(node.ParentID, id)
	if t.selected[node.ParentID] == id {
		delete(t.selected, node.ParentID)
	}
	for _, r := range removed {
		delete(t.nodes, r)
		delete(t.seq, r)
		delete(t.children, r)
		delete(t.selected, r)
	}
	return removed, nil
}

// Messages returns all messages in insertion order.
func (t *Tree) Messages() Thread {
	ret := make(Thread, 0, len(t.nodes))
	for _, m := range t.nodes {
		ret = append(ret, m)
	}
	sort.Slice(ret, func(i, j int) bool {
		return t.seq[ret[i].ID] < t.seq[ret[j].ID]
	})
	return ret
}

// TreeSnapshot is the serialized form of a Tree.
type TreeSnapshot struct {
	ConversationID ConversationID          `json:"conversation_id" yaml:"conversation_id"`
	Messages       Thread                  `json:"messages" yaml:"messages"`
	Selected       map[MessageID]MessageID `json:"selected,omitempty" yaml:"selected,omitempty"`
}

func (t *Tree) Snapshot() *TreeSnapshot {
	selected := make(map[MessageID]MessageID, len(t.selected))
	for k, v := range t.selected {
		selected[k] = v
	}
	return &TreeSnapshot{
		ConversationID: t.ConversationID,
		Messages:       t.Messages(),
		Selected:       selected,
	}
}

// NewTreeFromSnapshot rebuilds a tree, preserving insertion order and selections.
func NewTreeFromSnapshot(s *TreeSnapshot) *Tree {
	t := NewTree(s.ConversationID)
	t.Insert(s.Messages...)
	for k, v := range s.Selected {
		t.selected[k] = v
	}
	return t
}

// SaveToFile writes the tree as YAML if filename ends in .yaml/.yml, JSON otherwise.
func (t *Tree) SaveToFile(filename string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(t.Snapshot())
	default:
		data, err = json.MarshalIndent(t.Snapshot(), "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "could not serialize tree")
	}
	return os.WriteFile(filename, data, 0644)
}

func LoadTreeFromFile(filename string) (*Tree, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	s := &TreeSnapshot{}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, s)
	default:
		err = json.Unmarshal(data, s)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse tree file %s", filename)
	}
	return NewTreeFromSnapshot(s), nil
}
