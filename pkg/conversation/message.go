package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type ConversationID string

func (id ConversationID) String() string {
	return string(id)
}

// MessageID identifies a message node. The empty MessageID is the parent of every root.
type MessageID string

func (id MessageID) String() string {
	return string(id)
}

// NullMessage is the parent ID of a root message.
const NullMessage MessageID = ""

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser:
		return true
	}
	return false
}

// Conversation is the server-side header of a chat. Its messages live in a Tree.
type Conversation struct {
	ID        ConversationID         `json:"id" yaml:"id"`
	Title     string                 `json:"title,omitempty" yaml:"title,omitempty"`
	Model     string                 `json:"model" yaml:"model"`
	Provider  string                 `json:"provider,omitempty" yaml:"provider,omitempty"`
	CreatedAt time.Time              `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time              `json:"updated_at" yaml:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (c Conversation) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", string(c.ID))
	if c.Title != "" {
		e.Str("title", c.Title)
	}
	e.Str("model", c.Model)
	if c.Provider != "" {
		e.Str("provider", c.Provider)
	}
}

// Message represents a single node in a conversation tree.
//
// Content is never edited in place: an edit produces a new sibling node, and a
// server-side update replaces the whole *Message in the tree.
type Message struct {
	ID             MessageID              `json:"id" yaml:"id"`
	ConversationID ConversationID         `json:"conversation_id" yaml:"conversation_id"`
	ParentID       MessageID              `json:"parent_id" yaml:"parent_id"`
	Role           Role                   `json:"role" yaml:"role"`
	Content        string                 `json:"content" yaml:"content"`
	TokensUsed     *int                   `json:"tokens_used,omitempty" yaml:"tokens_used,omitempty"`
	CreatedAt      time.Time              `json:"created_at" yaml:"created_at"`
	IsActive       bool                   `json:"is_active" yaml:"is_active"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(message *Message) {
		message.Metadata = metadata
	}
}

func WithTime(t time.Time) MessageOption {
	return func(message *Message) {
		message.CreatedAt = t
	}
}

func WithParentID(parentID MessageID) MessageOption {
	return func(message *Message) {
		message.ParentID = parentID
	}
}

func WithTokensUsed(tokens int) MessageOption {
	return func(message *Message) {
		message.TokensUsed = &tokens
	}
}

// WithInactive marks the message as superseded. Inactive messages are kept for
// history but are never picked as the default continuation of a branch point.
func WithInactive() MessageOption {
	return func(message *Message) {
		message.IsActive = false
	}
}

func NewMessage(id MessageID, conversationID ConversationID, role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
		IsActive:       true,
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// IsRoot reports whether the message starts a thread.
func (m *Message) IsRoot() bool {
	return m.ParentID == NullMessage
}

// WithContent returns a copy of the message carrying the new content.
func (m *Message) WithContent(content string) *Message {
	ret := *m
	ret.Content = content
	return &ret
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}

func (m *Message) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", string(m.ID))
	e.Str("parent_id", string(m.ParentID))
	e.Str("role", string(m.Role))
	e.Int("content_length", len(m.Content))
	e.Bool("is_active", m.IsActive)
}

type messageAlias Message

// MarshalJSON writes a root's parent as null.
func (m *Message) MarshalJSON() ([]byte, error) {
	var parentID *MessageID
	if m.ParentID != NullMessage {
		p := m.ParentID
		parentID = &p
	}
	return json.Marshal(&struct {
		*messageAlias
		ParentID *MessageID `json:"parent_id"`
	}{
		messageAlias: (*messageAlias)(m),
		ParentID:     parentID,
	})
}

// UnmarshalJSON accepts a null parent and defaults a missing is_active to true.
func (m *Message) UnmarshalJSON(data []byte) error {
	aux := &struct {
		*messageAlias
		ParentID *MessageID `json:"parent_id"`
		IsActive *bool      `json:"is_active"`
	}{
		messageAlias: (*messageAlias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	m.ParentID = NullMessage
	if aux.ParentID != nil {
		m.ParentID = *aux.ParentID
	}
	m.IsActive = true
	if aux.IsActive != nil {
		m.IsActive = *aux.IsActive
	}
	return nil
}

// Thread is a linear chain of messages, usually a root-to-leaf path of a Tree.
type Thread []*Message

func (t Thread) IDs() []MessageID {
	ret := make([]MessageID, 0, len(t))
	for _, m := range t {
		ret = append(ret, m.ID)
	}
	return ret
}

func (t Thread) Last() (*Message, bool) {
	if len(t) == 0 {
		return nil, false
	}
	return t[len(t)-1], true
}

// Contents returns the content of each message, in order.
func (t Thread) Contents() []string {
	ret := make([]string, 0, len(t))
	for _, m := range t {
		ret = append(ret, m.Content)
	}
	return ret
}
