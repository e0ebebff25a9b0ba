// Package store holds the client-side state of the conversation engine: the
// loaded conversations, the message tree of each of them, the active path of
// the current one and the draft of a reply being streamed.
//
// All operations are safe for concurrent use. Network calls are never made
// while the state lock is held, and every operation records its failure in
// State.Error as well as returning it.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Ladvien/research-workbench-sub000/pkg/api"
	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
	"github.com/Ladvien/research-workbench-sub000/pkg/events"
	"github.com/Ladvien/research-workbench-sub000/pkg/helpers"
	"github.com/Ladvien/research-workbench-sub000/pkg/streaming"
)

var (
	ErrNoConversation = errors.New("no conversation selected")
	// ErrTurnInProgress rejects a send while a reply is still streaming.
	ErrTurnInProgress = errors.New("a reply is already streaming")
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrEmptyTitle     = errors.New("title is empty")
)

// Backend is the request/response side of the conversation service.
// *api.Client implements it.
type Backend interface {
	ListConversations(ctx context.Context, page int, limit int) api.Response[[]conversation.Conversation]
	CreateConversation(ctx context.Context, req api.CreateConversationRequest) api.Response[conversation.Conversation]
	GetConversation(ctx context.Context, id conversation.ConversationID) api.Response[api.ConversationDetail]
	UpdateConversationTitle(ctx context.Context, id conversation.ConversationID, title string) api.Response[helpers.Nothing]
	DeleteConversation(ctx context.Context, id conversation.ConversationID) api.Response[helpers.Nothing]
	SendMessage(ctx context.Context, id conversation.ConversationID, content string) api.Response[api.SendMessageResult]
	CreateBranch(ctx context.Context, id conversation.ConversationID, messageID conversation.MessageID, req api.BranchRequest) api.Response[conversation.Message]
	ListMessages(ctx context.Context, id conversation.ConversationID) api.Response[[]*conversation.Message]
	DeleteMessage(ctx context.Context, id conversation.ConversationID, messageID conversation.MessageID) api.Response[helpers.Nothing]
	SearchMessages(ctx context.Context, query string, limit int) api.Response[[]api.SearchResult]
	GetUsage(ctx context.Context, from time.Time, to time.Time) api.Response[api.UsageSummary]
}

// Streamer streams an assistant reply. Exactly one of OnComplete and OnError
// is called before Stream returns.
type Streamer interface {
	Stream(ctx context.Context, req streaming.Request, h streaming.Handler) error
}

// TreeCache keeps conversations available while the backend is unreachable.
// *cache.BoltCache implements it.
type TreeCache interface {
	SaveTree(snapshot *conversation.TreeSnapshot) error
	LoadTree(id conversation.ConversationID) (*conversation.TreeSnapshot, error)
	DeleteTree(id conversation.ConversationID) error
	SaveConversations(conversations []conversation.Conversation) error
	LoadConversations() ([]conversation.Conversation, error)
}

// Draft is the assistant reply being streamed. It is never part of a tree.
type Draft struct {
	ID             string                      `json:"id" yaml:"id"`
	ConversationID conversation.ConversationID `json:"conversation_id" yaml:"conversation_id"`
	Role           conversation.Role           `json:"role" yaml:"role"`
	Content        string                      `json:"content" yaml:"content"`
	IsStreaming    bool                        `json:"is_streaming" yaml:"is_streaming"`
	// Prompt is the user text that started the turn.
	Prompt    string    `json:"prompt" yaml:"prompt"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
}

type State struct {
	CurrentConversationID conversation.ConversationID `json:"current_conversation_id,omitempty" yaml:"current_conversation_id,omitempty"`
	Conversations         []conversation.Conversation `json:"conversations" yaml:"conversations"`
	// CurrentMessages is the active path of the current conversation.
	CurrentMessages  conversation.Thread `json:"current_messages" yaml:"current_messages"`
	Draft            *Draft              `json:"draft,omitempty" yaml:"draft,omitempty"`
	SelectedModel    string              `json:"selected_model" yaml:"selected_model"`
	SelectedProvider string              `json:"selected_provider,omitempty" yaml:"selected_provider,omitempty"`
	IsLoading        bool                `json:"is_loading" yaml:"is_loading"`
	IsStreaming      bool                `json:"is_streaming" yaml:"is_streaming"`
	Error            string              `json:"error,omitempty" yaml:"error,omitempty"`
}

type Store struct {
	backend  Backend
	streamer Streamer
	cache    TreeCache
	sinks    []events.EventSink
	pageSize int
	now      func() time.Time

	mu    sync.Mutex
	state State
	trees map[conversation.ConversationID]*conversation.Tree
	// generation identifies the current turn; callbacks of older turns are dropped.
	generation uint64
	cancel     context.CancelFunc
	// sending is held by a send or edit from before it creates anything
	// until it returns.
	sending bool
}

type Option func(*Store)

func WithEventSinks(sinks ...events.EventSink) Option {
	return func(s *Store) {
		s.sinks = append(s.sinks, sinks...)
	}
}

func WithTreeCache(cache TreeCache) Option {
	return func(s *Store) {
		s.cache = cache
	}
}

func WithPageSize(size int) Option {
	return func(s *Store) {
		s.pageSize = size
	}
}

// WithDefaultModel sets the model and provider used for new conversations.
func WithDefaultModel(model string, provider string) Option {
	return func(s *Store) {
		s.state.SelectedModel = model
		s.state.SelectedProvider = provider
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(backend Backend, streamer Streamer, options ...Option) *Store {
	ret := &Store{
		backend:  backend,
		streamer: streamer,
		pageSize: 50,
		now:      time.Now,
		trees:    make(map[conversation.ConversationID]*conversation.Tree),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// State returns a deep copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone.Clone(s.state).(State)
}

// Snapshot returns a copy of the cached tree of a conversation.
func (s *Store) Snapshot(id conversation.ConversationID) (*conversation.TreeSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.trees[id]
	if !ok {
		return nil, false
	}
	return clone.Clone(tree.Snapshot()).(*conversation.TreeSnapshot), true
}

func (s *Store) withLock(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *Store) meta(id conversation.ConversationID) events.EventMetadata {
	return events.NewEventMetadata(string(id))
}

func (s *Store) publish(ctx context.Context, evs ...events.Event) {
	for _, e := range evs {
		for _, sink := range s.sinks {
			if err := sink.PublishEvent(e); err != nil {
				log.Warn().Err(err).Str("event_type", string(e.Type())).Msg("Failed to publish store event")
			}
		}
		events.PublishEventToContext(ctx, e)
	}
}

// fail records err as the user-facing error and returns it.
func (s *Store) fail(ctx context.Context, op string, id conversation.ConversationID, err error) error {
	s.withLock(func() {
		s.state.Error = err.Error()
		s.state.IsLoading = false
	})
	log.Warn().Err(err).Str("operation", op).Str("conversation_id", string(id)).Msg("Store operation failed")
	s.publish(ctx, events.NewErrorEvent(s.meta(id), op, err))
	return err
}

// recoverPanic turns a panic in an operation into a recorded error.
func (s *Store) recoverPanic(ctx context.Context, op string, err *error) {
	if r := recover(); r != nil {
		perr := errors.Errorf("%s panicked: %v", op, r)
		log.Error().Err(perr).Msg("Recovered from panic in store operation")
		*err = s.fail(ctx, op, "", perr)
	}
}

func (s *Store) setLoading(loading bool) {
	s.withLock(func() {
		s.state.IsLoading = loading
	})
}

func (s *Store) tree(id conversation.ConversationID) *conversation.Tree {
	tree, ok := s.trees[id]
	if !ok {
		tree = conversation.NewTree(id)
		s.trees[id] = tree
	}
	return tree
}

func (s *Store) saveTree(id conversation.ConversationID) {
	if s.cache == nil {
		return
	}
	var snapshot *conversation.TreeSnapshot
	s.withLock(func() {
		if tree, ok := s.trees[id]; ok {
			snapshot = tree.Snapshot()
		}
	})
	if snapshot == nil {
		return
	}
	if err := s.cache.SaveTree(snapshot); err != nil {
		log.Warn().Err(err).Str("conversation_id", string(id)).Msg("Could not cache conversation tree")
	}
}

func (s *Store) messagesChanged(id conversation.ConversationID, path conversation.Thread) events.Event {
	ids := make([]string, 0, len(path))
	for _, m := range path {
		ids = append(ids, string(m.ID))
	}
	return events.NewMessagesChangedEvent(s.meta(id), ids)
}

func (s *Store) upsertConversation(c conversation.Conversation) {
	for i := range s.state.Conversations {
		if s.state.Conversations[i].ID == c.ID {
			s.state.Conversations[i] = c
			return
		}
	}
	s.state.Conversations = append(s.state.Conversations, c)
}

func (s *Store) currentConversation() (conversation.ConversationID, *conversation.Tree, error) {
	var id conversation.ConversationID
	var tree *conversation.Tree
	s.withLock(func() {
		id = s.state.CurrentConversationID
		if id != "" {
			tree = s.tree(id)
		}
	})
	if id == "" {
		return "", nil, ErrNoConversation
	}
	return id, tree, nil
}

func (s *Store) LoadConversations(ctx context.Context) (err error) {
	defer s.recoverPanic(ctx, "load-conversations", &err)
	s.setLoading(true)

	resp := s.backend.ListConversations(ctx, 1, s.pageSize)
	if !resp.OK() {
		if resp.Status == 0 {
			s.restoreConversations()
		}
		return s.fail(ctx, "load-conversations", "", resp.Error())
	}

	list := resp.Data
	s.withLock(func() {
		current := s.state.CurrentConversationID
		if current != "" && !containsConversation(list, current) {
			// keep showing the open conversation until it is known to be gone
			for _, c := range s.state.Conversations {
				if c.ID == current {
					list = append([]conversation.Conversation{c}, list...)
					break
				}
			}
		}
		s.state.Conversations = list
		s.state.IsLoading = false
	})
	if s.cache != nil {
		if err := s.cache.SaveConversations(list); err != nil {
			log.Warn().Err(err).Msg("Could not cache conversation list")
		}
	}

	log.Debug().Int("count", len(list)).Msg("Loaded conversations")
	s.publish(ctx, events.NewConversationsLoadedEvent(s.meta(""), len(list)))
	return nil
}

// restoreConversations fills an empty conversation list from the cache.
func (s *Store) restoreConversations() {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.LoadConversations()
	if err != nil || len(cached) == 0 {
		return
	}
	s.withLock(func() {
		if len(s.state.Conversations) == 0 {
			s.state.Conversations = cached
		}
	})
}

func containsConversation(list []conversation.Conversation, id conversation.ConversationID) bool {
	for _, c := range list {
		if c.ID == id {
			return true
		}
	}
	return false
}

// LoadConversation makes id current and loads its active path. A conversation
// the backend does not know clears the current conversation without an error.
func (s *Store) LoadConversation(ctx context.Context, id conversation.ConversationID) (err error) {
	defer s.recoverPanic(ctx, "load-conversation", &err)
	s.setLoading(true)

	resp := s.backend.GetConversation(ctx, id)
	if resp.NotFound() {
		s.withLock(func() {
			if s.state.CurrentConversationID == id || s.state.CurrentConversationID == "" {
				s.state.CurrentConversationID = ""
				s.state.CurrentMessages = nil
			}
			s.state.Error = ""
			s.state.IsLoading = false
			delete(s.trees, id)
		})
		log.Info().Str("conversation_id", string(id)).Msg("Conversation not found")
		s.publish(ctx, s.messagesChanged("", nil))
		return nil
	}
	if !resp.OK() {
		if resp.Status == 0 {
			s.restoreTree(ctx, id)
		}
		return s.fail(ctx, "load-conversation", id, resp.Error())
	}

	path := s.applyDetail(id, resp.Data, true)
	s.saveTree(id)
	s.publish(ctx,
		events.NewConversationSelectedEvent(s.meta(id), len(path)),
		s.messagesChanged(id, path))
	return nil
}

// applyDetail merges a loaded active path into the tree of id and makes it
// the explicit selection. It returns the resulting active path.
func (s *Store) applyDetail(id conversation.ConversationID, detail api.ConversationDetail, makeCurrent bool) conversation.Thread {
	var path conversation.Thread
	s.withLock(func() {
		tree := s.tree(id)
		for _, m := range detail.Messages {
			if m != nil && m.ConversationID == "" {
				m.ConversationID = id
			}
		}
		tree.Insert(detail.Messages...)
		if last, ok := conversation.Thread(detail.Messages).Last(); ok && last != nil {
			_ = tree.Select(last.ID)
		} else {
			tree.ClearSelection()
		}
		path = tree.ActivePath()

		if detail.Conversation.ID != "" {
			s.upsertConversation(detail.Conversation)
		}
		if makeCurrent {
			s.state.CurrentConversationID = id
		}
		if s.state.CurrentConversationID == id {
			s.state.CurrentMessages = path
		}
		s.state.IsLoading = false
	})
	return path
}

// restoreTree shows the cached tree of id while the backend is unreachable.
func (s *Store) restoreTree(ctx context.Context, id conversation.ConversationID) {
	if s.cache == nil {
		return
	}
	snapshot, err := s.cache.LoadTree(id)
	if err != nil || snapshot == nil {
		return
	}
	var path conversation.Thread
	s.withLock(func() {
		tree := conversation.NewTreeFromSnapshot(snapshot)
		s.trees[id] = tree
		path = tree.ActivePath()
		s.state.CurrentConversationID = id
		s.state.CurrentMessages = path
	})
	log.Info().Str("conversation_id", string(id)).Int("messages", len(path)).Msg("Showing cached conversation")
	s.publish(ctx, s.messagesChanged(id, path))
}

// CreateConversation creates a conversation and makes it current. An empty
// model or provider is taken from the selected one.
func (s *Store) CreateConversation(ctx context.Context, req api.CreateConversationRequest) (id conversation.ConversationID, err error) {
	defer s.recoverPanic(ctx, "create-conversation", &err)

	s.withLock(func() {
		if req.Model == "" {
			req.Model = s.state.SelectedModel
		}
		if req.Provider == "" {
			req.Provider = s.state.SelectedProvider
		}
		s.state.IsLoading = true
	})

	resp := s.backend.CreateConversation(ctx, req)
	if !resp.OK() {
		return "", s.fail(ctx, "create-conversation", "", resp.Error())
	}
	c := resp.Data

	s.withLock(func() {
		s.state.Conversations = append(s.state.Conversations, c)
		s.state.CurrentConversationID = c.ID
		s.state.CurrentMessages = conversation.Thread{}
		s.trees[c.ID] = conversation.NewTree(c.ID)
		s.state.IsLoading = false
	})

	log.Info().Object("conversation", c).Msg("Created conversation")
	s.publish(ctx,
		events.NewConversationCreatedEvent(s.meta(c.ID), c.Title, c.Model),
		events.NewConversationSelectedEvent(s.meta(c.ID), 0))
	return c.ID, nil
}

// titleFor derives a title; a failure yields an empty title rather than an error.
func titleFor(content string) (title string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("Could not derive conversation title")
			title = ""
		}
	}()
	return DeriveTitle(content)
}

// ensureConversation returns the current conversation, creating one titled
// after content if there is none.
func (s *Store) ensureConversation(ctx context.Context, content string) (conversation.ConversationID, error) {
	var id conversation.ConversationID
	s.withLock(func() {
		id = s.state.CurrentConversationID
	})
	if id != "" {
		return id, nil
	}
	return s.CreateConversation(ctx, api.CreateConversationRequest{Title: titleFor(content)})
}

// SendMessage posts content without streaming and reloads the active path.
func (s *Store) SendMessage(ctx context.Context, content string) (err error) {
	defer s.recoverPanic(ctx, "send-message", &err)
	if strings.TrimSpace(content) == "" {
		return s.fail(ctx, "send-message", "", ErrEmptyMessage)
	}
	release, err := s.claim()
	if err != nil {
		return err
	}
	defer release()

	id, err := s.ensureConversation(ctx, content)
	if err != nil {
		return err
	}

	s.setLoading(true)
	resp := s.backend.SendMessage(ctx, id, content)
	if !resp.OK() {
		return s.fail(ctx, "send-message", id, resp.Error())
	}
	log.Debug().Str("conversation_id", string(id)).Str("message_id", string(resp.Data.MessageID)).Msg("Sent message")

	return s.LoadConversation(ctx, id)
}

func (s *Store) busy() bool {
	var ret bool
	s.withLock(func() {
		ret = s.sending || s.state.IsStreaming
	})
	return ret
}

// claim reserves the turn before a send or edit touches the backend, so two
// overlapping first sends cannot both create a conversation.
func (s *Store) claim() (func(), error) {
	claimed := false
	s.withLock(func() {
		if s.sending || s.state.IsStreaming {
			return
		}
		s.sending = true
		claimed = true
	})
	if !claimed {
		return nil, ErrTurnInProgress
	}
	return func() {
		s.withLock(func() {
			s.sending = false
		})
	}, nil
}

// EditMessage creates a sibling of messageID carrying newContent and moves
// the active path onto it. Editing a user message that already had a reply
// streams a fresh reply under the new sibling.
func (s *Store) EditMessage(ctx context.Context, messageID conversation.MessageID, newContent string) (err error) {
	defer s.recoverPanic(ctx, "edit-message", &err)
	if strings.TrimSpace(newContent) == "" {
		return s.fail(ctx, "edit-message", "", ErrEmptyMessage)
	}
	id, tree, err := s.currentConversation()
	if err != nil {
		return s.fail(ctx, "edit-message", "", err)
	}
	release, err := s.claim()
	if err != nil {
		return err
	}
	defer release()

	var edited conversation.Message
	var found, hadReply bool
	s.withLock(func() {
		if m, ok := tree.Get(messageID); ok {
			edited = *m
			found = true
			hadReply = len(tree.Children(messageID)) > 0
		}
	})
	if !found {
		return s.fail(ctx, "edit-message", id, errors.Wrapf(conversation.ErrMessageNotFound, "edit %s", messageID))
	}

	resp := s.backend.CreateBranch(ctx, id, messageID, api.BranchRequest{Content: newContent, Role: edited.Role})
	if !resp.OK() {
		return s.fail(ctx, "edit-message", id, resp.Error())
	}
	sibling := resp.Data
	if sibling.ParentID == conversation.NullMessage {
		sibling.ParentID = edited.ParentID
	}
	if sibling.ConversationID == "" {
		sibling.ConversationID = id
	}
	if sibling.Role == "" {
		sibling.Role = edited.Role
	}

	var path conversation.Thread
	s.withLock(func() {
		tree.Insert(&sibling)
		_ = tree.Select(sibling.ID)
		path = tree.ActivePath()
		if s.state.CurrentConversationID == id {
			s.state.CurrentMessages = path
		}
	})
	s.saveTree(id)
	log.Debug().Str("edited", string(messageID)).Str("sibling", string(sibling.ID)).Msg("Created branch")
	s.publish(ctx, s.messagesChanged(id, path))

	if !hadReply || edited.Role != conversation.RoleUser {
		return nil
	}
	return s.runTurn(ctx, turn{
		conversationID: id,
		request: streaming.Request{
			Content:    newContent,
			ParentID:   string(sibling.ID),
			Regenerate: true,
		},
		prompt: newContent,
	})
}

// SwitchBranch moves the active path onto nodeID. The backend is only asked
// for the conversation's messages when nodeID is not known locally.
func (s *Store) SwitchBranch(ctx context.Context, nodeID conversation.MessageID) (err error) {
	defer s.recoverPanic(ctx, "switch-branch", &err)
	id, tree, err := s.currentConversation()
	if err != nil {
		return s.fail(ctx, "switch-branch", "", err)
	}

	var cached bool
	s.withLock(func() {
		cached = tree.Has(nodeID)
	})
	if !cached {
		resp := s.backend.ListMessages(ctx, id)
		if !resp.OK() {
			return s.fail(ctx, "switch-branch", id, resp.Error())
		}
		s.withLock(func() {
			tree.Insert(resp.Data...)
		})
	}

	var path conversation.Thread
	var selectErr error
	s.withLock(func() {
		if selectErr = tree.Select(nodeID); selectErr != nil {
			return
		}
		path = tree.ActivePath()
		if s.state.CurrentConversationID == id {
			s.state.CurrentMessages = path
		}
	})
	if selectErr != nil {
		return s.fail(ctx, "switch-branch", id, selectErr)
	}
	s.saveTree(id)
	s.publish(ctx, s.messagesChanged(id, path))
	return nil
}

// LoadBranches fetches every message of the current conversation so that
// branches off the active path are known. The active path does not change.
func (s *Store) LoadBranches(ctx context.Context) (err error) {
	defer s.recoverPanic(ctx, "load-branches", &err)
	id, tree, err := s.currentConversation()
	if err != nil {
		return s.fail(ctx, "load-branches", "", err)
	}

	resp := s.backend.ListMessages(ctx, id)
	if !resp.OK() {
		return s.fail(ctx, "load-branches", id, resp.Error())
	}

	var path conversation.Thread
	s.withLock(func() {
		tree.Insert(resp.Data...)
		path = tree.ActivePath()
		if s.state.CurrentConversationID == id {
			s.state.CurrentMessages = path
		}
	})
	s.saveTree(id)
	s.publish(ctx, s.messagesChanged(id, path))
	return nil
}

// Siblings returns the alternatives of messageID, itself included, and its index among them.
func (s *Store) Siblings(messageID conversation.MessageID) ([]conversation.MessageID, int, error) {
	id, tree, err := s.currentConversation()
	if err != nil {
		return nil, -1, err
	}
	var ret []conversation.MessageID
	idx := -1
	s.withLock(func() {
		ret, idx, err = tree.Siblings(messageID)
	})
	if err != nil {
		return nil, -1, errors.Wrapf(err, "conversation %s", id)
	}
	return ret, idx, nil
}

// DeleteMessage deletes messageID together with its subtree.
func (s *Store) DeleteMessage(ctx context.Context, messageID conversation.MessageID) (err error) {
	defer s.recoverPanic(ctx, "delete-message", &err)
	id, tree, err := s.currentConversation()
	if err != nil {
		return s.fail(ctx, "delete-message", "", err)
	}
	if s.busy() {
		return ErrTurnInProgress
	}

	resp := s.backend.DeleteMessage(ctx, id, messageID)
	if !resp.OK() && !resp.NotFound() {
		return s.fail(ctx, "delete-message", id, resp.Error())
	}

	var path conversation.Thread
	var removed []conversation.MessageID
	s.withLock(func() {
		removed, _ = tree.Remove(messageID)
		path = tree.ActivePath()
		if s.state.CurrentConversationID == id {
			s.state.CurrentMessages = path
		}
	})
	s.saveTree(id)
	log.Debug().Str("message_id", string(messageID)).Int("removed", len(removed)).Msg("Deleted message")
	s.publish(ctx, s.messagesChanged(id, path))
	return nil
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id conversation.ConversationID, title string) (err error) {
	defer s.recoverPanic(ctx, "update-title", &err)
	title = strings.TrimSpace(title)
	if title == "" {
		return s.fail(ctx, "update-title", id, ErrEmptyTitle)
	}

	resp := s.backend.UpdateConversationTitle(ctx, id, title)
	if !resp.OK() {
		return s.fail(ctx, "update-title", id, resp.Error())
	}

	s.withLock(func() {
		for i := range s.state.Conversations {
			if s.state.Conversations[i].ID == id {
				s.state.Conversations[i].Title = title
				s.state.Conversations[i].UpdatedAt = s.now()
			}
		}
	})
	s.publish(ctx, events.NewConversationRenamedEvent(s.meta(id), title))
	return nil
}

// DeleteConversation deletes id. If it was current, the conversation now at
// its position in the list becomes current, else the one before it; with no
// conversation left the current state is cleared.
func (s *Store) DeleteConversation(ctx context.Context, id conversation.ConversationID) (err error) {
	defer s.recoverPanic(ctx, "delete-conversation", &err)

	var streamingHere bool
	s.withLock(func() {
		streamingHere = s.state.IsStreaming && s.state.Draft != nil && s.state.Draft.ConversationID == id
	})
	if streamingHere {
		s.StopStreaming(ctx)
	}

	resp := s.backend.DeleteConversation(ctx, id)
	if !resp.OK() && !resp.NotFound() {
		return s.fail(ctx, "delete-conversation", id, resp.Error())
	}

	var next conversation.ConversationID
	var wasCurrent bool
	s.withLock(func() {
		idx := -1
		for i, c := range s.state.Conversations {
			if c.ID == id {
				idx = i
				break
			}
		}
		if idx >= 0 {
			s.state.Conversations = append(s.state.Conversations[:idx:idx], s.state.Conversations[idx+1:]...)
		}
		delete(s.trees, id)

		wasCurrent = s.state.CurrentConversationID == id
		if !wasCurrent {
			return
		}
		s.state.CurrentConversationID = ""
		s.state.CurrentMessages = nil
		switch {
		case len(s.state.Conversations) == 0:
		case idx >= 0 && idx < len(s.state.Conversations):
			next = s.state.Conversations[idx].ID
		case idx > 0:
			next = s.state.Conversations[idx-1].ID
		default:
			next = s.state.Conversations[0].ID
		}
	})
	if s.cache != nil {
		if err := s.cache.DeleteTree(id); err != nil {
			log.Warn().Err(err).Str("conversation_id", string(id)).Msg("Could not drop cached tree")
		}
	}

	log.Info().Str("conversation_id", string(id)).Str("next", string(next)).Msg("Deleted conversation")
	s.publish(ctx, events.NewConversationDeletedEvent(s.meta(id)))

	if next != "" {
		return s.LoadConversation(ctx, next)
	}
	if wasCurrent {
		s.publish(ctx, s.messagesChanged("", nil))
	}
	return nil
}

func (s *Store) ClearError() {
	s.withLock(func() {
		s.state.Error = ""
	})
}

// SelectModel sets the model and provider used for conversations created from now on.
func (s *Store) SelectModel(model string, provider string) {
	s.withLock(func() {
		s.state.SelectedModel = model
		s.state.SelectedProvider = provider
	})
}

func (s *Store) Search(ctx context.Context, query string, limit int) (ret []api.SearchResult, err error) {
	defer s.recoverPanic(ctx, "search", &err)
	resp := s.backend.SearchMessages(ctx, query, limit)
	if !resp.OK() {
		return nil, s.fail(ctx, "search", "", resp.Error())
	}
	return resp.Data, nil
}

func (s *Store) Usage(ctx context.Context, from time.Time, to time.Time) (ret api.UsageSummary, err error) {
	defer s.recoverPanic(ctx, "usage", &err)
	resp := s.backend.GetUsage(ctx, from, to)
	if !resp.OK() {
		return api.UsageSummary{}, s.fail(ctx, "usage", "", resp.Error())
	}
	return resp.Data, nil
}
