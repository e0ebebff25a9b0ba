package store

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Ladvien/research-workbench-sub000/pkg/api"
	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
	"github.com/Ladvien/research-workbench-sub000/pkg/events"
	"github.com/Ladvien/research-workbench-sub000/pkg/streaming"
)

// turn is one send-and-stream exchange:
// idle -> sending -> streaming -> completing | erroring | cancelling -> idle.
type turn struct {
	conversationID conversation.ConversationID
	request        streaming.Request
	prompt         string
	// recreate allows one retry in a new conversation when the backend no
	// longer knows conversationID.
	recreate bool
}

type outcome int

const (
	outcomeStale outcome = iota
	outcomeCompleted
	outcomeNotFound
	outcomeCancelled
	outcomeFailed
)

type turnResult struct {
	outcome   outcome
	messageID conversation.MessageID
	text      string
	err       error
}

// SendStreamingMessage sends content and streams the assistant reply into
// State.Draft. It returns once the turn is over. A send while another reply
// is streaming is rejected with ErrTurnInProgress.
func (s *Store) SendStreamingMessage(ctx context.Context, content string) (err error) {
	defer s.recoverPanic(ctx, "send-streaming-message", &err)
	if strings.TrimSpace(content) == "" {
		return s.fail(ctx, "send-streaming-message", "", ErrEmptyMessage)
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

	var parent conversation.MessageID
	s.withLock(func() {
		if s.state.CurrentConversationID != id {
			return
		}
		if last, ok := s.state.CurrentMessages.Last(); ok {
			parent = last.ID
		}
	})

	return s.runTurn(ctx, turn{
		conversationID: id,
		request: streaming.Request{
			Content:  content,
			ParentID: string(parent),
		},
		prompt:   content,
		recreate: true,
	})
}

// StopStreaming ends the current turn immediately. The draft is discarded
// and no error is recorded; the connection is torn down in the background.
// It reports whether a turn was stopped.
func (s *Store) StopStreaming(ctx context.Context) bool {
	var stopped bool
	var id conversation.ConversationID
	var gen uint64
	var text string
	s.withLock(func() {
		if !s.state.IsStreaming && s.state.Draft == nil {
			return
		}
		stopped = true
		s.generation++
		gen = s.generation
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		if s.state.Draft != nil {
			id = s.state.Draft.ConversationID
			text = s.state.Draft.Content
		}
		s.state.Draft = nil
		s.state.IsStreaming = false
	})
	if !stopped {
		return false
	}
	log.Debug().Str("conversation_id", string(id)).Msg("Stopped streaming")
	s.publish(ctx, events.NewStreamCancelledEvent(s.meta(id).WithGeneration(gen), text))
	return true
}

func (s *Store) isCurrentTurn(gen uint64) bool {
	var ret bool
	s.withLock(func() {
		ret = s.generation == gen && s.state.IsStreaming
	})
	return ret
}

// endTurn resets the streaming state if gen is still the current turn.
func (s *Store) endTurn(gen uint64) {
	s.withLock(func() {
		if s.generation != gen {
			return
		}
		s.state.IsStreaming = false
		s.state.Draft = nil
		s.cancel = nil
	})
}

func (s *Store) runTurn(ctx context.Context, t turn) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var gen uint64
	busy := false
	s.withLock(func() {
		if s.state.IsStreaming {
			busy = true
			return
		}
		s.generation++
		gen = s.generation
		s.cancel = cancel
		s.state.IsStreaming = true
		s.state.Draft = &Draft{
			ID:             "draft-" + uuid.NewString(),
			ConversationID: t.conversationID,
			Role:           conversation.RoleAssistant,
			IsStreaming:    true,
			Prompt:         t.prompt,
			StartedAt:      s.now(),
		}
	})
	if busy {
		return ErrTurnInProgress
	}
	defer s.endTurn(gen)

	s.publish(ctx, events.NewStreamStartEvent(s.meta(t.conversationID).WithGeneration(gen), t.prompt))

	for attempt := 0; ; attempt++ {
		t.request.ConversationID = string(t.conversationID)
		res := s.stream(turnCtx, gen, t)
		meta := s.meta(t.conversationID).WithGeneration(gen)

		switch res.outcome {
		case outcomeStale:
			return nil

		case outcomeCompleted:
			s.publish(ctx, events.NewStreamCompleteEvent(meta, string(res.messageID), res.text))
			s.completeTurn(ctx, t, res)
			return nil

		case outcomeCancelled:
			s.publish(ctx, events.NewStreamCancelledEvent(meta, res.text))
			return nil

		case outcomeNotFound:
			if t.recreate && attempt == 0 {
				id, err := s.recreateConversation(ctx, t.conversationID, t.prompt)
				if err != nil {
					return err
				}
				if !s.isCurrentTurn(gen) {
					return nil
				}
				s.withLock(func() {
					if s.state.Draft != nil {
						s.state.Draft.ConversationID = id
					}
				})
				log.Info().
					Str("old", string(t.conversationID)).
					Str("new", string(id)).
					Msg("Conversation not found, retrying in a new conversation")
				t.conversationID = id
				t.request.ParentID = ""
				continue
			}
			res.err = streaming.ErrConversationNotFound
			s.failTurn(gen, res.err)
			s.publish(ctx, events.NewStreamErrorEvent(meta, res.err))
			return s.fail(ctx, "send-streaming-message", t.conversationID, res.err)

		default:
			s.publish(ctx, events.NewStreamErrorEvent(meta, res.err))
			return s.fail(ctx, "send-streaming-message", t.conversationID, res.err)
		}
	}
}

// stream runs one stream call. Every callback first checks that gen is
// still the current turn so that a stopped turn cannot touch the state.
func (s *Store) stream(ctx context.Context, gen uint64, t turn) turnResult {
	res := turnResult{outcome: outcomeStale}
	meta := s.meta(t.conversationID).WithGeneration(gen)

	h := streaming.Handler{
		OnToken: func(token string) {
			var completion string
			current := false
			s.withLock(func() {
				if s.generation != gen || s.state.Draft == nil {
					return
				}
				s.state.Draft.Content += token
				completion = s.state.Draft.Content
				current = true
			})
			if current {
				s.publish(ctx, events.NewStreamTokenEvent(meta, token, completion))
			}
		},
		OnComplete: func(messageID string) {
			s.withLock(func() {
				if s.generation != gen || !s.state.IsStreaming {
					return
				}
				res.outcome = outcomeCompleted
				res.messageID = conversation.MessageID(messageID)
				if s.state.Draft != nil {
					res.text = s.state.Draft.Content
				}
				s.state.IsStreaming = false
				s.state.Draft = nil
				s.cancel = nil
			})
		},
		OnError: func(err error) {
			s.withLock(func() {
				if s.generation != gen || !s.state.IsStreaming {
					return
				}
				switch {
				case errors.Is(err, streaming.ErrConversationNotFound):
					// the draft survives a retry in a new conversation
					res.outcome = outcomeNotFound
					return
				case errors.Is(err, streaming.ErrStreamCancelled):
					res.outcome = outcomeCancelled
				default:
					res.outcome = outcomeFailed
					res.err = err
					s.state.Error = err.Error()
				}
				if s.state.Draft != nil {
					res.text = s.state.Draft.Content
				}
				s.state.IsStreaming = false
				s.state.Draft = nil
				s.cancel = nil
			})
		},
	}

	if err := s.streamer.Stream(ctx, t.request, h); err != nil {
		log.Debug().Err(err).Object("request", t.request).Msg("Stream returned")
	}
	return res
}

// failTurn ends a turn that failed outside of a stream callback.
func (s *Store) failTurn(gen uint64, err error) {
	s.withLock(func() {
		if s.generation != gen {
			return
		}
		s.state.IsStreaming = false
		s.state.Draft = nil
		s.state.Error = err.Error()
		s.cancel = nil
	})
}

// completeTurn reloads the conversation so that the persisted reply replaces
// the draft. If the reload fails the reply is appended locally.
func (s *Store) completeTurn(ctx context.Context, t turn, res turnResult) {
	resp := s.backend.GetConversation(ctx, t.conversationID)
	if resp.OK() {
		path := s.applyDetail(t.conversationID, resp.Data, false)
		s.saveTree(t.conversationID)
		s.publish(ctx, s.messagesChanged(t.conversationID, path))
		return
	}
	log.Warn().
		Str("conversation_id", string(t.conversationID)).
		Int("status", resp.Status).
		Str("error", resp.Err).
		Msg("Could not reload conversation after stream, keeping the reply locally")

	var path conversation.Thread
	s.withLock(func() {
		tree := s.tree(t.conversationID)
		parent := conversation.MessageID(t.request.ParentID)
		if !t.request.Regenerate {
			user := conversation.NewMessage(
				conversation.MessageID("local-"+uuid.NewString()),
				t.conversationID, conversation.RoleUser, t.prompt,
				conversation.WithParentID(parent),
				conversation.WithTime(s.now()))
			tree.Insert(user)
			parent = user.ID
		}
		id := res.messageID
		if id == "" {
			id = conversation.MessageID("local-" + uuid.NewString())
		}
		reply := conversation.NewMessage(id, t.conversationID, conversation.RoleAssistant, res.text,
			conversation.WithParentID(parent),
			conversation.WithTime(s.now()))
		tree.Insert(reply)
		_ = tree.Select(reply.ID)
		path = tree.ActivePath()
		if s.state.CurrentConversationID == t.conversationID {
			s.state.CurrentMessages = path
		}
	})
	s.publish(ctx, s.messagesChanged(t.conversationID, path))
}

// recreateConversation replaces a conversation the backend lost with a new one.
func (s *Store) recreateConversation(ctx context.Context, lost conversation.ConversationID, prompt string) (conversation.ConversationID, error) {
	var req api.CreateConversationRequest
	s.withLock(func() {
		for i, c := range s.state.Conversations {
			if c.ID == lost {
				req.Title = c.Title
				req.Model = c.Model
				req.Provider = c.Provider
				s.state.Conversations = append(s.state.Conversations[:i:i], s.state.Conversations[i+1:]...)
				break
			}
		}
		delete(s.trees, lost)
	})
	if s.cache != nil {
		_ = s.cache.DeleteTree(lost)
	}
	if req.Title == "" {
		req.Title = titleFor(prompt)
	}
	return s.CreateConversation(ctx, req)
}
