package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// Conversation list and selection
	EventTypeConversationsLoaded  EventType = "conversations-loaded"
	EventTypeConversationSelected EventType = "conversation-selected"
	EventTypeConversationCreated  EventType = "conversation-created"
	EventTypeConversationDeleted  EventType = "conversation-deleted"
	EventTypeConversationRenamed  EventType = "conversation-renamed"

	// The message tree of the current conversation changed
	EventTypeMessagesChanged EventType = "messages-changed"

	// Streaming of an assistant reply
	EventTypeStreamStart     EventType = "stream-start"
	EventTypeStreamToken     EventType = "stream-token"
	EventTypeStreamComplete  EventType = "stream-complete"
	EventTypeStreamError     EventType = "stream-error"
	EventTypeStreamCancelled EventType = "stream-cancelled"

	// A failed store operation
	EventTypeError EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata is attached to every event published by the store.
type EventMetadata struct {
	ID             uuid.UUID `json:"event_id" yaml:"event_id"`
	ConversationID string    `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	Time           time.Time `json:"time" yaml:"time"`
	// Generation is the stream generation the event belongs to, 0 outside of streams.
	Generation uint64                 `json:"generation,omitempty" yaml:"generation,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func NewEventMetadata(conversationID string) EventMetadata {
	return EventMetadata{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Time:           time.Now(),
	}
}

func (em EventMetadata) WithGeneration(generation uint64) EventMetadata {
	em.Generation = generation
	return em
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.Generation != 0 {
		e.Uint64("generation", em.Generation)
	}
	if len(em.Extra) > 0 {
		e.Dict("extra", zerolog.Dict().Fields(em.Extra))
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// set when the event was deserialized (see NewEventFromJson)
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

func newImpl(t EventType, metadata EventMetadata) EventImpl {
	return EventImpl{Type_: t, Metadata_: metadata}
}

type EventConversationsLoaded struct {
	EventImpl
	Count int `json:"count"`
}

func NewConversationsLoadedEvent(metadata EventMetadata, count int) *EventConversationsLoaded {
	return &EventConversationsLoaded{
		EventImpl: newImpl(EventTypeConversationsLoaded, metadata),
		Count:     count,
	}
}

type EventConversationSelected struct {
	EventImpl
	MessageCount int `json:"message_count"`
}

func NewConversationSelectedEvent(metadata EventMetadata, messageCount int) *EventConversationSelected {
	return &EventConversationSelected{
		EventImpl:    newImpl(EventTypeConversationSelected, metadata),
		MessageCount: messageCount,
	}
}

type EventConversationCreated struct {
	EventImpl
	Title string `json:"title"`
	Model string `json:"model"`
}

func NewConversationCreatedEvent(metadata EventMetadata, title string, model string) *EventConversationCreated {
	return &EventConversationCreated{
		EventImpl: newImpl(EventTypeConversationCreated, metadata),
		Title:     title,
		Model:     model,
	}
}

type EventConversationDeleted struct {
	EventImpl
}

func NewConversationDeletedEvent(metadata EventMetadata) *EventConversationDeleted {
	return &EventConversationDeleted{
		EventImpl: newImpl(EventTypeConversationDeleted, metadata),
	}
}

type EventConversationRenamed struct {
	EventImpl
	Title string `json:"title"`
}

func NewConversationRenamedEvent(metadata EventMetadata, title string) *EventConversationRenamed {
	return &EventConversationRenamed{
		EventImpl: newImpl(EventTypeConversationRenamed, metadata),
		Title:     title,
	}
}

// EventMessagesChanged reports a new active path of the current conversation.
type EventMessagesChanged struct {
	EventImpl
	ActivePath []string `json:"active_path"`
}

func NewMessagesChangedEvent(metadata EventMetadata, activePath []string) *EventMessagesChanged {
	return &EventMessagesChanged{
		EventImpl:  newImpl(EventTypeMessagesChanged, metadata),
		ActivePath: activePath,
	}
}

type EventStreamStart struct {
	EventImpl
	Prompt string `json:"prompt"`
}

func NewStreamStartEvent(metadata EventMetadata, prompt string) *EventStreamStart {
	return &EventStreamStart{
		EventImpl: newImpl(EventTypeStreamStart, metadata),
		Prompt:    prompt,
	}
}

// EventStreamToken carries one delta and the reply accumulated so far.
type EventStreamToken struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewStreamTokenEvent(metadata EventMetadata, delta string, completion string) *EventStreamToken {
	return &EventStreamToken{
		EventImpl:  newImpl(EventTypeStreamToken, metadata),
		Delta:      delta,
		Completion: completion,
	}
}

type EventStreamComplete struct {
	EventImpl
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

func NewStreamCompleteEvent(metadata EventMetadata, messageID string, text string) *EventStreamComplete {
	return &EventStreamComplete{
		EventImpl: newImpl(EventTypeStreamComplete, metadata),
		MessageID: messageID,
		Text:      text,
	}
}

type EventStreamError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewStreamErrorEvent(metadata EventMetadata, err error) *EventStreamError {
	return &EventStreamError{
		EventImpl:   newImpl(EventTypeStreamError, metadata),
		ErrorString: err.Error(),
	}
}

// EventStreamCancelled is published when the user stops a stream. Text is
// the partial reply that was discarded.
type EventStreamCancelled struct {
	EventImpl
	Text string `json:"text"`
}

func NewStreamCancelledEvent(metadata EventMetadata, text string) *EventStreamCancelled {
	return &EventStreamCancelled{
		EventImpl: newImpl(EventTypeStreamCancelled, metadata),
		Text:      text,
	}
}

type EventError struct {
	EventImpl
	Operation   string `json:"operation"`
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, operation string, err error) *EventError {
	return &EventError{
		EventImpl:   newImpl(EventTypeError, metadata),
		Operation:   operation,
		ErrorString: err.Error(),
	}
}

var (
	_ Event = &EventConversationsLoaded{}
	_ Event = &EventConversationSelected{}
	_ Event = &EventConversationCreated{}
	_ Event = &EventConversationDeleted{}
	_ Event = &EventConversationRenamed{}
	_ Event = &EventMessagesChanged{}
	_ Event = &EventStreamStart{}
	_ Event = &EventStreamToken{}
	_ Event = &EventStreamComplete{}
	_ Event = &EventStreamError{}
	_ Event = &EventStreamCancelled{}
	_ Event = &EventError{}
)

// NewEventFromJson decodes a published event back into its typed form.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event payload")
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeConversationsLoaded:
		return decodeTyped[EventConversationsLoaded](e)
	case EventTypeConversationSelected:
		return decodeTyped[EventConversationSelected](e)
	case EventTypeConversationCreated:
		return decodeTyped[EventConversationCreated](e)
	case EventTypeConversationDeleted:
		return decodeTyped[EventConversationDeleted](e)
	case EventTypeConversationRenamed:
		return decodeTyped[EventConversationRenamed](e)
	case EventTypeMessagesChanged:
		return decodeTyped[EventMessagesChanged](e)
	case EventTypeStreamStart:
		return decodeTyped[EventStreamStart](e)
	case EventTypeStreamToken:
		return decodeTyped[EventStreamToken](e)
	case EventTypeStreamComplete:
		return decodeTyped[EventStreamComplete](e)
	case EventTypeStreamError:
		return decodeTyped[EventStreamError](e)
	case EventTypeStreamCancelled:
		return decodeTyped[EventStreamCancelled](e)
	case EventTypeError:
		return decodeTyped[EventError](e)
	}

	return e, nil
}

// typedEvent is satisfied by pointers to the event structs above.
type typedEvent[T any] interface {
	*T
	Event
	setPayload([]byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func decodeTyped[T any, PT typedEvent[T]](e *EventImpl) (Event, error) {
	ret, ok := ToTypedEvent[T](e)
	if !ok || ret == nil {
		return nil, fmt.Errorf("could not cast event to %T", ret)
	}
	PT(ret).setPayload(e.payload)
	return PT(ret), nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}
