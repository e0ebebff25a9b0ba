package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFromJsonDecodesTypedEvents(t *testing.T) {
	meta := NewEventMetadata("c1").WithGeneration(3)
	b, err := json.Marshal(NewStreamTokenEvent(meta, " there", "Hi there"))
	require.NoError(t, err)

	e, err := NewEventFromJson(b)
	require.NoError(t, err)
	tok, ok := e.(*EventStreamToken)
	require.True(t, ok, "got %T", e)
	assert.Equal(t, " there", tok.Delta)
	assert.Equal(t, "Hi there", tok.Completion)
	assert.Equal(t, "c1", tok.Metadata().ConversationID)
	assert.Equal(t, uint64(3), tok.Metadata().Generation)
	assert.Equal(t, meta.ID, tok.Metadata().ID)
	assert.Equal(t, b, tok.Payload())
}

func TestNewEventFromJsonUnknownType(t *testing.T) {
	e, err := NewEventFromJson([]byte(`{"type":"something-else","meta":{}}`))
	require.NoError(t, err)
	assert.Equal(t, EventType("something-else"), e.Type())

	_, err = NewEventFromJson([]byte(`{not json`))
	assert.Error(t, err)
}

func TestPublishEventToContext(t *testing.T) {
	var got []EventType
	sink := SinkFunc(func(e Event) error {
		got = append(got, e.Type())
		return nil
	})
	failing := SinkFunc(func(e Event) error {
		return errors.New("sink down")
	})

	ctx := WithEventSinks(context.Background(), failing, sink)
	PublishEventToContext(ctx, NewConversationDeletedEvent(NewEventMetadata("c1")))
	PublishEventToContext(context.Background(), NewConversationDeletedEvent(NewEventMetadata("c1")))

	assert.Equal(t, []EventType{EventTypeConversationDeleted}, got)
	assert.Len(t, GetEventSinks(ctx), 2)
}

func TestEventRouterDeliversInOrder(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)

	var mu sync.Mutex
	var types []EventType
	var sequence []string
	done := make(chan struct{})
	router.AddHandler("collect", "chat", func(msg *message.Message) error {
		defer msg.Ack()
		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type())
		sequence = append(sequence, msg.Metadata.Get(SequenceNumberKey))
		if e.Type() == EventTypeStreamComplete {
			close(done)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()
	defer func() {
		_ = router.Close()
	}()

	sink := router.Sink("chat")
	meta := NewEventMetadata("c1").WithGeneration(1)
	require.NoError(t, sink.PublishEvent(NewStreamStartEvent(meta, "Hello")))
	require.NoError(t, sink.PublishEvent(NewStreamTokenEvent(meta, "Hi", "Hi")))
	require.NoError(t, sink.PublishEvent(NewStreamCompleteEvent(meta, "m1", "Hi")))
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventTypeStreamStart, EventTypeStreamToken, EventTypeStreamComplete}, types)
	assert.Equal(t, []string{"0", "1", "2"}, sequence)
}

func TestPrinterFunc(t *testing.T) {
	var buf bytes.Buffer
	printer := PrinterFunc("assistant", &buf)

	meta := NewEventMetadata("c1")
	for _, e := range []Event{
		NewStreamStartEvent(meta, "Hello"),
		NewStreamTokenEvent(meta, "Hi", "Hi"),
		NewStreamTokenEvent(meta, " there", "Hi there"),
		NewStreamCompleteEvent(meta, "m1", "Hi there"),
	} {
		b, err := json.Marshal(e)
		require.NoError(t, err)
		require.NoError(t, printer(message.NewMessage("id", b)))
	}

	assert.Equal(t, "\nassistant: Hi there\n", buf.String())
}

func TestPrinterFuncSkipsRepeatedStreamError(t *testing.T) {
	var buf bytes.Buffer
	printer := PrinterFunc("assistant", &buf)

	meta := NewEventMetadata("c1")
	for _, e := range []Event{
		NewStreamStartEvent(meta, "Hello"),
		NewStreamErrorEvent(meta, errors.New("boom")),
		NewErrorEvent(meta, "send-streaming-message", errors.New("boom")),
		NewErrorEvent(meta, "load-conversations", errors.New("offline")),
	} {
		b, err := json.Marshal(e)
		require.NoError(t, err)
		require.NoError(t, printer(message.NewMessage("id", b)))
	}

	assert.Equal(t, "\nError: boom\nError (load-conversations): offline\n", buf.String())
}

func TestDumpRawEventsDropsMetadataUnlessVerbose(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)
	defer router.Close()

	e := NewStreamTokenEvent(NewEventMetadata("c1"), "Hi", "Hi")
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, router.DumpRawEvents(&buf)(message.NewMessage("id", b)))

	var dumped map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &dumped))
	assert.NotContains(t, dumped, "meta")
	assert.Equal(t, e.Metadata().ID.String(), dumped["id"])
	assert.Equal(t, "Hi", dumped["delta"])
}
