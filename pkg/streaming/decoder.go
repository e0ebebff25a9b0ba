package streaming

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type FrameType string

const (
	FrameToken FrameType = "token"
	FrameDone  FrameType = "done"
	FrameError FrameType = "error"
)

// doneSentinel is an unconditional completion signal without a message id.
const doneSentinel = "[DONE]"

// Envelope is the JSON payload carried by a `data:` line.
type Envelope struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type tokenData struct {
	Content string `json:"content"`
}

type doneData struct {
	MessageID string `json:"messageId"`
}

type errorData struct {
	Message string `json:"message"`
}

// Frame is one decoded event of the stream.
type Frame struct {
	Type      FrameType
	Content   string
	MessageID string
	Message   string
}

func (f Frame) MarshalZerologObject(e *zerolog.Event) {
	e.Str("type", string(f.Type))
	switch f.Type {
	case FrameToken:
		e.Int("content_length", len(f.Content))
	case FrameDone:
		e.Str("message_id", f.MessageID)
	case FrameError:
		e.Str("message", f.Message)
	}
}

var _ zerolog.LogObjectMarshaler = Frame{}

// Decoder turns arbitrarily chunked bytes into frames.
//
// Only complete lines are decoded; an incomplete trailing line is kept and
// prefixed onto the next chunk. Comment lines (`:` keepalives), other SSE
// fields and blank separators are ignored. A data payload that is not valid
// JSON is logged and skipped.
type Decoder struct {
	pending []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes a chunk and returns the frames completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []Frame {
	var frames []Frame
	d.pending = append(d.pending, chunk...)
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		if f, ok := decodeLine(line); ok {
			frames = append(frames, f)
		}
		d.pending = d.pending[idx+1:]
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return frames
}

// Flush decodes a residual line left without a terminating newline at end of stream.
func (d *Decoder) Flush() []Frame {
	line := d.pending
	d.pending = nil
	if f, ok := decodeLine(line); ok {
		return []Frame{f}
	}
	return nil
}

// Buffered returns the number of bytes held for an incomplete line.
func (d *Decoder) Buffered() int {
	return len(d.pending)
}

func decodeLine(line []byte) (Frame, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 {
		return Frame{}, false
	}
	if line[0] == ':' {
		return Frame{}, false
	}

	payload, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		// event:, id:, retry: carry nothing we act on
		return Frame{}, false
	}
	payload = bytes.TrimSpace(payload)

	if string(payload) == doneSentinel {
		return Frame{Type: FrameDone}, true
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Debug().Err(err).Str("payload", string(payload)).Msg("Failed to parse stream frame, skipping")
		return Frame{}, false
	}

	switch env.Type {
	case FrameToken:
		var d tokenData
		if err := unmarshalData(env.Data, &d); err != nil {
			log.Debug().Err(err).Msg("Failed to parse token frame data, skipping")
			return Frame{}, false
		}
		return Frame{Type: FrameToken, Content: d.Content}, true
	case FrameDone:
		var d doneData
		if err := unmarshalData(env.Data, &d); err != nil {
			log.Debug().Err(err).Msg("Failed to parse done frame data, skipping")
			return Frame{}, false
		}
		return Frame{Type: FrameDone, MessageID: d.MessageID}, true
	case FrameError:
		var d errorData
		if err := unmarshalData(env.Data, &d); err != nil {
			log.Debug().Err(err).Msg("Failed to parse error frame data, skipping")
			return Frame{}, false
		}
		return Frame{Type: FrameError, Message: d.Message}, true
	default:
		log.Debug().Str("type", string(env.Type)).Msg("Unknown stream frame type, skipping")
		return Frame{}, false
	}
}

func unmarshalData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
