// Package streaming delivers a reply from the backend incrementally.
//
// A stream is a POST whose response body is a sequence of `data:` lines, each
// carrying a JSON envelope of type token, done or error. Transport decodes the
// body as it arrives and drives a Handler. Every stream ends with exactly one
// terminal callback: OnComplete or OnError.
package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrConversationNotFound is reported when the backend answers 404. The
	// caller may recreate the conversation and retry.
	ErrConversationNotFound = errors.New("CONVERSATION_NOT_FOUND")
	// ErrStreamCancelled is reported when the caller cancels the stream.
	ErrStreamCancelled = errors.New("stream cancelled")
	// ErrStreamIncomplete is reported when the body ends without a terminal frame.
	ErrStreamIncomplete = errors.New("stream ended without completion")
	ErrNullBody         = errors.New("Response body is null")
)

// HTTPError is a non-2xx stream response other than 404.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// StreamError carries the message of an `error` frame.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// Request is the body of a stream call.
type Request struct {
	ConversationID string `json:"-"`
	Content        string `json:"content"`
	ParentID       string `json:"parent_id,omitempty"`
	Regenerate     bool   `json:"regenerate,omitempty"`
}

func (r Request) MarshalZerologObject(e *zerolog.Event) {
	e.Str("conversation_id", r.ConversationID)
	e.Int("content_length", len(r.Content))
	if r.ParentID != "" {
		e.Str("parent_id", r.ParentID)
	}
	e.Bool("regenerate", r.Regenerate)
}

// Handler receives the stream's frames. Callbacks are invoked sequentially
// from the goroutine running Stream. Nil callbacks are skipped.
type Handler struct {
	OnToken    func(token string)
	OnError    func(err error)
	OnComplete func(messageID string)
}

// Executor runs a request, typically through the session coordinator.
type Executor func(ctx context.Context, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error)

func directExecutor(ctx context.Context, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	return fn(ctx)
}

const DefaultChunkSize = 4096

type Transport struct {
	baseURL   *url.URL
	client    *http.Client
	execute   Executor
	chunkSize int
}

type Option func(*Transport)

// WithHTTPClient sets the client. It must not carry a timeout: a stream lasts
// as long as the reply does.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

func WithExecutor(execute Executor) Option {
	return func(t *Transport) {
		t.execute = execute
	}
}

func WithChunkSize(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.chunkSize = size
		}
	}
}

func NewTransport(baseURL *url.URL, options ...Option) *Transport {
	ret := &Transport{
		baseURL:   baseURL,
		client:    &http.Client{},
		execute:   directExecutor,
		chunkSize: DefaultChunkSize,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func (t *Transport) streamURL(conversationID string) string {
	return t.baseURL.JoinPath("conversations", conversationID, "stream").String()
}

// Stream posts req and feeds the decoded reply to h until a terminal frame,
// the end of the body, or cancellation of ctx.
//
// The returned error is the one passed to the terminal OnError, or nil after
// OnComplete. Cancelling ctx closes the response body; the terminal callback
// is then OnError(ErrStreamCancelled).
func (t *Transport) Stream(ctx context.Context, req Request, h Handler) (err error) {
	term := &terminator{handler: h}
	defer func() {
		if r := recover(); r != nil {
			perr := errors.Errorf("stream handler panicked: %v", r)
			log.Error().Err(perr).Object("request", req).Msg("Recovered from panic in stream handler")
			term.fail(perr)
			err = perr
		}
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return term.fail(errors.Wrap(err, "could not marshal stream request"))
	}

	log.Debug().Object("request", req).Msg("Starting stream")

	resp, err := t.execute(ctx, func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.streamURL(req.ConversationID), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
		return t.client.Do(httpReq)
	})
	if err != nil {
		if ctx.Err() != nil {
			return term.fail(ErrStreamCancelled)
		}
		return term.fail(err)
	}

	if resp.StatusCode == http.StatusNotFound {
		drain(resp)
		return term.fail(ErrConversationNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		drain(resp)
		return term.fail(&HTTPError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)})
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return term.fail(ErrNullBody)
	}

	rc := &onceCloser{ReadCloser: resp.Body}
	defer rc.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = rc.Close()
	})
	defer stop()

	return t.consume(ctx, rc, term)
}

func (t *Transport) consume(ctx context.Context, body io.Reader, term *terminator) error {
	decoder := NewDecoder()
	buf := make([]byte, t.chunkSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if done, err := term.dispatch(ctx, decoder.Feed(buf[:n])); done {
				return err
			}
		}
		if readErr == nil {
			continue
		}

		if ctx.Err() != nil {
			return term.fail(ErrStreamCancelled)
		}
		if readErr != io.EOF {
			return term.fail(errors.Wrap(readErr, "stream read failed"))
		}

		if done, err := term.dispatch(ctx, decoder.Flush()); done {
			return err
		}
		log.Debug().Msg("Stream ended without a terminal frame")
		return term.fail(ErrStreamIncomplete)
	}
}

// terminator makes sure only one terminal callback fires.
type terminator struct {
	handler Handler
	done    bool
	err     error
}

// dispatch delivers frames in order. Once ctx is done the remaining frames
// are dropped and the stream ends with ErrStreamCancelled.
func (t *terminator) dispatch(ctx context.Context, frames []Frame) (bool, error) {
	for _, f := range frames {
		if t.done {
			return true, t.err
		}
		if ctx.Err() != nil {
			return true, t.fail(ErrStreamCancelled)
		}
		switch f.Type {
		case FrameToken:
			if t.handler.OnToken != nil {
				t.handler.OnToken(f.Content)
			}
		case FrameDone:
			t.complete(f.MessageID)
		case FrameError:
			msg := f.Message
			if strings.TrimSpace(msg) == "" {
				msg = "stream error"
			}
			t.fail(&StreamError{Message: msg})
		}
	}
	return t.done, t.err
}

func (t *terminator) complete(messageID string) {
	if t.done {
		return
	}
	t.done = true
	log.Debug().Str("message_id", messageID).Msg("Stream complete")
	if t.handler.OnComplete != nil {
		t.handler.OnComplete(messageID)
	}
}

func (t *terminator) fail(err error) error {
	if t.done {
		return t.err
	}
	t.done = true
	t.err = err
	if t.handler.OnError != nil {
		t.handler.OnError(err)
	}
	return err
}

type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() {
		c.err = c.ReadCloser.Close()
	})
	return c.err
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
