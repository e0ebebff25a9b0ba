// Package api is the client of the conversation backend.
//
// Every call goes through one session.Coordinator so that plain requests and
// streams share a single session refresh, and every call returns a
// Response[T] instead of failing on ordinary HTTP errors.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
	"github.com/Ladvien/research-workbench-sub000/pkg/helpers"
	"github.com/Ladvien/research-workbench-sub000/pkg/security"
	"github.com/Ladvien/research-workbench-sub000/pkg/session"
	"github.com/Ladvien/research-workbench-sub000/pkg/settings"
	"github.com/Ladvien/research-workbench-sub000/pkg/streaming"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

type Client struct {
	settings *settings.ClientSettings
	baseURL  *url.URL

	httpClient   *http.Client
	streamClient *http.Client
	coordinator  *session.Coordinator
	transport    *streaming.Transport

	navigator    session.Navigator
	roundTripper http.RoundTripper
	jar          http.CookieJar
}

type Option func(*Client)

// WithNavigator sets the navigator asked to show the login view when the
// session cannot be refreshed.
func WithNavigator(navigator session.Navigator) Option {
	return func(c *Client) {
		c.navigator = navigator
	}
}

func WithRoundTripper(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.roundTripper = rt
	}
}

func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) {
		c.jar = jar
	}
}

func NewClient(s *settings.ClientSettings, options ...Option) (*Client, error) {
	if s == nil {
		s = settings.NewClientSettings()
	}
	s = s.Clone()

	baseURL, err := security.ValidateBaseURL(s.BaseURL, s.URLOptions())
	if err != nil {
		return nil, errors.Wrap(err, "invalid base URL")
	}

	ret := &Client{
		settings: s,
		baseURL:  baseURL,
	}
	for _, option := range options {
		option(ret)
	}

	if ret.jar == nil {
		ret.jar, err = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, errors.Wrap(err, "could not create cookie jar")
		}
	}
	rt := ret.roundTripper
	if rt == nil {
		rt = http.DefaultTransport
	}

	ret.httpClient = &http.Client{
		Transport: rt,
		Jar:       ret.jar,
		Timeout:   s.RequestTimeout(),
	}
	// streams last as long as the reply, the caller's context bounds them
	ret.streamClient = &http.Client{
		Transport: rt,
		Jar:       ret.jar,
	}

	coordinatorOptions := []session.Option{session.WithLoginView(s.LoginPath)}
	if ret.navigator != nil {
		coordinatorOptions = append(coordinatorOptions, session.WithNavigator(ret.navigator))
	}
	refreshURL := baseURL.JoinPath(s.RefreshPath).String()
	ret.coordinator = session.NewCoordinator(session.NewHTTPRefresher(ret.httpClient, refreshURL), coordinatorOptions...)

	ret.transport = streaming.NewTransport(baseURL,
		streaming.WithHTTPClient(ret.streamClient),
		streaming.WithExecutor(func(ctx context.Context, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
			return ret.coordinator.Execute(ctx, fn)
		}),
	)

	return ret, nil
}

func (c *Client) Settings() *settings.ClientSettings {
	return c.settings.Clone()
}

func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

func (c *Client) Coordinator() *session.Coordinator {
	return c.coordinator
}

// StreamTransport returns the streaming transport sharing this client's
// cookies and session coordinator.
func (c *Client) StreamTransport() *streaming.Transport {
	return c.transport
}

func (c *Client) Stream(ctx context.Context, req streaming.Request, h streaming.Handler) error {
	return c.transport.Stream(ctx, req, h)
}

type call struct {
	method string
	path   []string
	query  url.Values
	body   interface{}
}

// do performs one call and decodes a 2xx body into T.
func do[T any](ctx context.Context, c *Client, cl call) Response[T] {
	var ret Response[T]

	var payload []byte
	if cl.body != nil {
		var err error
		payload, err = json.Marshal(cl.body)
		if err != nil {
			ret.Err = errors.Wrap(err, "could not marshal request").Error()
			return ret
		}
	}

	u := c.baseURL.JoinPath(cl.path...)
	if len(cl.query) > 0 {
		u.RawQuery = cl.query.Encode()
	}
	target := u.String()

	start := time.Now()
	resp, err := c.coordinator.Execute(ctx, func(ctx context.Context) (*http.Response, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, cl.method, target, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		var se *session.RefreshError
		if errors.As(err, &se) {
			ret.Status = se.Status
			ret.Err = se.Error()
			return ret
		}
		log.Warn().Err(err).Str("method", cl.method).Str("url", target).Msg("Request failed without response")
		ret.Err = NetworkErrorMessage
		return ret
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	ret.Status = resp.StatusCode
	log.Debug().
		Str("method", cl.method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Request done")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ret.Err = errorMessage(resp)
		return ret
	}

	if _, ok := any(&ret.Data).(*helpers.Nothing); ok {
		_, _ = io.Copy(io.Discard, resp.Body)
		return ret
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		ret.Err = errors.Wrap(err, "could not read response").Error()
		return ret
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return ret
	}
	if err := json.Unmarshal(b, &ret.Data); err != nil {
		ret.Err = errors.Wrap(err, "invalid response").Error()
	}
	return ret
}

// errorMessage extracts the server's error text, falling back to the status line.
func errorMessage(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	b = bytes.TrimSpace(b)

	if len(b) > 0 && b[0] == '{' {
		var body struct {
			Error   json.RawMessage `json:"error"`
			Message string          `json:"message"`
			Detail  string          `json:"detail"`
		}
		if err := json.Unmarshal(b, &body); err == nil {
			if msg := rawErrorString(body.Error); msg != "" {
				return msg
			}
			if body.Message != "" {
				return body.Message
			}
			if body.Detail != "" {
				return body.Detail
			}
		}
	} else if len(b) > 0 && !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		return string(b)
	}

	return "HTTP " + strconv.Itoa(resp.StatusCode) + ": " + http.StatusText(resp.StatusCode)
}

// rawErrorString accepts both {"error": "text"} and {"error": {"message": "text"}}.
func rawErrorString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil {
		return nested.Message
	}
	return ""
}

func (c *Client) ListConversations(ctx context.Context, page int, limit int) Response[[]conversation.Conversation] {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return do[[]conversation.Conversation](ctx, c, call{
		method: http.MethodGet,
		path:   []string{"conversations"},
		query:  q,
	})
}

func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) Response[conversation.Conversation] {
	log.Debug().Object("request", req).Msg("Creating conversation")
	return do[conversation.Conversation](ctx, c, call{
		method: http.MethodPost,
		path:   []string{"conversations"},
		body:   req,
	})
}

// GetConversation returns the conversation with the messages of its active path.
func (c *Client) GetConversation(ctx context.Context, id conversation.ConversationID) Response[ConversationDetail] {
	return do[ConversationDetail](ctx, c, call{
		method: http.MethodGet,
		path:   []string{"conversations", string(id)},
	})
}

func (c *Client) UpdateConversationTitle(ctx context.Context, id conversation.ConversationID, title string) Response[helpers.Nothing] {
	return do[helpers.Nothing](ctx, c, call{
		method: http.MethodPatch,
		path:   []string{"conversations", string(id), "title"},
		body:   UpdateTitleRequest{Title: title},
	})
}

func (c *Client) DeleteConversation(ctx context.Context, id conversation.ConversationID) Response[helpers.Nothing] {
	return do[helpers.Nothing](ctx, c, call{
		method: http.MethodDelete,
		path:   []string{"conversations", string(id)},
	})
}

func (c *Client) SendMessage(ctx context.Context, id conversation.ConversationID, content string) Response[SendMessageResult] {
	return do[SendMessageResult](ctx, c, call{
		method: http.MethodPost,
		path:   []string{"conversations", string(id), "messages"},
		body:   SendMessageRequest{Content: content},
	})
}

// CreateBranch creates a sibling of messageID carrying req.Content. The
// route's parent segment takes the id of the message being edited, not its
// parent's; the backend attaches the new message under that message's parent.
func (c *Client) CreateBranch(ctx context.Context, id conversation.ConversationID, messageID conversation.MessageID, req BranchRequest) Response[conversation.Message] {
	return do[conversation.Message](ctx, c, call{
		method: http.MethodPost,
		path:   []string{"conversations", string(id), "messages", string(messageID), "branch"},
		body:   req,
	})
}

// ListMessages returns every message of the conversation, all branches included.
func (c *Client) ListMessages(ctx context.Context, id conversation.ConversationID) Response[[]*conversation.Message] {
	return do[[]*conversation.Message](ctx, c, call{
		method: http.MethodGet,
		path:   []string{"conversations", string(id), "messages"},
	})
}

// DeleteMessage deletes messageID and its whole subtree.
func (c *Client) DeleteMessage(ctx context.Context, id conversation.ConversationID, messageID conversation.MessageID) Response[helpers.Nothing] {
	return do[helpers.Nothing](ctx, c, call{
		method: http.MethodDelete,
		path:   []string{"conversations", string(id), "messages", string(messageID)},
	})
}

func (c *Client) SearchMessages(ctx context.Context, query string, limit int) Response[[]SearchResult] {
	q := url.Values{}
	q.Set("q", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return do[[]SearchResult](ctx, c, call{
		method: http.MethodGet,
		path:   []string{"search"},
		query:  q,
	})
}

// GetUsage reports token usage between from and to. Zero times leave the range open.
func (c *Client) GetUsage(ctx context.Context, from time.Time, to time.Time) Response[UsageSummary] {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.UTC().Format(time.RFC3339))
	}
	return do[UsageSummary](ctx, c, call{
		method: http.MethodGet,
		path:   []string{"analytics", "usage"},
		query:  q,
	})
}
