package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ladvien/research-workbench-sub000/pkg/api"
	"github.com/Ladvien/research-workbench-sub000/pkg/api/apitest"
	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
	"github.com/Ladvien/research-workbench-sub000/pkg/session"
	"github.com/Ladvien/research-workbench-sub000/pkg/settings"
	"github.com/Ladvien/research-workbench-sub000/pkg/streaming"
)

func newClient(t *testing.T, baseURL string, options ...api.Option) *api.Client {
	s := settings.NewClientSettings()
	s.BaseURL = baseURL
	c, err := api.NewClient(s, options...)
	require.NoError(t, err)
	return c
}

func newServer(t *testing.T, options ...apitest.Option) *apitest.Server {
	srv := apitest.NewServer(options...)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	s := settings.NewClientSettings()
	s.BaseURL = "ftp://example.com"
	_, err := api.NewClient(s)
	assert.Error(t, err)
}

func TestConversationCRUD(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv.BaseURL())
	ctx := context.Background()

	created := c.CreateConversation(ctx, api.CreateConversationRequest{Title: "First", Model: "gpt-4o-mini"})
	require.True(t, created.OK(), created.Err)
	assert.Equal(t, http.StatusCreated, created.Status)
	assert.Equal(t, "First", created.Data.Title)
	id := created.Data.ID

	list := c.ListConversations(ctx, 0, 0)
	require.True(t, list.OK())
	require.Len(t, list.Data, 1)
	assert.Equal(t, id, list.Data[0].ID)

	renamed := c.UpdateConversationTitle(ctx, id, "Renamed")
	require.True(t, renamed.OK(), renamed.Err)
	assert.Equal(t, http.StatusNoContent, renamed.Status)

	detail := c.GetConversation(ctx, id)
	require.True(t, detail.OK())
	assert.Equal(t, "Renamed", detail.Data.Conversation.Title)
	assert.Empty(t, detail.Data.Messages)

	deleted := c.DeleteConversation(ctx, id)
	require.True(t, deleted.OK())

	missing := c.GetConversation(ctx, id)
	assert.False(t, missing.OK())
	assert.True(t, missing.NotFound())
	assert.Equal(t, "Conversation not found", missing.Err)
	assert.True(t, api.IsNotFound(missing.Error()))
}

func TestListConversationsPaging(t *testing.T) {
	srv := newServer(t)
	for _, title := range []string{"a", "b", "c"} {
		srv.AddConversation(title, "m")
	}
	c := newClient(t, srv.BaseURL())

	page := c.ListConversations(context.Background(), 2, 2)
	require.True(t, page.OK())
	require.Len(t, page.Data, 1)
	// newest first, so the last page holds the oldest
	assert.Equal(t, "a", page.Data[0].Title)
}

func TestSendMessageAndBranch(t *testing.T) {
	srv := newServer(t)
	conv := srv.AddConversation("t", "m")
	c := newClient(t, srv.BaseURL())
	ctx := context.Background()

	sent := c.SendMessage(ctx, conv.ID, "A")
	require.True(t, sent.OK(), sent.Err)
	require.NotEmpty(t, sent.Data.MessageID)

	branch := c.CreateBranch(ctx, conv.ID, sent.Data.MessageID, api.BranchRequest{Content: "B", Role: conversation.RoleUser})
	require.True(t, branch.OK(), branch.Err)
	assert.Equal(t, "B", branch.Data.Content)
	assert.True(t, branch.Data.IsRoot())
	assert.Equal(t, 1, srv.Calls(http.MethodPost, "/api/conversations/"+string(conv.ID)+"/messages/"+string(sent.Data.MessageID)+"/branch"))

	all := c.ListMessages(ctx, conv.ID)
	require.True(t, all.OK())
	assert.Len(t, all.Data, 3)

	detail := c.GetConversation(ctx, conv.ID)
	require.True(t, detail.OK())
	require.Len(t, detail.Data.Messages, 1)
	assert.Equal(t, "B", detail.Data.Messages[0].Content)

	del := c.DeleteMessage(ctx, conv.ID, sent.Data.MessageID)
	require.True(t, del.OK(), del.Err)
	all = c.ListMessages(ctx, conv.ID)
	require.True(t, all.OK())
	assert.Len(t, all.Data, 1)
}

func TestServerErrorIsVerbatim(t *testing.T) {
	srv := newServer(t)
	srv.FailNext(http.MethodGet, "/api/conversations", http.StatusInternalServerError, "Database unavailable")
	c := newClient(t, srv.BaseURL())

	resp := c.ListConversations(context.Background(), 0, 0)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "Database unavailable", resp.Err)
	assert.EqualError(t, resp.Error(), "Database unavailable")
}

func TestErrorMessageFallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/conversations/nested":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"nested message"}}`))
		case "/api/conversations/detail":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"detail":"validation failed"}`))
		case "/api/conversations/text":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	c := newClient(t, srv.URL+"/api")
	ctx := context.Background()

	assert.Equal(t, "nested message", c.GetConversation(ctx, "nested").Err)
	assert.Equal(t, "validation failed", c.GetConversation(ctx, "detail").Err)
	assert.Equal(t, "upstream down", c.GetConversation(ctx, "text").Err)
	assert.Equal(t, "HTTP 503: Service Unavailable", c.GetConversation(ctx, "empty").Err)
}

func TestNetworkFailureHasStatusZero(t *testing.T) {
	srv := newServer(t)
	base := srv.BaseURL()
	srv.Close()

	c := newClient(t, base)
	resp := c.ListConversations(context.Background(), 0, 0)
	assert.Equal(t, 0, resp.Status)
	assert.Equal(t, api.NetworkErrorMessage, resp.Err)
	status, ok := api.StatusOf(resp.Error())
	assert.True(t, ok)
	assert.Equal(t, 0, status)
}

func TestUnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	srv := newServer(t, apitest.WithAuth())
	srv.AddConversation("t", "m")
	c := newClient(t, srv.BaseURL())

	resp := c.ListConversations(context.Background(), 0, 0)
	require.True(t, resp.OK(), resp.Err)
	assert.Len(t, resp.Data, 1)

	assert.Equal(t, 2, srv.Calls(http.MethodGet, "/api/conversations"))
	assert.Equal(t, 1, srv.Calls(http.MethodPost, "/api/auth/refresh"))
}

func TestRefreshFailureRedirects(t *testing.T) {
	srv := newServer(t, apitest.WithAuth())
	srv.SetRefreshStatus(http.StatusUnauthorized)

	redirects := 0
	nav := session.NewViewTracker("/login", func() { redirects++ })
	nav.SetView("/chat")
	c := newClient(t, srv.BaseURL(), api.WithNavigator(nav))

	resp := c.ListConversations(context.Background(), 0, 0)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Contains(t, resp.Err, "session refresh failed")
	assert.Equal(t, 1, redirects)
	assert.Equal(t, "/login", nav.CurrentView())
}

func TestRefreshTransportFailureKeepsRefreshMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/refresh" {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	c := newClient(t, srv.URL+"/api")

	resp := c.ListConversations(context.Background(), 0, 0)
	assert.False(t, resp.OK())
	assert.Equal(t, 0, resp.Status)
	assert.NotEqual(t, api.NetworkErrorMessage, resp.Err)
	assert.True(t, strings.HasPrefix(resp.Err, "session refresh failed: "), resp.Err)
}

func TestStreamSharesSession(t *testing.T) {
	srv := newServer(t, apitest.WithAuth())
	conv := srv.AddConversation("t", "m")
	c := newClient(t, srv.BaseURL())

	var tokens []string
	var completed string
	err := c.Stream(context.Background(), streaming.Request{ConversationID: string(conv.ID), Content: "hello world"}, streaming.Handler{
		OnToken:    func(s string) { tokens = append(tokens, s) },
		OnComplete: func(id string) { completed = id },
	})
	require.NoError(t, err)
	assert.Equal(t, "Echo: hello world", strings.Join(tokens, ""))
	assert.NotEmpty(t, completed)
	assert.Equal(t, 1, srv.Calls(http.MethodPost, "/api/auth/refresh"))

	// the refreshed cookie now serves plain requests too
	resp := c.GetConversation(context.Background(), conv.ID)
	require.True(t, resp.OK(), resp.Err)
	assert.Equal(t, 1, srv.Calls(http.MethodPost, "/api/auth/refresh"))
	require.Len(t, resp.Data.Messages, 2)
	assert.Equal(t, conversation.MessageID(completed), resp.Data.Messages[1].ID)
}

func TestStreamNotFound(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv.BaseURL())
	err := c.Stream(context.Background(), streaming.Request{ConversationID: "nope", Content: "x"}, streaming.Handler{})
	assert.ErrorIs(t, err, streaming.ErrConversationNotFound)
}

func TestSearchAndUsage(t *testing.T) {
	srv := newServer(t)
	conv := srv.AddConversation("t", "gpt-4o-mini")
	c := newClient(t, srv.BaseURL())
	ctx := context.Background()

	require.True(t, c.SendMessage(ctx, conv.ID, "tell me about otters").OK())

	found := c.SearchMessages(ctx, "OTTERS", 10)
	require.True(t, found.OK(), found.Err)
	require.Len(t, found.Data, 2)
	assert.Equal(t, conv.ID, found.Data[0].ConversationID)

	usage := c.GetUsage(ctx, time.Time{}, time.Now())
	require.True(t, usage.OK(), usage.Err)
	assert.Equal(t, int64(2), usage.Data.TotalMessages)
	require.Len(t, usage.Data.Models, 1)
	assert.Equal(t, "gpt-4o-mini", usage.Data.Models[0].Model)
	assert.Greater(t, usage.Data.TotalTokens, int64(0))
}
