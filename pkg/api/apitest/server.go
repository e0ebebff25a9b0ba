// Package apitest provides an in-memory conversation backend for tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Ladvien/research-workbench-sub000/pkg/api"
	"github.com/Ladvien/research-workbench-sub000/pkg/conversation"
	"github.com/Ladvien/research-workbench-sub000/pkg/streaming"
)

const SessionCookie = "wb_session"

// Replier produces the assistant reply to a user message, as stream tokens.
// A plain send stores no reply when it returns no tokens.
type Replier func(prompt string) []string

// EchoReplier answers "Echo: <prompt>", one token per word.
func EchoReplier(prompt string) []string {
	words := strings.Fields("Echo: " + prompt)
	ret := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		ret = append(ret, w)
	}
	return ret
}

type failure struct {
	status  int
	message string
}

type conv struct {
	header conversation.Conversation
	tree   *conversation.Tree
}

// Server is a fake backend. Its zero value is not usable; use NewServer.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	convs   map[conversation.ConversationID]*conv
	order   []conversation.ConversationID
	nextID  int
	clock   time.Time
	calls   map[string]int
	fail    map[string][]failure
	replier Replier

	requireAuth   bool
	sessionToken  string
	refreshStatus int
	streamLines   func(prompt string) []string
}

type Option func(*Server)

// WithAuth makes every route except the refresh endpoint require the session cookie.
func WithAuth() Option {
	return func(s *Server) {
		s.requireAuth = true
	}
}

func WithReplier(r Replier) Option {
	return func(s *Server) {
		s.replier = r
	}
}

func NewServer(options ...Option) *Server {
	s := &Server{
		convs:         map[conversation.ConversationID]*conv{},
		calls:         map[string]int{},
		fail:          map[string][]failure{},
		clock:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		replier:       EchoReplier,
		sessionToken:  "token-1",
		refreshStatus: http.StatusOK,
	}
	for _, o := range options {
		o(s)
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

// BaseURL is the API root to configure clients with.
func (s *Server) BaseURL() string {
	return s.URL + "/api"
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.count)
		r.Post("/auth/refresh", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.auth)
			r.Use(s.injectFailures)

			r.Get("/conversations", s.handleListConversations)
			r.Post("/conversations", s.handleCreateConversation)
			r.Get("/conversations/{id}", s.handleGetConversation)
			r.Patch("/conversations/{id}/title", s.handleUpdateTitle)
			r.Delete("/conversations/{id}", s.handleDeleteConversation)
			r.Get("/conversations/{id}/messages", s.handleListMessages)
			r.Post("/conversations/{id}/messages", s.handleSendMessage)
			r.Delete("/conversations/{id}/messages/{messageID}", s.handleDeleteMessage)
			r.Post("/conversations/{id}/messages/{messageID}/branch", s.handleBranch)
			r.Post("/conversations/{id}/stream", s.handleStream)
			r.Get("/search", s.handleSearch)
			r.Get("/analytics/usage", s.handleUsage)
		})
	})
	return r
}

// count records calls by method and path.
func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// Calls returns how often method and path were requested, e.g. Calls("GET", "/api/conversations").
func (s *Server) Calls(method string, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.requireAuth {
			c, err := r.Cookie(SessionCookie)
			s.mu.Lock()
			valid := err == nil && c.Value == s.sessionToken
			s.mu.Unlock()
			if !valid {
				writeError(w, http.StatusUnauthorized, "Not authenticated")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ExpireSession rotates the session token so that current cookies are rejected.
func (s *Server) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.Atoi(strings.TrimPrefix(s.sessionToken, "token-"))
	s.sessionToken = "token-" + strconv.Itoa(n+1)
}

// SetRefreshStatus makes the refresh endpoint answer status; 200 issues a cookie.
func (s *Server) SetRefreshStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, token := s.refreshStatus, s.sessionToken
	s.mu.Unlock()
	if status != http.StatusOK {
		writeError(w, status, "Refresh token invalid")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: token, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// FailNext makes the next request to method and path fail with status and
// message, e.g. FailNext("POST", "/api/conversations/c1/stream", 500, "boom").
func (s *Server) FailNext(method string, path string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.fail[key] = append(s.fail[key], failure{status: status, message: message})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		s.mu.Lock()
		var f *failure
		if queue := s.fail[key]; len(queue) > 0 {
			f = &queue[0]
			s.fail[key] = queue[1:]
		}
		s.mu.Unlock()

		if f != nil {
			writeError(w, f.status, f.message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetStreamLines replaces the generated stream body with raw lines, for
// protocol tests. Each line is written and flushed separately.
func (s *Server) SetStreamLines(f func(prompt string) []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamLines = f
}

func (s *Server) now() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return prefix + strconv.Itoa(s.nextID)
}

// AddConversation seeds a conversation; it returns the stored header.
func (s *Server) AddConversation(title string, model string) conversation.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addConversation(api.CreateConversationRequest{Title: title, Model: model})
}

func (s *Server) addConversation(req api.CreateConversationRequest) conversation.Conversation {
	now := s.now()
	id := conversation.ConversationID(s.newID("c"))
	c := &conv{
		header: conversation.Conversation{
			ID:        id,
			Title:     req.Title,
			Model:     req.Model,
			Provider:  req.Provider,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  req.Metadata,
		},
		tree: conversation.NewTree(id),
	}
	s.convs[id] = c
	s.order = append(s.order, id)
	return c.header
}

// AddMessage seeds a message under parent ("" for a root); it becomes part of the active path.
func (s *Server) AddMessage(id conversation.ConversationID, parent conversation.MessageID, role conversation.Role, content string) *conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	return s.addMessage(c, parent, role, content)
}

func (s *Server) addMessage(c *conv, parent conversation.MessageID, role conversation.Role, content string) *conversation.Message {
	m := conversation.NewMessage(conversation.MessageID(s.newID("m")), c.header.ID, role, content,
		conversation.WithParentID(parent),
		conversation.WithTime(s.now()))
	if role == conversation.RoleAssistant {
		conversation.WithTokensUsed(len(strings.Fields(content)))(m)
	}
	c.tree.Insert(m)
	_ = c.tree.Select(m.ID)
	c.header.UpdatedAt = m.CreatedAt
	return m
}

// Messages returns every stored message of a conversation.
func (s *Server) Messages(id conversation.ConversationID) conversation.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	return c.tree.Messages()
}

// ConversationIDs returns the stored conversations, oldest first.
func (s *Server) ConversationIDs() []conversation.ConversationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.ConversationID(nil), s.order...)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*conv, bool) {
	id := conversation.ConversationID(chi.URLParam(r, "id"))
	c, ok := s.convs[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return nil, false
	}
	return c, true
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]conversation.Conversation, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.convs[id].header)
	}
	// most recently updated first
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > 0 {
		if page < 1 {
			page = 1
		}
		start := (page - 1) * limit
		if start > len(list) {
			start = len(list)
		}
		end := start + limit
		if end > len(list) {
			end = len(list)
		}
		list = list[start:end]
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req api.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusUnprocessableEntity, "model is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusCreated, s.addConversation(req))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.ConversationDetail{
		Conversation: c.header,
		Messages:     c.tree.ActivePath(),
	})
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	c.header.Title = req.Title
	c.header.UpdatedAt = s.now()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	delete(s.convs, c.header.ID)
	for i, id := range s.order {
		if id == c.header.ID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.tree.Messages())
}

func (s *Server) activeLeaf(c *conv) conversation.MessageID {
	if last, ok := c.tree.ActivePath().Last(); ok {
		return last.ID
	}
	return conversation.NullMessage
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req api.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	user := s.addMessage(c, s.activeLeaf(c), conversation.RoleUser, req.Content)
	if tokens := s.replier(req.Content); len(tokens) > 0 {
		s.addMessage(c, user.ID, conversation.RoleAssistant, strings.Join(tokens, ""))
	}
	writeJSON(w, http.StatusCreated, api.SendMessageResult{MessageID: user.ID})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if _, err := c.tree.Remove(conversation.MessageID(chi.URLParam(r, "messageID"))); err != nil {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBranch(w http.ResponseWriter, r *http.Request) {
	var req api.BranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Role == "" {
		req.Role = conversation.RoleUser
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	edited, ok := c.tree.Get(conversation.MessageID(chi.URLParam(r, "messageID")))
	if !ok {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	writeJSON(w, http.StatusCreated, s.addMessage(c, edited.ParentID, req.Role, req.Content))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streaming.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	s.mu.Lock()
	c, ok := s.lookup(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}

	parent := conversation.MessageID(req.ParentID)
	prompt := req.Content
	if req.Regenerate {
		m, exists := c.tree.Get(parent)
		if !exists {
			s.mu.Unlock()
			writeError(w, http.StatusNotFound, "Message not found")
			return
		}
		prompt = m.Content
	} else {
		if parent == conversation.NullMessage {
			parent = s.activeLeaf(c)
		}
		parent = s.addMessage(c, parent, conversation.RoleUser, req.Content).ID
	}

	var lines []string
	if s.streamLines != nil {
		lines = s.streamLines(prompt)
	} else {
		tokens := s.replier(prompt)
		reply := s.addMessage(c, parent, conversation.RoleAssistant, strings.Join(tokens, ""))
		for _, t := range tokens {
			lines = append(lines, TokenFrame(t))
		}
		lines = append(lines, DoneFrame(string(reply.ID)))
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, l := range lines {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		_, _ = fmt.Fprint(w, l)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	results := []api.SearchResult{}
	for _, id := range s.order {
		for _, m := range s.convs[id].tree.Messages() {
			if !strings.Contains(strings.ToLower(m.Content), q) {
				continue
			}
			results = append(results, api.SearchResult{ConversationID: id, Message: m, Snippet: m.Content})
			if limit > 0 && len(results) >= limit {
				writeJSON(w, http.StatusOK, results)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := api.UsageSummary{}
	models := map[string]*api.ModelUsage{}
	for _, id := range s.order {
		c := s.convs[id]
		for _, m := range c.tree.Messages() {
			summary.TotalMessages++
			if m.TokensUsed == nil {
				continue
			}
			summary.TotalTokens += int64(*m.TokensUsed)
			mu, ok := models[c.header.Model]
			if !ok {
				mu = &api.ModelUsage{Model: c.header.Model, Provider: c.header.Provider}
				models[c.header.Model] = mu
			}
			mu.TotalTokens += int64(*m.TokensUsed)
			mu.MessageCount++
		}
	}
	for _, mu := range models {
		summary.Models = append(summary.Models, *mu)
	}
	sort.Slice(summary.Models, func(i, j int) bool {
		return summary.Models[i].Model < summary.Models[j].Model
	})
	writeJSON(w, http.StatusOK, summary)
}

// TokenFrame renders a token frame line.
func TokenFrame(content string) string {
	b, _ := json.Marshal(map[string]interface{}{"type": "token", "data": map[string]string{"content": content}})
	return "data: " + string(b) + "\n\n"
}

// DoneFrame renders a done frame line.
func DoneFrame(messageID string) string {
	b, _ := json.Marshal(map[string]interface{}{"type": "done", "data": map[string]string{"messageId": messageID}})
	return "data: " + string(b) + "\n\n"
}

// ErrorFrame renders an error frame line.
func ErrorFrame(message string) string {
	b, _ := json.Marshal(map[string]interface{}{"type": "error", "data": map[string]string{"message": message}})
	return "data: " + string(b) + "\n\n"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
