// Package session keeps a user session alive across authorization failures.
//
// Every outgoing request, plain or streaming, is wrapped in Coordinator.Execute.
// When the backend answers 401, the coordinator refreshes the session once and
// retries the request once. Concurrent 401s share a single refresh: callers that
// hit a 401 while a refresh is underway wait for it and observe its outcome, and
// callers whose request predates a refresh that has already finished retry
// directly without starting another one.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// RequestFunc issues one HTTP request. It is called at most twice per Execute
// and must build a fresh *http.Request on every call so that refreshed session
// material is picked up.
type RequestFunc func(ctx context.Context) (*http.Response, error)

// Refresher renews the session material (typically a cookie) with the backend.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type RefresherFunc func(ctx context.Context) error

func (f RefresherFunc) Refresh(ctx context.Context) error {
	return f(ctx)
}

// Stats counts refresh attempts for diagnostics.
type Stats struct {
	Refreshes       int64
	FailedRefreshes int64
	Redirects       int64
	Retries         int64
}

type Coordinator struct {
	refresher Refresher
	navigator Navigator
	loginView string

	group singleflight.Group

	mu      sync.Mutex
	epoch   uint64
	lastErr error
	stats   Stats
}

type Option func(*Coordinator)

func WithNavigator(navigator Navigator) Option {
	return func(c *Coordinator) {
		c.navigator = navigator
	}
}

// WithLoginView sets the view identifier that counts as "already on the login page".
func WithLoginView(view string) Option {
	return func(c *Coordinator) {
		c.loginView = view
	}
}

const DefaultLoginView = "/login"

func NewCoordinator(refresher Refresher, options ...Option) *Coordinator {
	ret := &Coordinator{
		refresher: refresher,
		loginView: DefaultLoginView,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Execute runs fn, refreshing the session and retrying once if it returns 401.
//
// A 401 on the retry is handed back to the caller unchanged. If the refresh
// fails, the refresh error is returned and no retry is attempted.
func (c *Coordinator) Execute(ctx context.Context, fn RequestFunc) (*http.Response, error) {
	seen := c.currentEpoch()

	resp, err := fn(ctx)
	if err != nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	discardBody(resp)

	log.Debug().Uint64("epoch", seen).Msg("Request unauthorized, refreshing session")
	if err := c.refresh(ctx, seen); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.stats.Retries++
	c.mu.Unlock()

	return fn(ctx)
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// refresh ensures a refresh newer than epoch seen has completed and returns its outcome.
func (c *Coordinator) refresh(ctx context.Context, seen uint64) error {
	// The shared refresh must not die with whichever caller happened to start it.
	refreshCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(strconv.FormatUint(seen, 10), func() (interface{}, error) {
		c.mu.Lock()
		if c.epoch != seen {
			err := c.lastErr
			c.mu.Unlock()
			return nil, err
		}
		c.stats.Refreshes++
		c.mu.Unlock()

		err := c.refresher.Refresh(refreshCtx)

		c.mu.Lock()
		c.epoch++
		c.lastErr = err
		if err != nil {
			c.stats.FailedRefreshes++
		}
		c.mu.Unlock()

		if err != nil {
			log.Warn().Err(err).Msg("Session refresh failed")
			c.redirectToLogin()
			return nil, err
		}
		log.Debug().Msg("Session refreshed")
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) redirectToLogin() {
	if c.navigator == nil {
		return
	}
	if c.navigator.CurrentView() == c.loginView {
		return
	}
	c.mu.Lock()
	c.stats.Redirects++
	c.mu.Unlock()
	c.navigator.RedirectToLogin()
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func discardBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// HTTPRefresher posts to the backend's refresh endpoint with the shared cookie jar.
type HTTPRefresher struct {
	client *http.Client
	url    string
}

func NewHTTPRefresher(client *http.Client, refreshURL string) *HTTPRefresher {
	return &HTTPRefresher{
		client: client,
		url:    refreshURL,
	}
}

func (r *HTTPRefresher) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, nil)
	if err != nil {
		return errors.Wrap(err, "could not create refresh request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.WithStack(&RefreshError{Message: err.Error()})
	}
	defer discardBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RefreshError{Status: resp.StatusCode, Message: refreshMessage(resp)}
	}
	return nil
}

// refreshMessage reads the backend's {"error": "..."} body, falling back to
// the status text.
func refreshMessage(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		return body.Error
	}
	return http.StatusText(resp.StatusCode)
}

// RefreshError is a failed refresh. Status is 0 when the refresh never reached
// the backend.
type RefreshError struct {
	Status  int
	Message string
}

func (e *RefreshError) Error() string {
	if e.Status == 0 {
		return "session refresh failed: " + e.Message
	}
	return fmt.Sprintf("session refresh failed: HTTP %d: %s", e.Status, e.Message)
}
