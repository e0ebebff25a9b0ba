package session

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type authServer struct {
	*httptest.Server
	dataCalls    atomic.Int64
	refreshCalls atomic.Int64

	refreshStatus int
	alwaysDeny    bool
	barrier       *sync.WaitGroup
}

func newAuthServer(t *testing.T, refreshStatus int) *authServer {
	s := &authServer{refreshStatus: refreshStatus}
	mux := http.NewServeMux()
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		s.dataCalls.Add(1)
		c, err := r.Cookie("session")
		if err == nil && c.Value == "fresh" && !s.alwaysDeny {
			_, _ = io.WriteString(w, "payload")
			return
		}
		if s.barrier != nil {
			s.barrier.Done()
			s.barrier.Wait()
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)
		if s.refreshStatus != http.StatusOK {
			w.WriteHeader(s.refreshStatus)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "fresh", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestClient(t *testing.T) *http.Client {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func getData(client *http.Client, url string) RequestFunc {
	return func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		return client.Do(req)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestExecuteRefreshesAndRetriesOnce(t *testing.T) {
	srv := newAuthServer(t, http.StatusOK)
	client := newTestClient(t)
	c := NewCoordinator(NewHTTPRefresher(client, srv.URL+"/refresh"))

	resp, err := c.Execute(context.Background(), getData(client, srv.URL+"/data"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "payload", readBody(t, resp))

	assert.Equal(t, int64(2), srv.dataCalls.Load())
	assert.Equal(t, int64(1), srv.refreshCalls.Load())

	// session is now fresh: no refresh, a single call
	resp, err = c.Execute(context.Background(), getData(client, srv.URL+"/data"))
	require.NoError(t, err)
	assert.Equal(t, "payload", readBody(t, resp))
	assert.Equal(t, int64(3), srv.dataCalls.Load())
	assert.Equal(t, int64(1), srv.refreshCalls.Load())
}

func TestExecuteRefreshFailureRedirectsOnce(t *testing.T) {
	srv := newAuthServer(t, http.StatusForbidden)
	client := newTestClient(t)

	redirects := 0
	nav := NewViewTracker("/login", func() { redirects++ })
	nav.SetView("/chat")
	c := NewCoordinator(NewHTTPRefresher(client, srv.URL+"/refresh"), WithNavigator(nav), WithLoginView("/login"))

	resp, err := c.Execute(context.Background(), getData(client, srv.URL+"/data"))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "HTTP 403")

	assert.Equal(t, 1, redirects)
	assert.Equal(t, "/login", nav.CurrentView())
	assert.Equal(t, int64(1), srv.dataCalls.Load())
	assert.Equal(t, int64(1), c.Stats().FailedRefreshes)
}

func TestExecuteNoRedirectWhenAlreadyOnLogin(t *testing.T) {
	srv := newAuthServer(t, http.StatusForbidden)
	client := newTestClient(t)

	redirects := 0
	nav := NewViewTracker("/login", func() { redirects++ })
	nav.SetView("/login")
	c := NewCoordinator(NewHTTPRefresher(client, srv.URL+"/refresh"), WithNavigator(nav), WithLoginView("/login"))

	_, err := c.Execute(context.Background(), getData(client, srv.URL+"/data"))
	require.Error(t, err)
	assert.Equal(t, 0, redirects)
}

func TestExecuteRetryBudgetIsOne(t *testing.T) {
	srv := newAuthServer(t, http.StatusOK)
	srv.alwaysDeny = true
	client := newTestClient(t)
	c := NewCoordinator(NewHTTPRefresher(client, srv.URL+"/refresh"))

	resp, err := c.Execute(context.Background(), getData(client, srv.URL+"/data"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int64(2), srv.dataCalls.Load())
	assert.Equal(t, int64(1), srv.refreshCalls.Load())
}

func TestExecuteConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	const n = 8
	srv := newAuthServer(t, http.StatusOK)
	srv.barrier = &sync.WaitGroup{}
	srv.barrier.Add(n)
	client := newTestClient(t)
	c := NewCoordinator(NewHTTPRefresher(client, srv.URL+"/refresh"))

	bodies := make([]string, n)
	eg := errgroup.Group{}
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			resp, err := c.Execute(context.Background(), getData(client, srv.URL+"/data"))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			bodies[i] = string(b)
			return err
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, int64(1), srv.refreshCalls.Load())
	assert.Equal(t, int64(2*n), srv.dataCalls.Load())
	for _, b := range bodies {
		assert.Equal(t, "payload", b)
	}
}

func TestExecuteConcurrentUnauthorizedFailTogether(t *testing.T) {
	const n = 8
	srv := newAuthServer(t, http.StatusInternalServerError)
	srv.barrier = &sync.WaitGroup{}
	srv.barrier.Add(n)
	client := newTestClient(t)

	var redirects atomic.Int64
	nav := NewViewTracker("/login", func() { redirects.Add(1) })
	nav.SetView("/chat")
	c := NewCoordinator(NewHTTPRefresher(client, srv.URL+"/refresh"), WithNavigator(nav))

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Execute(context.Background(), getData(client, srv.URL+"/data"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), srv.refreshCalls.Load())
	assert.Equal(t, int64(1), redirects.Load())
	for _, err := range errs {
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 500")
	}
}

func TestExecutePassesThroughTransportErrors(t *testing.T) {
	refreshes := 0
	c := NewCoordinator(RefresherFunc(func(ctx context.Context) error {
		refreshes++
		return nil
	}))
	boom := io.ErrUnexpectedEOF
	_, err := c.Execute(context.Background(), func(ctx context.Context) (*http.Response, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, refreshes)
}

func TestHTTPRefresherReadsErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Refresh token invalid"}`)
	}))
	t.Cleanup(srv.Close)

	err := NewHTTPRefresher(newTestClient(t), srv.URL).Refresh(context.Background())
	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.Status)
	assert.Equal(t, "Refresh token invalid", re.Message)
	assert.Equal(t, "session refresh failed: HTTP 401: Refresh token invalid", err.Error())
}

func TestHTTPRefresherTransportFailureHasNoStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPRefresher(newTestClient(t), url).Refresh(context.Background())
	var re *RefreshError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 0, re.Status)
	assert.NotEmpty(t, re.Message)
	assert.Contains(t, err.Error(), "session refresh failed: ")
}
