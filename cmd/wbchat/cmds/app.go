package cmds

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/net/publicsuffix"

	"github.com/Ladvien/research-workbench-sub000/pkg/api"
	"github.com/Ladvien/research-workbench-sub000/pkg/cache"
	"github.com/Ladvien/research-workbench-sub000/pkg/events"
	"github.com/Ladvien/research-workbench-sub000/pkg/session"
	"github.com/Ladvien/research-workbench-sub000/pkg/settings"
	"github.com/Ladvien/research-workbench-sub000/pkg/store"
)

// App bundles what every command needs: the settings, the backend client and
// a store over both.
type App struct {
	Settings  *settings.ClientSettings
	Client    *api.Client
	Store     *store.Store
	Navigator *session.ViewTracker

	cache *cache.BoltCache
}

// NewApp builds the client from viper. Events of the store go to sinks.
// The offline cache is optional: if it cannot be opened, for example because
// another wbchat holds its lock, the app runs without it.
func NewApp(sinks ...events.EventSink) (*App, error) {
	s := settings.NewClientSettingsFromViper(viper.GetViper())
	if err := s.Validate(); err != nil {
		return nil, err
	}

	ret := &App{Settings: s}
	ret.Navigator = session.NewViewTracker(s.LoginPath, func() {
		_, _ = fmt.Fprintf(os.Stderr, "Your session has expired. Log in at %s and set --session-cookie.\n", ret.loginURL())
	})
	ret.Navigator.SetView("cli")

	clientOptions := []api.Option{api.WithNavigator(ret.Navigator)}
	if cookie := viper.GetString("session-cookie"); cookie != "" {
		jar, err := cookieJar(s.BaseURL, cookie)
		if err != nil {
			return nil, err
		}
		clientOptions = append(clientOptions, api.WithCookieJar(jar))
	}
	client, err := api.NewClient(s, clientOptions...)
	if err != nil {
		return nil, err
	}
	ret.Client = client

	storeOptions := []store.Option{
		store.WithEventSinks(sinks...),
		store.WithPageSize(s.PageSize),
		store.WithDefaultModel(s.DefaultModel, s.DefaultProvider),
	}
	if path := viper.GetString("cache"); path != "" {
		c, err := cache.Open(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Could not open the offline cache, continuing without it")
		} else {
			ret.cache = c
			storeOptions = append(storeOptions, store.WithTreeCache(c))
		}
	}
	ret.Store = store.New(client, client, storeOptions...)

	return ret, nil
}

func (a *App) Close() error {
	stats := a.Client.Coordinator().Stats()
	log.Debug().
		Int64("refreshes", stats.Refreshes).
		Int64("failed_refreshes", stats.FailedRefreshes).
		Int64("redirects", stats.Redirects).
		Int64("retries", stats.Retries).
		Msg("Session stats")

	if a.cache == nil {
		return nil
	}
	return a.cache.Close()
}

// Cache returns the offline cache, nil if it is disabled.
func (a *App) Cache() *cache.BoltCache {
	return a.cache
}

func (a *App) loginURL() string {
	u := a.Client.BaseURL()
	u.Path = a.Settings.LoginPath
	u.RawQuery = ""
	return u.String()
}

// cookieJar returns a jar holding the name=value session cookie for baseURL.
func cookieJar(baseURL string, cookie string) (http.CookieJar, error) {
	name, value, ok := strings.Cut(cookie, "=")
	if !ok || name == "" {
		return nil, errors.Errorf("session cookie must be name=value, got %q", cookie)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
	return jar, nil
}
