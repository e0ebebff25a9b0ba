package settings

import (
	"io"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Ladvien/research-workbench-sub000/pkg/security"
)

const (
	DefaultBaseURL     = "http://localhost:8000/api"
	DefaultLoginPath   = "/login"
	DefaultRefreshPath = "auth/refresh"
	DefaultModel       = "gpt-4o-mini"
	DefaultProvider    = "openai"
	DefaultPageSize    = 50
	DefaultTimeout     = 60 * time.Second
)

// ClientSettings configures the backend client.
//
// Timeout bounds plain requests only. Streams are never bounded by it; they
// end with the reply or when the caller cancels.
type ClientSettings struct {
	BaseURL            string         `yaml:"base-url"`
	AllowHTTP          bool           `yaml:"allow-http"`
	AllowLocalNetworks bool           `yaml:"allow-local-networks"`
	Timeout            *time.Duration `yaml:"-"`
	TimeoutSeconds     *int           `yaml:"timeout,omitempty"`
	// LoginPath is the view the navigator redirects to when the session is lost.
	LoginPath string `yaml:"login-path"`
	// RefreshPath is resolved against BaseURL.
	RefreshPath     string `yaml:"refresh-path"`
	DefaultModel    string `yaml:"default-model"`
	DefaultProvider string `yaml:"default-provider"`
	PageSize        int    `yaml:"page-size"`
}

// UnmarshalYAML reads timeout as a number of seconds.
func (cs *ClientSettings) UnmarshalYAML(value *yaml.Node) error {
	type Alias ClientSettings
	aux := Alias(*cs)
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*cs = ClientSettings(aux)
	if cs.TimeoutSeconds != nil {
		t := time.Duration(*cs.TimeoutSeconds) * time.Second
		cs.Timeout = &t
	}
	return nil
}

func (cs *ClientSettings) Clone() *ClientSettings {
	return clone.Clone(cs).(*ClientSettings)
}

// Validate checks the base URL and the numeric settings.
func (cs *ClientSettings) Validate() error {
	if _, err := security.ValidateBaseURL(cs.BaseURL, cs.URLOptions()); err != nil {
		return errors.Wrap(err, "invalid base-url")
	}
	if cs.PageSize <= 0 {
		return errors.Errorf("page-size must be positive, got %d", cs.PageSize)
	}
	if cs.Timeout != nil && *cs.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

func (cs *ClientSettings) URLOptions() security.BaseURLOptions {
	return security.BaseURLOptions{
		AllowHTTP:          cs.AllowHTTP,
		AllowLocalNetworks: cs.AllowLocalNetworks,
	}
}

// RequestTimeout returns the timeout for plain requests, 0 meaning none.
func (cs *ClientSettings) RequestTimeout() time.Duration {
	if cs.Timeout == nil {
		return 0
	}
	return *cs.Timeout
}

func NewClientSettings() *ClientSettings {
	defaultTimeout := DefaultTimeout
	return &ClientSettings{
		BaseURL:            DefaultBaseURL,
		AllowHTTP:          true,
		AllowLocalNetworks: true,
		Timeout:            &defaultTimeout,
		TimeoutSeconds: func() *int {
			i := int(defaultTimeout.Seconds())
			return &i
		}(),
		LoginPath:       DefaultLoginPath,
		RefreshPath:     DefaultRefreshPath,
		DefaultModel:    DefaultModel,
		DefaultProvider: DefaultProvider,
		PageSize:        DefaultPageSize,
	}
}

// LoadClientSettings decodes YAML on top of the defaults.
func LoadClientSettings(r io.Reader) (*ClientSettings, error) {
	ret := NewClientSettings()
	if err := yaml.NewDecoder(r).Decode(ret); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "could not parse client settings")
	}
	return ret, nil
}

// NewClientSettingsFromViper reads every key that is set in v on top of the defaults.
func NewClientSettingsFromViper(v *viper.Viper) *ClientSettings {
	ret := NewClientSettings()
	if v.IsSet("base-url") {
		ret.BaseURL = v.GetString("base-url")
	}
	if v.IsSet("allow-http") {
		ret.AllowHTTP = v.GetBool("allow-http")
	}
	if v.IsSet("allow-local-networks") {
		ret.AllowLocalNetworks = v.GetBool("allow-local-networks")
	}
	if v.IsSet("timeout") {
		seconds := v.GetInt("timeout")
		t := time.Duration(seconds) * time.Second
		ret.Timeout = &t
		ret.TimeoutSeconds = &seconds
	}
	if v.IsSet("login-path") {
		ret.LoginPath = v.GetString("login-path")
	}
	if v.IsSet("refresh-path") {
		ret.RefreshPath = v.GetString("refresh-path")
	}
	if v.IsSet("default-model") {
		ret.DefaultModel = v.GetString("default-model")
	}
	if v.IsSet("default-provider") {
		ret.DefaultProvider = v.GetString("default-provider")
	}
	if v.IsSet("page-size") {
		ret.PageSize = v.GetInt("page-size")
	}
	return ret
}
