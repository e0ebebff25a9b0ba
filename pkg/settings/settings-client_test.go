package settings

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientSettingsDefaults(t *testing.T) {
	s := NewClientSettings()
	require.NoError(t, s.Validate())
	assert.Equal(t, DefaultTimeout, s.RequestTimeout())
	assert.Equal(t, DefaultPageSize, s.PageSize)
	assert.Equal(t, "auth/refresh", s.RefreshPath)
}

func TestLoadClientSettingsYAML(t *testing.T) {
	s, err := LoadClientSettings(strings.NewReader(`
base-url: https://chat.example.com/api
allow-http: false
allow-local-networks: false
timeout: 5
default-model: claude-3-haiku
default-provider: anthropic
`))
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	assert.Equal(t, "https://chat.example.com/api", s.BaseURL)
	assert.Equal(t, 5*time.Second, s.RequestTimeout())
	assert.Equal(t, "claude-3-haiku", s.DefaultModel)
	assert.Equal(t, "anthropic", s.DefaultProvider)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultLoginPath, s.LoginPath)
	assert.Equal(t, DefaultPageSize, s.PageSize)
}

func TestLoadClientSettingsEmpty(t *testing.T) {
	s, err := LoadClientSettings(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, NewClientSettings(), s)
}

func TestNewClientSettingsFromViper(t *testing.T) {
	v := viper.New()
	v.Set("base-url", "https://chat.example.com/api")
	v.Set("allow-http", false)
	v.Set("timeout", 0)
	v.Set("page-size", 10)

	s := NewClientSettingsFromViper(v)
	require.NoError(t, s.Validate())
	assert.False(t, s.AllowHTTP)
	assert.Equal(t, time.Duration(0), s.RequestTimeout())
	assert.Equal(t, 10, s.PageSize)
	assert.Equal(t, DefaultModel, s.DefaultModel)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	s := NewClientSettings()
	s.AllowHTTP = false
	assert.Error(t, s.Validate())

	s = NewClientSettings()
	s.PageSize = 0
	assert.Error(t, s.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	s := NewClientSettings()
	c := s.Clone()
	*c.Timeout = time.Second
	c.BaseURL = "https://other.example.com"

	assert.Equal(t, DefaultTimeout, *s.Timeout)
	assert.Equal(t, DefaultBaseURL, s.BaseURL)
}
