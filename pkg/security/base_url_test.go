package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBaseURLTrimsTrailingSlash(t *testing.T) {
	u, err := ValidateBaseURL("https://chat.example.com/api/", BaseURLOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com/api", u.String())
	assert.Equal(t, "https://chat.example.com/api/conversations/c1", u.JoinPath("conversations", "c1").String())
}

func TestValidateBaseURLRejects(t *testing.T) {
	cases := map[string]string{
		"ftp://chat.example.com":            "unsupported URL scheme",
		"http://chat.example.com":           "http scheme is not allowed",
		"https://user:pw@chat.example.com":  "credentials",
		"https://chat.example.com/api?x=1":  "query or fragment",
		"https://chat.example.com/api#frag": "query or fragment",
		"https://localhost:8080/api":        "local hostname",
		"https://127.0.0.1/api":             "local network IP",
		"https://0.0.0.0/api":               "disallowed IP address",
		"https:///api":                      "host is required",
		"https://[fe80::1%25eth0]/":         "zoned IP address",
	}
	for raw, want := range cases {
		_, err := ValidateBaseURL(raw, BaseURLOptions{})
		require.Error(t, err, raw)
		assert.Contains(t, err.Error(), want, raw)
	}
}

func TestValidateBaseURLAllowsLocalDevelopment(t *testing.T) {
	opts := BaseURLOptions{AllowHTTP: true, AllowLocalNetworks: true}
	for _, raw := range []string{"http://localhost:8000/api", "http://127.0.0.1:8000", "https://[fe80::1%25eth0]/"} {
		_, err := ValidateBaseURL(raw, opts)
		assert.NoError(t, err, raw)
	}
}
