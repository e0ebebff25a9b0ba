package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// BaseURLOptions configures validation of the backend base URL.
type BaseURLOptions struct {
	// AllowHTTP permits plain http. https is always accepted.
	AllowHTTP bool
	// AllowLocalNetworks permits localhost and loopback/private/link-local IP hosts.
	AllowLocalNetworks bool
}

// ValidateBaseURL parses rawURL and checks that it can serve as the root of
// every API path. Session cookies are sent to it, so credentials embedded in
// the URL, queries and fragments are refused.
func ValidateBaseURL(rawURL string, opts BaseURLOptions) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, errors.Wrap(err, "invalid base URL")
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !opts.AllowHTTP {
			return nil, errors.New("http scheme is not allowed")
		}
	default:
		return nil, errors.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	if parsed.User != nil {
		return nil, errors.New("base URL must not carry credentials")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return nil, errors.New("base URL must not carry a query or fragment")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, errors.New("base URL host is required")
	}
	if err := checkHost(host, opts); err != nil {
		return nil, err
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""
	return parsed, nil
}

func checkHost(host string, opts BaseURLOptions) error {
	if !opts.AllowLocalNetworks {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
			return errors.Errorf("local hostname %q is not allowed", host)
		}
	}

	// IP literals are checked without DNS lookups
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	if addr.Zone() != "" && !opts.AllowLocalNetworks {
		return errors.Errorf("zoned IP address %q is not allowed", host)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return errors.Errorf("disallowed IP address %q", host)
	}
	if !opts.AllowLocalNetworks {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
			return errors.Errorf("local network IP %q is not allowed", host)
		}
	}
	return nil
}
