package engine

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicate visits. It
// lowercases the scheme and host, removes default ports and fragments,
// and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// scopeRule decides whether a discovered link may be followed. Links
// outside scope are not followed, and not an error.
type scopeRule struct {
	scope    Scope
	seedHost string
	seedPath string
}

func newScopeRule(seedURL string, scope Scope) (*scopeRule, error) {
	u, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("parse seed url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("seed url %q has no host", seedURL)
	}
	if scope == "" {
		scope = ScopeDomain
	}
	seedPath := u.Path
	if seedPath == "" {
		seedPath = "/"
	}
	return &scopeRule{
		scope:    scope,
		seedHost: strings.ToLower(u.Host),
		seedPath: seedPath,
	}, nil
}

func (r *scopeRule) Allows(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Host)

	switch r.scope {
	case ScopeHost:
		return host == r.seedHost
	case ScopePath:
		return host == r.seedHost && strings.HasPrefix(u.Path, r.seedPath)
	default: // ScopeDomain
		return host == r.seedHost || strings.HasSuffix(host, "."+bareHost(r.seedHost))
	}
}

// bareHost strips a www. prefix so www.example.com and
// blog.example.com land in the same domain scope.
func bareHost(host string) string {
	return strings.TrimPrefix(host, "www.")
}
