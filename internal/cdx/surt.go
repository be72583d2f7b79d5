// Package cdx derives a fast URL-lookup index from archive containers.
// Index keys use the SURT transform so one domain's captures sort
// contiguously, and timestamps are fixed-width so lexical order matches
// chronological order.
package cdx

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SURT canonicalizes a URL into its sort-friendly key:
// http://www.Example.com/path?q=1 becomes com,example)/path?q=1.
// The host is lowercased, a leading www. is stripped, and the
// dot-separated labels are reversed and joined with commas. The closing
// marker keeps a domain's keys sorted before any longer sibling domain
// (com,example)/ sorts before com,exampleZZZ).
func SURT(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}

	host := strings.ToLower(parsed.Host)
	host = strings.TrimPrefix(host, "www.")
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return strings.Join(labels, ",") + ")" + path, nil
}

// Timestamp14 formats a capture time as the fixed-width
// YYYYMMDDhhmmss index timestamp.
func Timestamp14(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

// ParseTimestamp14 parses a 14-digit index timestamp back into a UTC
// time.
func ParseTimestamp14(s string) (time.Time, error) {
	t, err := time.ParseInLocation("20060102150405", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
