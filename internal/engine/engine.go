// Package engine executes crawl jobs. Engines are a closed set of
// variants behind one interface, selected at job construction time by
// archive.EngineKind rather than runtime string comparison.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/storage"
)

// Scope bounds which discovered links a crawl may follow.
type Scope string

const (
	// ScopeDomain follows links on the seed's registered host and its
	// subdomains.
	ScopeDomain Scope = "domain"
	// ScopeHost follows links on the seed's exact host only.
	ScopeHost Scope = "host"
	// ScopePath follows links under the seed URL's path prefix.
	ScopePath Scope = "path"
)

// Config specifies one crawl. The option set is small and closed;
// zero values take documented defaults.
type Config struct {
	// TargetCode names the target for container naming.
	TargetCode string
	SeedURL    string
	Scope      Scope
	MaxDepth   int
	MaxPages   int
	// Delay is the politeness pause between requests.
	Delay time.Duration
	// RenderJavaScript requests a rendering engine.
	RenderJavaScript bool
	// Timeout is the hard wall-clock ceiling for the whole crawl.
	Timeout   time.Duration
	UserAgent string
}

// Result reports what one crawl produced.
type Result struct {
	PagesCrawled    int
	BytesDownloaded int64
	// Containers are the finalized archive containers, in production
	// order.
	Containers []storage.ContainerMetadata
	// PageURLs and ResourceURLs classify every captured URL.
	PageURLs     []string
	ResourceURLs []string
	// JSHeavyPages counts captured pages whose static HTML looked
	// client-side rendered. Nonzero on a non-rendering crawl suggests
	// the target belongs on a rendering engine.
	JSHeavyPages int
}

// Engine executes one crawl configuration to completion.
type Engine interface {
	Execute(ctx context.Context, cfg Config) (Result, error)
}

// CrawlError carries the failure taxonomy alongside the cause so jobs
// can be marked failed with a specific reason.
type CrawlError struct {
	Reason archive.FailureReason
	Err    error
}

func (e *CrawlError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *CrawlError) Unwrap() error { return e.Err }

// FailureOf extracts the failure reason from err, defaulting to
// engine_error for untagged failures.
func FailureOf(err error) archive.FailureReason {
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return archive.FailureEngineError
}

// FetchRequest asks a Fetcher for one URL.
type FetchRequest struct {
	URL       string
	Headers   http.Header
	UserAgent string
}

// FetchResponse is one fetched capture.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves a single URL. Implementations exist for plain HTTP
// and for headless-browser rendering.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// IsHTML reports whether a content type names an HTML page. Pages
// count against the page budget; everything else is a resource.
func IsHTML(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	return ct == "text/html" || ct == "application/xhtml+xml"
}
