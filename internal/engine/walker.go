package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/coinlens/archivist/internal/archive"
	"github.com/coinlens/archivist/internal/storage"
)

// Walker defaults when the config leaves them zero. A zero Delay means
// no politeness pause.
const (
	defaultMaxPages = 100
	defaultMaxDepth = 3
	defaultTimeout  = time.Hour
)

// Walker is the same-process breadth-first crawl engine. With a plain
// HTTP fetcher it serves static sites and doubles as a fast test
// double; with a headless fetcher it renders JavaScript. It appends
// every fetched response to an archive container in fetch order.
type Walker struct {
	fetcher Fetcher
	store   *storage.Manager
	clock   archive.Clock
	limiter Limiter
	advisor RenderAdvisor
	log     *zap.Logger
}

// Limiter throttles fetches per host. The zero value of Walker does
// no throttling beyond the configured politeness delay.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RenderAdvisor inspects a static capture for signals that the page is
// rendered client side.
type RenderAdvisor interface {
	ShouldPromote(statusCode int, body []byte) bool
}

// NewWalker builds the breadth-first engine.
func NewWalker(fetcher Fetcher, store *storage.Manager, clock archive.Clock, log *zap.Logger) (*Walker, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage manager is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Walker{fetcher: fetcher, store: store, clock: clock, log: log}, nil
}

// SetLimiter installs a shared per-host rate limiter. Passing the same
// limiter to several walkers coordinates their fetch rates.
func (w *Walker) SetLimiter(l Limiter) {
	w.limiter = l
}

// SetRenderAdvisor installs a detector that counts client-rendered
// pages so operators can move the target to a rendering engine. Only
// consulted when the crawl does not render JavaScript itself.
func (w *Walker) SetRenderAdvisor(a RenderAdvisor) {
	w.advisor = a
}

type frontierEntry struct {
	url   string
	depth int
	// page entries came from anchor links and count against the page
	// budget; resource entries (stylesheets, scripts, images) do not.
	page bool
}

// Execute crawls breadth-first from the seed. Individual fetch
// failures are logged and skipped; a storage write failure is fatal so
// the job cannot complete with a truncated container.
func (w *Walker) Execute(ctx context.Context, cfg Config) (Result, error) {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scope, err := newScopeRule(cfg.SeedURL, cfg.Scope)
	if err != nil {
		return Result{}, &CrawlError{Reason: archive.FailureEngineError, Err: err}
	}
	seed, err := NormalizeURL(cfg.SeedURL)
	if err != nil {
		return Result{}, &CrawlError{Reason: archive.FailureEngineError, Err: err}
	}

	cw, err := w.store.OpenWriter(cfg.TargetCode, w.clock.Now(), 1)
	if err != nil {
		return Result{}, &CrawlError{Reason: archive.FailureEngineError, Err: err}
	}

	var res Result
	visited := make(map[string]bool)
	frontier := []frontierEntry{{url: seed, depth: 0, page: true}}

	for len(frontier) > 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return w.finish(ctx, cw, res, ctxErr)
		}

		entry := frontier[0]
		frontier = frontier[1:]

		if visited[entry.url] {
			continue
		}
		if entry.page && (entry.depth > cfg.MaxDepth || res.PagesCrawled >= cfg.MaxPages) {
			continue
		}
		visited[entry.url] = true

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx, entry.url); err != nil {
				return w.finish(ctx, cw, res, ctx.Err())
			}
		}

		resp, err := w.fetcher.Fetch(ctx, FetchRequest{URL: entry.url, UserAgent: cfg.UserAgent})
		if err != nil {
			if ctx.Err() != nil {
				return w.finish(ctx, cw, res, ctx.Err())
			}
			// One bad URL never aborts the whole crawl.
			w.log.Warn("fetch failed, skipping url",
				zap.String("url", entry.url), zap.Error(err))
			continue
		}

		if _, err := cw.AppendResponse(entry.url, resp.StatusCode, resp.Headers, resp.Body, w.clock.Now()); err != nil {
			return res, &CrawlError{Reason: archive.FailureEngineError, Err: err}
		}
		res.BytesDownloaded += int64(len(resp.Body))

		if IsHTML(resp.Headers.Get("Content-Type")) {
			res.PagesCrawled++
			res.PageURLs = append(res.PageURLs, entry.url)
			if w.advisor != nil && !cfg.RenderJavaScript && w.advisor.ShouldPromote(resp.StatusCode, resp.Body) {
				res.JSHeavyPages++
			}
			frontier = append(frontier, w.discover(entry, resp.Body, scope, visited)...)
		} else {
			res.ResourceURLs = append(res.ResourceURLs, entry.url)
		}

		w.pause(ctx, cfg.Delay)
	}

	return w.finish(ctx, cw, res, nil)
}

// discover parses an HTML body and queues in-scope links. Anchors
// become page entries at depth+1; stylesheets, scripts, and images
// become resource entries.
func (w *Walker) discover(parent frontierEntry, body []byte, scope *scopeRule, visited map[string]bool) []frontierEntry {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		w.log.Warn("html parse failed, no links discovered",
			zap.String("url", parent.url), zap.Error(err))
		return nil
	}
	base, err := url.Parse(parent.url)
	if err != nil {
		return nil
	}

	var entries []frontierEntry
	add := func(href string, page bool) {
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs, err := NormalizeURL(base.ResolveReference(ref).String())
		if err != nil || visited[abs] || !scope.Allows(abs) {
			return
		}
		entries = append(entries, frontierEntry{url: abs, depth: parent.depth + 1, page: page})
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			add(href, true)
		}
	})
	doc.Find("link[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			add(href, false)
		}
	})
	doc.Find("script[src], img[src]").Each(func(_ int, sel *goquery.Selection) {
		if src, ok := sel.Attr("src"); ok {
			add(src, false)
		}
	})
	return entries
}

// finish closes the container and folds a context failure into the
// crawl error taxonomy. The partial result is returned either way.
func (w *Walker) finish(ctx context.Context, cw *storage.ContainerWriter, res Result, cause error) (Result, error) {
	// Close against a fresh context: the crawl deadline may already
	// have expired, and an open container must still be finalized.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	meta, closeErr := cw.Close(closeCtx)
	if closeErr == nil {
		res.Containers = append(res.Containers, meta)
	}

	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return res, &CrawlError{Reason: archive.FailureTimeout, Err: cause}
	case cause != nil:
		return res, &CrawlError{Reason: archive.FailureEngineError, Err: cause}
	case closeErr != nil:
		return res, &CrawlError{Reason: archive.FailureEngineError, Err: closeErr}
	}
	return res, nil
}

func (w *Walker) pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
