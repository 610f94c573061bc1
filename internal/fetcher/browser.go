package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/webstalk/clustermaster/internal/config"
	"github.com/webstalk/clustermaster/internal/types"
)

// BrowserFetcher renders pages in headless Chromium via rod, with stealth
// patches applied to every page so automation fingerprints don't leak.
// Use it for sites whose content only exists after script execution.
type BrowserFetcher struct {
	browser *rod.Browser
	timeout time.Duration
	logger  *slog.Logger
	pages   chan *rod.Page
}

// NewBrowserFetcher launches a headless browser sized to the engine's
// concurrency.
func NewBrowserFetcher(cfg *config.Config, logger *slog.Logger) (*BrowserFetcher, error) {
	controlURL, err := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled").
		Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect chromium: %w", err)
	}

	bf := &BrowserFetcher{
		browser: browser,
		timeout: cfg.Engine.RequestTimeout,
		logger:  logger.With("component", "browser_fetcher"),
		pages:   make(chan *rod.Page, cfg.Engine.Concurrency),
	}
	bf.logger.Info("headless browser ready", "max_pages", cfg.Engine.Concurrency)
	return bf, nil
}

// Fetch implements Fetcher by navigating a stealth page and returning the
// rendered DOM.
func (bf *BrowserFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	start := time.Now()

	page, err := bf.acquirePage()
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
	}
	defer bf.releasePage(page)

	timeout := bf.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	if ua := req.Header.Get("User-Agent"); ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			bf.logger.Warn("user agent override failed", "error", err)
		}
	}

	if err := page.Timeout(timeout).Navigate(req.URLString()); err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
	}
	if err := page.Timeout(timeout).WaitStable(300 * time.Millisecond); err != nil {
		bf.logger.Warn("page never settled, scraping as-is", "url", req.URLString())
	}

	// Optional per-request hooks: wait for an element, run a script.
	if sel, ok := req.Meta["wait_selector"].(string); ok && sel != "" {
		if el, err := page.Timeout(10 * time.Second).Element(sel); err == nil {
			_ = el.WaitVisible()
		} else {
			bf.logger.Warn("wait selector missing", "selector", sel, "url", req.URLString())
		}
	}
	if js, ok := req.Meta["page_script"].(string); ok && js != "" {
		if _, err := page.Eval(js); err != nil {
			bf.logger.Warn("page script failed", "url", req.URLString(), "error", err)
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
	}

	finalURL := req.URLString()
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	resp := types.NewRenderedResponse(req, []byte(html), finalURL, time.Since(start))
	bf.logger.Debug("rendered", "url", req.URLString(), "final_url", finalURL, "bytes", len(html))
	return resp, nil
}

// Close shuts the page pool and the browser down.
func (bf *BrowserFetcher) Close() error {
	close(bf.pages)
	for page := range bf.pages {
		_ = page.Close()
	}
	return bf.browser.Close()
}

// acquirePage reuses a pooled stealth page or opens a fresh one.
func (bf *BrowserFetcher) acquirePage() (*rod.Page, error) {
	select {
	case page := <-bf.pages:
		return page, nil
	default:
		return stealth.Page(bf.browser)
	}
}

// releasePage parks the page on about:blank and returns it to the pool.
func (bf *BrowserFetcher) releasePage(page *rod.Page) {
	_ = page.Navigate("about:blank")
	select {
	case bf.pages <- page:
	default:
		_ = page.Close()
	}
}
