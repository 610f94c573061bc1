package fetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/webstalk/clustermaster/internal/config"
	"github.com/webstalk/clustermaster/internal/types"
)

// HTTPFetcher fetches pages with net/http. It negotiates compression
// itself (gzip, deflate, brotli), rotates user agents, and optionally
// rotates outbound proxies.
type HTTPFetcher struct {
	client   *http.Client
	cfg      *config.FetcherConfig
	logger   *slog.Logger
	agents   *uaRing
	proxies  []*url.URL
	rotation string
	proxyAt  atomic.Int64
}

// NewHTTPFetcher builds an HTTPFetcher from the application config.
func NewHTTPFetcher(cfg *config.Config, logger *slog.Logger) (*HTTPFetcher, error) {
	f := &HTTPFetcher{
		cfg:    &cfg.Fetcher,
		logger: logger.With("component", "http_fetcher"),
		agents: newUARing(cfg.Engine.UserAgents),
	}

	if cfg.Proxy.Enabled {
		f.rotation = cfg.Proxy.Rotation
		for _, raw := range cfg.Proxy.URLs {
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("proxy url %q: %w", raw, err)
			}
			f.proxies = append(f.proxies, u)
		}
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.Fetcher.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Fetcher.MaxIdleConns / 2,
		IdleConnTimeout:     cfg.Fetcher.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.Fetcher.TLSInsecure},
		// Compression is handled in decodeBody so brotli is covered.
		DisableCompression: true,
	}
	if len(f.proxies) > 0 {
		transport.Proxy = f.nextProxy
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	f.client = &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   cfg.Engine.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !cfg.Fetcher.FollowRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= cfg.Fetcher.MaxRedirects {
				return fmt.Errorf("redirect chain exceeded %d hops", cfg.Fetcher.MaxRedirects)
			}
			return nil
		},
	}
	return f, nil
}

// nextProxy rotates through the configured proxies per connection. The
// rotation strategy is round-robin or random, per config.
func (f *HTTPFetcher) nextProxy(*http.Request) (*url.URL, error) {
	if f.rotation == "random" {
		return f.proxies[rand.Intn(len(f.proxies))], nil
	}
	return f.proxies[f.proxyAt.Add(1)%int64(len(f.proxies))], nil
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URLString(), nil)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err}
	}

	hr.Header.Set("User-Agent", f.agents.pick())
	hr.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	hr.Header.Set("Accept-Language", "en-US,en;q=0.9")
	hr.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, vals := range req.Header {
		for _, v := range vals {
			hr.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := f.client.Do(hr)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: transientNetErr(err)}
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode == http.StatusTooManyRequests {
		drainPreview(resp.Body)
		return nil, &types.FetchError{
			URL:        req.URLString(),
			Status:     resp.StatusCode,
			Err:        fmt.Errorf("rate limited"),
			Retryable:  true,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode >= 500 {
		preview := drainPreview(resp.Body)
		return nil, &types.FetchError{
			URL:       req.URLString(),
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("server error: %s", preview),
			Retryable: true,
		}
	}

	var body io.Reader = resp.Body
	if f.cfg.MaxBodySize > 0 {
		body = io.LimitReader(body, f.cfg.MaxBodySize)
	}
	body, err = decodeBody(resp.Header.Get("Content-Encoding"), body)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
	}

	out := types.NewResponse(req, resp, data, elapsed)
	f.logger.Debug("fetched", "url", req.URLString(), "status", out.Status, "bytes", len(data), "elapsed", elapsed)
	return out, nil
}

// Close releases idle connections.
func (f *HTTPFetcher) Close() error {
	if t, ok := f.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// drainPreview reads a short error-body excerpt for diagnostics.
func drainPreview(r io.Reader) string {
	var buf bytes.Buffer
	io.Copy(&buf, io.LimitReader(r, 512))
	return string(bytes.TrimSpace(buf.Bytes()))
}
