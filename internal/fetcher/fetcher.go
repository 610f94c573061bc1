// Package fetcher retrieves pages for the crawl engine, either over plain
// HTTP or through a headless browser for script-heavy sites.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/webstalk/clustermaster/internal/types"
)

// Fetcher retrieves a single request and returns the response.
type Fetcher interface {
	Fetch(ctx context.Context, req *types.Request) (*types.Response, error)
	Close() error
}

// uaRing hands out user agents round-robin across concurrent fetches.
type uaRing struct {
	agents []string
	next   atomic.Int64
}

func newUARing(agents []string) *uaRing { return &uaRing{agents: agents} }

func (u *uaRing) pick() string {
	if len(u.agents) == 0 {
		return "WebStalk"
	}
	return u.agents[u.next.Add(1)%int64(len(u.agents))]
}

// decodeBody wraps r with the decompressor matching the Content-Encoding
// header. Compression is negotiated manually so brotli works too.
func decodeBody(encoding string, r io.Reader) (io.Reader, error) {
	switch encoding {
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return brotli.NewReader(r), nil
	default:
		return r, nil
	}
}

// transientNetErr reports whether a transport error is worth a retry:
// timeouts, truncated streams, resets, refusals. Context cancellation is
// deliberate and never retried.
func transientNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNRESET) || errors.Is(opErr.Err, syscall.ECONNREFUSED)
	}
	return false
}

// retryAfter interprets a Retry-After header (seconds or HTTP-date),
// clamped to two minutes so one hostile header can't stall a worker.
func retryAfter(header string) time.Duration {
	const ceiling = 2 * time.Minute
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		d := time.Duration(secs) * time.Second
		if d > ceiling {
			return ceiling
		}
		if d < 0 {
			return time.Second
		}
		return d
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d > ceiling {
			return ceiling
		}
		if d < time.Second {
			return time.Second
		}
		return d
	}
	return 5 * time.Second
}
