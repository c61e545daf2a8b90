package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/readerguard/internal/exchange"
)

// ErrNetwork marks a fetch that produced no response at all: the origin was
// unreachable, timed out, or the body could not be read.
var ErrNetwork = errors.New("fetch: network failure")

// Fetcher performs a network request on behalf of the strategy engine and the
// installer.
type Fetcher interface {
	Fetch(ctx context.Context, req exchange.Request) (*exchange.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req exchange.Request) (*exchange.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req exchange.Request) (*exchange.Response, error) {
	return f(ctx, req)
}

// uncachedHeaders would let the origin answer 304 or 206, or pick an encoding
// for one consumer. Stored snapshots must be full, decoded 200s, so these are
// never forwarded; the transport negotiates gzip on its own and decodes it.
var uncachedHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
	"Accept-Encoding",
}

// Options configure the HTTP fetcher.
type Options struct {
	Origin       *url.URL
	Client       *http.Client
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// HTTP fetches from the static origin with a plain http.Client and buffers the
// body so the response can be both stored and replayed.
type HTTP struct {
	origin       *url.URL
	client       *http.Client
	maxBodyBytes int64
	userAgent    string
}

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func NewHTTP(opts Options) (*HTTP, error) {
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("fetch: absolute origin url required")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	return &HTTP{origin: opts.Origin, client: client, maxBodyBytes: maxBody, userAgent: opts.UserAgent}, nil
}

// Origin returns the configured origin.
func (h *HTTP) Origin() *url.URL { return h.origin }

// SameOrigin reports whether u shares scheme and host with the origin.
func (h *HTTP) SameOrigin(u *url.URL) bool {
	return u != nil && strings.EqualFold(u.Scheme, h.origin.Scheme) && strings.EqualFold(u.Host, h.origin.Host)
}

func (h *HTTP) Fetch(ctx context.Context, req exchange.Request) (*exchange.Response, error) {
	if req.URL == nil {
		return nil, errors.New("fetch: request url required")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	outbound, err := http.NewRequestWithContext(ctx, method, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			outbound.Header.Add(name, v)
		}
	}
	for _, name := range hopHeaders {
		outbound.Header.Del(name)
	}
	for _, name := range uncachedHeaders {
		outbound.Header.Del(name)
	}
	if h.userAgent != "" && outbound.Header.Get("User-Agent") == "" {
		outbound.Header.Set("User-Agent", h.userAgent)
	}

	resp, err := h.client.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNetwork, req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetwork, req.URL.Redacted(), err)
	}
	if int64(len(body)) > h.maxBodyBytes {
		return nil, fmt.Errorf("fetch: %s body exceeds %d bytes", req.URL.Redacted(), h.maxBodyBytes)
	}

	header := resp.Header.Clone()
	for _, name := range hopHeaders {
		header.Del(name)
	}
	header.Del("Content-Length")

	out := &exchange.Response{
		URL:    resp.Request.URL.String(),
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		Type:   h.responseType(req),
	}
	return out, nil
}

// responseType classifies the response the way a browser would: same-origin
// reads are basic, cross-origin reads are cors unless the caller asked for
// no-cors, in which case the result is opaque.
func (h *HTTP) responseType(req exchange.Request) exchange.ResponseType {
	if h.SameOrigin(req.URL) {
		return exchange.ResponseBasic
	}
	if req.Mode == exchange.ModeNoCORS {
		return exchange.ResponseOpaque
	}
	return exchange.ResponseCORS
}
