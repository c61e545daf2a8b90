// Package exchange holds the request and response shapes shared by the
// router, the strategy engine, the fetcher and the partition backends.
package exchange

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode mirrors the Sec-Fetch-Mode request header a browser attaches to every
// request.
type Mode string

const (
	ModeUnset      Mode = ""
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// ParseMode normalizes a raw Sec-Fetch-Mode value. Unknown values map to
// ModeUnset.
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeNavigate:
		return ModeNavigate
	case ModeSameOrigin:
		return ModeSameOrigin
	case ModeNoCORS:
		return ModeNoCORS
	case ModeCORS:
		return ModeCORS
	default:
		return ModeUnset
	}
}

// Request is the intercepted request after it has been resolved against the
// origin.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Mode   Mode
}

// NewGet builds a GET request for an absolute URL with no mode.
func NewGet(u *url.URL) Request {
	return Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
}

// Accept returns the request's Accept header.
func (r Request) Accept() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Accept")
}

// Key derives the partition key for the request. Only GET requests are ever
// stored so the method is part of the key purely for readability.
func (r Request) Key() string {
	return KeyFor(r.Method, r.URL)
}

// KeyFor builds a partition key from a method and URL. Fragments are dropped
// since they never reach the network.
func KeyFor(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return strings.ToUpper(method) + " "
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return strings.ToUpper(method) + " " + clean.String()
}

// ResponseType distinguishes inspectable responses from opaque ones.
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseCORS   ResponseType = "cors"
	ResponseOpaque ResponseType = "opaque"
)

// Response is a fully buffered response snapshot. It is what the network
// fetcher produces and what a partition stores.
type Response struct {
	URL      string       `json:"url"`
	Status   int          `json:"status"`
	Header   http.Header  `json:"header,omitempty"`
	Body     []byte       `json:"body,omitempty"`
	Type     ResponseType `json:"type"`
	StoredAt time.Time    `json:"storedAt,omitempty"`
}

// Opaque reports whether the response cannot be inspected.
func (r *Response) Opaque() bool {
	return r != nil && r.Type == ResponseOpaque
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone returns a deep copy so stored snapshots never alias caller buffers.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.Header != nil {
		out.Header = r.Header.Clone()
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// Cacheable decides whether a response may be written to a partition. Opaque
// responses never qualify, and neither do partial bodies. With anyOK unset
// only status 200 qualifies.
func Cacheable(resp *Response, anyOK bool) bool {
	if resp == nil || resp.Opaque() || resp.Status == http.StatusPartialContent {
		return false
	}
	if anyOK {
		return resp.OK()
	}
	return resp.Status == http.StatusOK
}
