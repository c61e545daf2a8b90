package router

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/readerguard/internal/exchange"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func request(t *testing.T, method, raw string, mode exchange.Mode, accept string) exchange.Request {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	h := http.Header{}
	if accept != "" {
		h.Set("Accept", accept)
	}
	return exchange.Request{Method: method, URL: u, Mode: mode, Header: h}
}

func TestClassify(t *testing.T) {
	r, err := New(newTestLogger(), Options{})
	require.NoError(t, err)

	cases := map[string]struct {
		req  exchange.Request
		want Class
	}{
		"chapter":                {req: request(t, "GET", "https://reader.example/chapters/ch1.html", exchange.ModeNoCORS, ""), want: ClassChapter},
		"chapter navigated to":   {req: request(t, "GET", "https://reader.example/chapters/ch1.html", exchange.ModeNavigate, "text/html"), want: ClassChapter},
		"navigation":             {req: request(t, "GET", "https://reader.example/", exchange.ModeNavigate, "text/html"), want: ClassNavigation},
		"html accept, strict":    {req: request(t, "GET", "https://reader.example/", exchange.ModeUnset, "text/html"), want: ClassOther},
		"icon":                   {req: request(t, "GET", "https://reader.example/assets/icon-192.png", exchange.ModeNoCORS, "image/png"), want: ClassOther},
		"manifest":               {req: request(t, "GET", "https://reader.example/manifest.json", exchange.ModeCORS, ""), want: ClassOther},
		"post bypasses":          {req: request(t, "POST", "https://reader.example/chapters/ch1.html", exchange.ModeNavigate, ""), want: ClassBypass},
		"head bypasses":          {req: request(t, "HEAD", "https://reader.example/", exchange.ModeNavigate, ""), want: ClassBypass},
		"lowercase get accepted": {req: request(t, "get", "https://reader.example/", exchange.ModeNavigate, ""), want: ClassNavigation},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, r.Classify(tc.req))
		})
	}
}

func TestLooseNavigation(t *testing.T) {
	r, err := New(newTestLogger(), Options{LooseNavigation: true})
	require.NoError(t, err)

	require.Equal(t, ClassNavigation, r.Classify(request(t, "GET", "https://reader.example/", exchange.ModeUnset, "text/html,application/xhtml+xml;q=0.9")))
	require.Equal(t, ClassOther, r.Classify(request(t, "GET", "https://reader.example/", exchange.ModeCORS, "text/html")), "a declared non-navigate mode is not a navigation")
	require.Equal(t, ClassOther, r.Classify(request(t, "GET", "https://reader.example/data.json", exchange.ModeUnset, "application/json")))
}

func TestCustomChaptersSegment(t *testing.T) {
	r, err := New(newTestLogger(), Options{ChaptersSegment: "/book/"})
	require.NoError(t, err)
	require.Equal(t, ClassChapter, r.Classify(request(t, "GET", "https://reader.example/book/ch1.html", exchange.ModeUnset, "")))
	require.Equal(t, ClassOther, r.Classify(request(t, "GET", "https://reader.example/chapters/ch1.html", exchange.ModeUnset, "")))
}

func TestRulesTakePrecedence(t *testing.T) {
	r, err := New(newTestLogger(), Options{Rules: []Rule{
		{Expression: `request.path.startsWith("/appendix/")`, Class: "chapter"},
		{Expression: `lookup(request.headers, "x-reader-shell") == "1"`, Class: "navigation"},
	}})
	require.NoError(t, err)

	require.Equal(t, ClassChapter, r.Classify(request(t, "GET", "https://reader.example/appendix/a.html", exchange.ModeUnset, "")))

	shell := request(t, "GET", "https://reader.example/", exchange.ModeUnset, "")
	shell.Header.Set("X-Reader-Shell", "1")
	require.Equal(t, ClassNavigation, r.Classify(shell))

	post := request(t, "POST", "https://reader.example/appendix/a.html", exchange.ModeUnset, "")
	require.Equal(t, ClassBypass, r.Classify(post), "rules cannot intercept non-GET requests")
}

func TestNewRejectsBadRules(t *testing.T) {
	_, err := New(newTestLogger(), Options{Rules: []Rule{{Expression: `true`, Class: "bypass"}}})
	require.Error(t, err)
	_, err = New(newTestLogger(), Options{Rules: []Rule{{Expression: `request.path +`, Class: "chapter"}}})
	require.Error(t, err)
}
