package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/readerguard/internal/fetch"
	"github.com/l0p7/readerguard/internal/lifecycle"
	"github.com/l0p7/readerguard/internal/manifest"
	"github.com/l0p7/readerguard/internal/namespace"
	"github.com/l0p7/readerguard/internal/router"
	"github.com/l0p7/readerguard/internal/storage"
	"github.com/l0p7/readerguard/internal/strategy"
)

var chapterModTime = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

type origin struct {
	server  *httptest.Server
	offline atomic.Bool
	hits    atomic.Int32
	posts   atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.offline.Load() {
			hj, ok := w.(http.Hijacker)
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		o.hits.Add(1)
		if r.Method == http.MethodPost {
			o.posts.Add(1)
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("POST " + string(body)))
			return
		}
		if r.URL.Path == "/gone.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		if strings.HasPrefix(r.URL.Path, "/chapters/") {
			http.ServeContent(w, r, path.Base(r.URL.Path), chapterModTime, strings.NewReader("origin:"+r.URL.Path))
			return
		}
		_, _ = w.Write([]byte("origin:" + r.URL.Path))
	}))
	t.Cleanup(o.server.Close)
	return o
}

type stack struct {
	origin  *origin
	reg     *lifecycle.Registration
	store   storage.Storage
	expect  *httpexpect.Expect
	baseURL *url.URL
}

func newStack(t *testing.T, activate bool) *stack {
	t.Helper()
	o := newOrigin(t)
	base, err := url.Parse(o.server.URL + "/")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fetcher, err := fetch.NewHTTP(fetch.Options{Origin: base})
	require.NoError(t, err)
	store := storage.NewMemory()
	shellEntry, err := manifest.Resolve(base, "./index.html")
	require.NoError(t, err)

	reg, err := lifecycle.NewRegistration(lifecycle.Options{
		Storage: store,
		Prefix:  "gkr",
		Engines: func(ns *namespace.Manager, parts strategy.Partitions) (*strategy.Engine, error) {
			return strategy.New(strategy.Options{
				Fetcher:    fetcher,
				Partitions: parts,
				Generation: ns.Generation(),
				ShellEntry: shellEntry,
				Logger:     logger,
			})
		},
		Installer:      lifecycle.InstallerOptions{Fetcher: fetcher, Base: base},
		SkipWaiting:    true,
		ClaimConsumers: true,
		Logger:         logger,
	})
	require.NoError(t, err)
	if activate {
		require.NoError(t, reg.Update(context.Background(), "v3", manifest.Manifest{
			Shell:    []string{"./", "./index.html"},
			Chapters: []string{"./chapters/ch1.html"},
		}))
	}

	rt, err := router.New(logger, router.Options{})
	require.NoError(t, err)
	handler, err := New(Options{Origin: base, Router: rt, Controllers: reg, Fetcher: fetcher, Logger: logger})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  server.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   &http.Client{Jar: httpexpect.NewCookieJar()},
	})
	return &stack{origin: o, reg: reg, store: store, expect: expect, baseURL: base}
}

func TestInstalledChapterServedFromCacheOffline(t *testing.T) {
	s := newStack(t, true)
	s.origin.offline.Store(true)

	resp := s.expect.GET("/chapters/ch1.html").WithHeader("Sec-Fetch-Mode", "no-cors").Expect()
	resp.Status(http.StatusOK)
	resp.Header(HeaderSource).IsEqual("cache")
	resp.Header(HeaderGeneration).IsEqual("v3")
	resp.Body().IsEqual("origin:/chapters/ch1.html")
}

func TestCacheHitMakesNoNetworkCall(t *testing.T) {
	s := newStack(t, true)
	before := s.origin.hits.Load()

	s.expect.GET("/chapters/ch1.html").Expect().Status(http.StatusOK).Header(HeaderSource).IsEqual("cache")
	s.expect.GET("/index.html").Expect().Status(http.StatusOK).Header(HeaderSource).IsEqual("cache")
	require.Equal(t, before, s.origin.hits.Load())
}

func TestLazyFillThenOffline(t *testing.T) {
	s := newStack(t, true)

	s.expect.GET("/chapters/ch7.html").Expect().
		Status(http.StatusOK).
		Header(HeaderSource).IsEqual("network")

	s.origin.offline.Store(true)
	resp := s.expect.GET("/chapters/ch7.html").Expect()
	resp.Status(http.StatusOK)
	resp.Header(HeaderSource).IsEqual("cache")
	resp.Body().IsEqual("origin:/chapters/ch7.html")
}

func TestRevalidatedChapterIsStoredInFull(t *testing.T) {
	s := newStack(t, true)

	resp := s.expect.GET("/chapters/ch19.html").
		WithHeader("If-Modified-Since", chapterModTime.Add(time.Hour).Format(http.TimeFormat)).
		Expect()
	resp.Status(http.StatusOK)
	resp.Header(HeaderSource).IsEqual("network")
	resp.Body().IsEqual("origin:/chapters/ch19.html")

	s.origin.offline.Store(true)
	offline := s.expect.GET("/chapters/ch19.html").Expect()
	offline.Status(http.StatusOK)
	offline.Header(HeaderSource).IsEqual("cache")
	offline.Body().IsEqual("origin:/chapters/ch19.html")
}

func TestRangeRequestStoresWholeChapter(t *testing.T) {
	s := newStack(t, true)

	s.expect.GET("/chapters/ch20.html").WithHeader("Range", "bytes=0-3").Expect().
		Status(http.StatusOK).
		Body().IsEqual("origin:/chapters/ch20.html")

	s.origin.offline.Store(true)
	s.expect.GET("/chapters/ch20.html").Expect().
		Status(http.StatusOK).
		Body().IsEqual("origin:/chapters/ch20.html")
}

func TestOfflineChapterPlaceholder(t *testing.T) {
	s := newStack(t, true)
	s.origin.offline.Store(true)

	resp := s.expect.GET("/chapters/ch12.html").Expect()
	resp.Status(http.StatusOK)
	resp.Header(HeaderSource).IsEqual("placeholder")
	resp.Header("Content-Type").IsEqual("text/html; charset=utf-8")
	resp.Body().Contains("Chapter available after first online load")
}

func TestOfflineNavigationFallsBackToShell(t *testing.T) {
	s := newStack(t, true)
	s.origin.offline.Store(true)

	resp := s.expect.GET("/some/deep/link").WithHeader("Sec-Fetch-Mode", "navigate").Expect()
	resp.Status(http.StatusOK)
	resp.Header(HeaderSource).IsEqual("cache")
	resp.Body().IsEqual("origin:/index.html")
}

func TestOfflineUncachedAssetIsBadGateway(t *testing.T) {
	s := newStack(t, true)
	s.origin.offline.Store(true)

	resp := s.expect.GET("/assets/unknown.png").WithHeader("Sec-Fetch-Mode", "no-cors").Expect()
	resp.Status(http.StatusBadGateway)
	resp.Body().Contains("unavailable")
}

func TestErrorStatusPassesThroughUncached(t *testing.T) {
	s := newStack(t, true)
	s.expect.GET("/gone.html").Expect().Status(http.StatusNotFound).Header(HeaderSource).IsEqual("network")
	s.origin.offline.Store(true)
	s.expect.GET("/gone.html").Expect().Status(http.StatusBadGateway)
}

func TestNonGetRequestsAreNeverIntercepted(t *testing.T) {
	s := newStack(t, true)

	resp := s.expect.POST("/chapters/ch1.html").WithText("note").Expect()
	resp.Status(http.StatusCreated)
	resp.Header(HeaderSource).IsEqual("bypass")
	resp.Body().IsEqual("POST note")
	require.EqualValues(t, 1, s.origin.posts.Load())

	s.origin.offline.Store(true)
	s.expect.POST("/chapters/ch1.html").WithText("note").Expect().Status(http.StatusBadGateway)
}

func TestRequestsBeforeActivationBypass(t *testing.T) {
	s := newStack(t, false)

	resp := s.expect.GET("/chapters/ch1.html").Expect()
	resp.Status(http.StatusOK)
	resp.Header(HeaderSource).IsEqual("bypass")
	resp.Header(HeaderGeneration).IsEmpty()

	names, err := s.store.Names(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestConsumerCookieIsIssuedOnce(t *testing.T) {
	s := newStack(t, true)

	s.expect.GET("/index.html").Expect().Header("Set-Cookie").Contains(DefaultCookie + "=")
	s.expect.GET("/index.html").Expect().Header("Set-Cookie").IsEmpty()
	require.Equal(t, 1, s.reg.Status().Consumers)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
