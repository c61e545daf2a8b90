package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/readerguard/internal/config"
	"github.com/l0p7/readerguard/internal/exchange"
	"github.com/l0p7/readerguard/internal/metrics"
	"github.com/l0p7/readerguard/internal/proxy"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type readerOrigin struct {
	server  *httptest.Server
	offline atomic.Bool
	hits    atomic.Int32
}

func newReaderOrigin(t *testing.T) *readerOrigin {
	t.Helper()
	o := &readerOrigin{}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.offline.Load() {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
				}
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		o.hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("origin:" + r.URL.Path))
	}))
	t.Cleanup(o.server.Close)
	return o
}

func testConfig(originURL string) config.Config {
	cfg := config.DefaultConfig()
	cfg.Origin.URL = originURL
	cfg.Manifest.Shell = []string{"./", "./index.html"}
	cfg.Manifest.Chapters = []string{"./chapters/ch1.html", "./chapters/ch2.html"}
	cfg.Lifecycle.Watch = false
	return cfg
}

func TestBuildStorage(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) config.CacheConfig
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{}
			},
		},
		{
			name: "constructs redis storage",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{
					Backend: "redis",
					Redis:   config.CacheRedisConfig{Address: server.Addr(), KeyPrefix: "readerguard:"},
				}
			},
		},
		{
			name: "constructs sqlite storage",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend: "sqlite",
					SQLite:  config.CacheSQLiteConfig{Path: filepath.Join(t.TempDir(), "partitions.db")},
				}
			},
		},
		{
			name: "redis without address falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "redis"}
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{Backend: "leveldb"}
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := buildStorage(ctx, newTestLogger(), tc.cfg(t))
			require.NotNil(t, store)
			t.Cleanup(func() {
				require.NoError(t, store.Close(context.Background()))
			})

			p, err := store.Open(ctx, "gkr-chapters-v3")
			require.NoError(t, err)
			require.NoError(t, p.Put(ctx, "GET https://reader.example/chapters/ch1.html", &exchange.Response{
				Status: http.StatusOK,
				Header: http.Header{"Content-Type": {"text/html"}},
				Body:   []byte("ch1"),
				Type:   exchange.ResponseBasic,
			}))
			got, ok, err := p.Match(ctx, "GET https://reader.example/chapters/ch1.html")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "ch1", string(got.Body))
		})
	}
}

func TestBuildPlaceholder(t *testing.T) {
	req := exchange.Request{Method: http.MethodGet}

	p, err := buildPlaceholder(config.PlaceholderConfig{})
	require.NoError(t, err)
	resp, err := p.Render(req, "v3")
	require.NoError(t, err)
	require.Contains(t, string(resp.Body), "Chapter available after first online load")

	p, err = buildPlaceholder(config.PlaceholderConfig{Template: `<p>offline {{ .Generation }}</p>`})
	require.NoError(t, err)
	resp, err = p.Render(req, "v3")
	require.NoError(t, err)
	require.Equal(t, "<p>offline v3</p>", string(resp.Body))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "offline.html"), []byte(`<p>saved {{ .Generation }}</p>`), 0o600))

	p, err = buildPlaceholder(config.PlaceholderConfig{File: filepath.Join(dir, "offline.html")})
	require.NoError(t, err)
	resp, err = p.Render(req, "v4")
	require.NoError(t, err)
	require.Equal(t, "<p>saved v4</p>", string(resp.Body))

	p, err = buildPlaceholder(config.PlaceholderConfig{Folder: dir, File: "offline.html"})
	require.NoError(t, err)
	require.NotNil(t, p)

	_, err = buildPlaceholder(config.PlaceholderConfig{Folder: dir, File: "../outside.html"})
	require.Error(t, err)

	_, err = buildPlaceholder(config.PlaceholderConfig{Template: `{{ .Broken `})
	require.Error(t, err)
}

func TestAssembledControllerServesOffline(t *testing.T) {
	o := newReaderOrigin(t)
	cfg := testConfig(o.server.URL)
	ctx := context.Background()

	a, err := assemble(ctx, cfg, newTestLogger(), metrics.NewRecorder(nil))
	require.NoError(t, err)
	t.Cleanup(a.close)

	server := httptest.NewServer(a.handler)
	t.Cleanup(server.Close)
	e := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  server.URL,
		Reporter: httpexpect.NewRequireReporter(t),
	})

	e.GET("/healthz").Expect().Status(http.StatusServiceUnavailable)
	e.GET("/chapters/ch1.html").Expect().Status(http.StatusOK).
		Header(proxy.HeaderSource).IsEqual("bypass")

	require.NoError(t, a.apply(ctx, cfg))
	e.GET("/healthz").Expect().Status(http.StatusOK).
		JSON().Object().Value("generation").String().IsEqual("v3")

	o.offline.Store(true)

	resp := e.GET("/chapters/ch2.html").Expect().Status(http.StatusOK)
	resp.Header(proxy.HeaderSource).IsEqual("cache")
	resp.Header(proxy.HeaderGeneration).IsEqual("v3")
	resp.Body().IsEqual("origin:/chapters/ch2.html")

	e.GET("/chapters/ch9.html").Expect().Status(http.StatusOK).
		Body().Contains("Chapter available after first online load")

	e.GET("/some/deep/link").WithHeader("Sec-Fetch-Mode", "navigate").WithHeader("Accept", "text/html").
		Expect().Status(http.StatusOK).Body().IsEqual("origin:/index.html")

	e.GET("/missing.css").Expect().Status(http.StatusBadGateway)

	status := e.GET("/_readerguard/status").Expect().Status(http.StatusOK).JSON().Object()
	status.Value("active").Object().Value("generation").String().IsEqual("v3")
	status.Value("lastInstall").Object().Value("chapters").Object().Value("cached").Array().Length().IsEqual(2)

	e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("readerguard_proxy_requests_total")
}

func TestApplyInstallsOnlyOnChange(t *testing.T) {
	o := newReaderOrigin(t)
	cfg := testConfig(o.server.URL)
	ctx := context.Background()

	a, err := assemble(ctx, cfg, newTestLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(a.close)

	require.NoError(t, a.apply(ctx, cfg))
	installed := o.hits.Load()
	require.Equal(t, int32(4), installed)

	require.NoError(t, a.apply(ctx, cfg))
	require.Equal(t, installed, o.hits.Load(), "unchanged configuration must not refetch")

	next := cfg
	next.Cache.Generation = "v4"
	next.Strategy.Navigation = "strict"
	require.NoError(t, a.apply(ctx, next))

	status := a.registration.Status()
	require.NotNil(t, status.Active)
	require.Equal(t, "v4", status.Active.Generation)
	require.NotNil(t, status.LastReap)
	require.ElementsMatch(t, []string{"gkr-static-v3", "gkr-chapters-v3"}, status.LastReap.Deleted)

	names, err := a.storage.Names(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"gkr-static-v4", "gkr-chapters-v4"}, names)
}

func TestApplyRejectsBadStrategySettings(t *testing.T) {
	o := newReaderOrigin(t)
	cfg := testConfig(o.server.URL)
	a, err := assemble(context.Background(), cfg, newTestLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(a.close)

	bad := cfg
	bad.Strategy.Navigation = "sideways"
	require.Error(t, a.apply(context.Background(), bad))
	require.Nil(t, a.registration.Active())
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "READERGUARD", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	o := newReaderOrigin(t)
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: testConfig(o.server.URL)}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "READERGUARD", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	o := newReaderOrigin(t)
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: testConfig(o.server.URL)}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "READERGUARD", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunStartsWatcherForConfigFile(t *testing.T) {
	o := newReaderOrigin(t)
	cfg := testConfig(o.server.URL)
	cfg.Lifecycle.Watch = true
	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, run(context.Background(), "READERGUARD", "reader.yaml"))
	require.True(t, loader.watchSeen)
	require.True(t, stopped, "watcher must be stopped on shutdown")
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) Watch(context.Context, config.Config, func(config.Config), func(error)) (configWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
