package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/readerguard/internal/exchange"
	"github.com/l0p7/readerguard/internal/fetch"
	"github.com/l0p7/readerguard/internal/manifest"
	"github.com/l0p7/readerguard/internal/namespace"
	"github.com/l0p7/readerguard/internal/strategy"
)

// staticOrigin serves every path it knows with status 200 and answers 404
// for the rest. Paths listed in down fail at the network level.
type staticOrigin struct {
	mu      sync.Mutex
	version string
	down    map[string]bool
	offline bool
	calls   int
}

func (o *staticOrigin) Fetch(_ context.Context, req exchange.Request) (*exchange.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.offline || o.down[req.URL.Path] {
		return nil, fetch.ErrNetwork
	}
	if req.URL.Path == "/missing.html" {
		return &exchange.Response{URL: req.URL.String(), Status: http.StatusNotFound, Type: exchange.ResponseBasic}, nil
	}
	return &exchange.Response{
		URL:    req.URL.String(),
		Status: http.StatusOK,
		Body:   []byte(o.version + ":" + req.URL.Path),
		Type:   exchange.ResponseBasic,
	}, nil
}

func (o *staticOrigin) setOffline(v bool) {
	o.mu.Lock()
	o.offline = v
	o.mu.Unlock()
}

func (o *staticOrigin) setVersion(v string) {
	o.mu.Lock()
	o.version = v
	o.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseURL(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://reader.example/")
	require.NoError(t, err)
	return u
}

func smallManifest() manifest.Manifest {
	return manifest.Manifest{
		Shell:    []string{"./", "./index.html", "./manifest.json"},
		Chapters: []string{"./chapters/ch1.html", "./chapters/ch2.html"},
	}
}

func engineBuilder(t *testing.T, f fetch.Fetcher) EngineBuilder {
	t.Helper()
	entry, err := manifest.Resolve(baseURL(t), "./index.html")
	require.NoError(t, err)
	return func(ns *namespace.Manager, parts strategy.Partitions) (*strategy.Engine, error) {
		return strategy.New(strategy.Options{
			Fetcher:    f,
			Partitions: parts,
			Generation: ns.Generation(),
			ShellEntry: entry,
			Logger:     discardLogger(),
		})
	}
}

func mustNamespace(t *testing.T, gen string) *namespace.Manager {
	t.Helper()
	ns, err := namespace.New("gkr", namespace.Generation(gen))
	require.NoError(t, err)
	return ns
}
