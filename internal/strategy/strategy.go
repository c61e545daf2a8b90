// Package strategy answers intercepted requests from a generation's cache
// partitions, the network, or a synthesized placeholder, depending on the
// request class.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/readerguard/internal/exchange"
	"github.com/l0p7/readerguard/internal/fetch"
	"github.com/l0p7/readerguard/internal/metrics"
	"github.com/l0p7/readerguard/internal/namespace"
	"github.com/l0p7/readerguard/internal/router"
	"github.com/l0p7/readerguard/internal/storage"
)

// Source reports where an answer came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourcePlaceholder Source = "placeholder"
	SourceBypass      Source = "bypass"
)

// Navigation selects how navigation requests treat the canonical shell entry.
type Navigation string

const (
	// NavigationRefresh rewrites the shell entry with every successful
	// navigation response.
	NavigationRefresh Navigation = "refresh"
	// NavigationStrict never writes; the shell entry only changes at install.
	NavigationStrict Navigation = "strict"
)

// ParseNavigation accepts refresh or strict. Blank means refresh.
func ParseNavigation(raw string) (Navigation, error) {
	switch Navigation(strings.ToLower(strings.TrimSpace(raw))) {
	case "", NavigationRefresh:
		return NavigationRefresh, nil
	case NavigationStrict:
		return NavigationStrict, nil
	default:
		return "", fmt.Errorf("strategy: unknown navigation variant %q", raw)
	}
}

// ErrUnavailable is returned when neither cache nor network can answer.
var ErrUnavailable = errors.New("strategy: resource unavailable")

// Partitions are the two partitions of one generation.
type Partitions struct {
	Shell    storage.Partition
	Chapters storage.Partition
}

// Options configure an Engine.
type Options struct {
	Fetcher     fetch.Fetcher
	Partitions  Partitions
	Generation  namespace.Generation
	Navigation  Navigation
	ShellEntry  *url.URL
	StoreAnyOK  bool
	Placeholder *Placeholder
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
}

// Engine runs the per-class fallback chains for one generation.
type Engine struct {
	fetcher     fetch.Fetcher
	partitions  Partitions
	generation  namespace.Generation
	navigation  Navigation
	shellKey    string
	storeAnyOK  bool
	placeholder *Placeholder
	metrics     *metrics.Recorder
	logger      *slog.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("strategy: fetcher required")
	}
	if opts.Partitions.Shell == nil || opts.Partitions.Chapters == nil {
		return nil, errors.New("strategy: shell and chapters partitions required")
	}
	if opts.ShellEntry == nil || !opts.ShellEntry.IsAbs() {
		return nil, errors.New("strategy: absolute shell entry url required")
	}
	navigation := opts.Navigation
	if navigation == "" {
		navigation = NavigationRefresh
	}
	if _, err := ParseNavigation(string(navigation)); err != nil {
		return nil, err
	}
	placeholder := opts.Placeholder
	if placeholder == nil {
		var err error
		if placeholder, err = NewPlaceholder(nil); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		fetcher:     opts.Fetcher,
		partitions:  opts.Partitions,
		generation:  opts.Generation,
		navigation:  navigation,
		shellKey:    exchange.KeyFor(http.MethodGet, opts.ShellEntry),
		storeAnyOK:  opts.StoreAnyOK,
		placeholder: placeholder,
		metrics:     opts.Metrics,
		logger:      logger.With(slog.String("agent", "strategy"), slog.String("generation", string(opts.Generation))),
	}, nil
}

func (e *Engine) Generation() namespace.Generation { return e.generation }

// Handle answers req according to class.
func (e *Engine) Handle(ctx context.Context, class router.Class, req exchange.Request) (*exchange.Response, Source, error) {
	switch class {
	case router.ClassChapter:
		return e.chapter(ctx, req)
	case router.ClassNavigation:
		return e.navigate(ctx, req)
	case router.ClassOther:
		return e.cacheFirst(ctx, req)
	default:
		resp, err := e.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, SourceBypass, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return resp, SourceBypass, nil
	}
}

// chapter is cache-first with lazy fill and an offline placeholder.
func (e *Engine) chapter(ctx context.Context, req exchange.Request) (*exchange.Response, Source, error) {
	key := req.Key()
	if resp, ok := e.lookup(ctx, e.partitions.Chapters, "chapters", key); ok {
		return resp, SourceCache, nil
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, SourceNetwork, ctxErr
		}
		e.logger.Debug("chapter offline, serving placeholder", slog.String("url", req.URL.String()), slog.Any("error", err))
		placeholder, renderErr := e.placeholder.Render(req, e.generation)
		if renderErr != nil {
			e.logger.Warn("placeholder template failed", slog.Any("error", renderErr))
		}
		return placeholder, SourcePlaceholder, nil
	}
	e.store(ctx, e.partitions.Chapters, "chapters", key, resp)
	return resp, SourceNetwork, nil
}

// navigate is network-first with the shell entry as the offline answer.
func (e *Engine) navigate(ctx context.Context, req exchange.Request) (*exchange.Response, Source, error) {
	resp, err := e.fetcher.Fetch(ctx, req)
	if err == nil {
		if e.navigation == NavigationRefresh {
			e.store(ctx, e.partitions.Shell, "shell", e.shellKey, resp)
		}
		return resp, SourceNetwork, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, SourceNetwork, ctxErr
	}
	if cached, ok := e.lookup(ctx, e.partitions.Shell, "shell", e.shellKey); ok {
		e.logger.Debug("navigation offline, serving shell entry", slog.String("url", req.URL.String()))
		return cached, SourceCache, nil
	}
	return nil, SourceNetwork, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// cacheFirst serves shell assets and everything else, refilling on a miss.
func (e *Engine) cacheFirst(ctx context.Context, req exchange.Request) (*exchange.Response, Source, error) {
	key := req.Key()
	if resp, ok := e.lookup(ctx, e.partitions.Shell, "shell", key); ok {
		return resp, SourceCache, nil
	}
	resp, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, SourceNetwork, ctxErr
		}
		return nil, SourceNetwork, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	e.store(ctx, e.partitions.Shell, "shell", key, resp)
	return resp, SourceNetwork, nil
}

// lookup treats read failures as a miss.
func (e *Engine) lookup(ctx context.Context, p storage.Partition, label, key string) (*exchange.Response, bool) {
	start := time.Now()
	resp, ok, err := p.Match(ctx, key)
	switch {
	case err != nil:
		e.metrics.ObservePartitionLookup(label, metrics.ResultError, time.Since(start))
		e.logger.Warn("partition lookup failed", slog.String("partition", p.Name()), slog.String("key", key), slog.Any("error", err))
		return nil, false
	case !ok:
		e.metrics.ObservePartitionLookup(label, metrics.ResultMiss, time.Since(start))
		return nil, false
	default:
		e.metrics.ObservePartitionLookup(label, metrics.ResultHit, time.Since(start))
		return resp, true
	}
}

// store writes cacheable responses. Failures are logged and counted only.
func (e *Engine) store(ctx context.Context, p storage.Partition, label, key string, resp *exchange.Response) {
	if !exchange.Cacheable(resp, e.storeAnyOK) {
		e.metrics.ObservePartitionStore(label, metrics.ResultSkipped, 0)
		return
	}
	start := time.Now()
	snapshot := resp.Clone()
	snapshot.StoredAt = start.UTC()
	if err := p.Put(ctx, key, snapshot); err != nil {
		e.metrics.ObservePartitionStore(label, metrics.ResultError, time.Since(start))
		e.logger.Warn("partition store failed", slog.String("partition", p.Name()), slog.String("key", key), slog.Any("error", err))
		return
	}
	e.metrics.ObservePartitionStore(label, metrics.ResultStored, time.Since(start))
}
