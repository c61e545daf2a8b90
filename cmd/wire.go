package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/readerguard/internal/config"
	"github.com/l0p7/readerguard/internal/fetch"
	"github.com/l0p7/readerguard/internal/lifecycle"
	"github.com/l0p7/readerguard/internal/manifest"
	"github.com/l0p7/readerguard/internal/metrics"
	"github.com/l0p7/readerguard/internal/namespace"
	"github.com/l0p7/readerguard/internal/proxy"
	"github.com/l0p7/readerguard/internal/router"
	"github.com/l0p7/readerguard/internal/server"
	"github.com/l0p7/readerguard/internal/storage"
	"github.com/l0p7/readerguard/internal/strategy"
	"github.com/l0p7/readerguard/internal/templates"
)

// app is the assembled controller: one storage, one registration and the
// HTTP surface in front of them.
type app struct {
	cfg          config.Config
	logger       *slog.Logger
	storage      storage.Storage
	engines      *engineFactory
	registration *lifecycle.Registration
	handler      http.Handler

	applyMu sync.Mutex
	applied *appliedState
}

type appliedState struct {
	generation namespace.Generation
	manifest   manifest.Manifest
}

func assemble(ctx context.Context, cfg config.Config, logger *slog.Logger, rec *metrics.Recorder) (*app, error) {
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	fetcher, err := fetch.NewHTTP(fetch.Options{
		Origin:       origin,
		Timeout:      cfg.Origin.Timeout,
		MaxBodyBytes: cfg.Origin.MaxBodyBytes,
		UserAgent:    cfg.Origin.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	store := buildStorage(ctx, logger.With(slog.String("agent", "storage_factory")), cfg.Cache)

	rules := make([]router.Rule, 0, len(cfg.Router.Rules))
	for _, rule := range cfg.Router.Rules {
		rules = append(rules, router.Rule{Expression: rule.Expression, Class: rule.Class})
	}
	classifier, err := router.New(logger, router.Options{
		ChaptersSegment: cfg.Router.ChaptersSegment,
		LooseNavigation: cfg.Router.LooseNavigation,
		Rules:           rules,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	engines := &engineFactory{fetcher: fetcher, metrics: rec, logger: logger}
	if err := engines.configure(cfg); err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	registration, err := lifecycle.NewRegistration(lifecycle.Options{
		Storage: store,
		Prefix:  cfg.Cache.Prefix,
		Engines: engines.build,
		Installer: lifecycle.InstallerOptions{
			Fetcher:    fetcher,
			Base:       origin,
			StoreAnyOK: cfg.Cache.StoreAnyOK,
		},
		SkipWaiting:    cfg.Lifecycle.SkipWaiting,
		ClaimConsumers: cfg.Lifecycle.ClaimConsumers,
		ClientIdle:     cfg.Lifecycle.ClientIdle,
		Metrics:        rec,
		Logger:         logger,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	intercept, err := proxy.New(proxy.Options{
		Origin:      origin,
		Router:      classifier,
		Controllers: registration,
		Fetcher:     fetcher,
		CookieName:  cfg.Lifecycle.CookieName,
		Metrics:     rec,
		Logger:      logger,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	opts := server.HandlerOptions{
		Status: registration,
		Proxy:  intercept,
		Logger: logger,
	}
	if rec != nil {
		opts.Metrics = rec.Handler()
		opts.MetricsPath = cfg.Server.Metrics.Path
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		storage:      store,
		engines:      engines,
		registration: registration,
		handler:      server.NewHandler(opts),
	}, nil
}

// apply installs the generation and manifest cfg names. Unchanged input is a
// no-op; strategy settings take effect with the next installed generation.
func (a *app) apply(ctx context.Context, cfg config.Config) error {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	a.warnRestartOnly(cfg)
	if err := a.engines.configure(cfg); err != nil {
		return err
	}
	m, err := cfg.LoadManifest(ctx)
	if err != nil {
		return err
	}
	gen := namespace.Generation(cfg.Cache.Generation)
	if a.applied != nil && a.applied.generation == gen && a.applied.manifest.Equal(m) {
		a.logger.Debug("generation and manifest unchanged", slog.String("generation", string(gen)))
		return nil
	}
	if err := a.registration.Update(ctx, gen, m); err != nil {
		return err
	}
	a.applied = &appliedState{generation: gen, manifest: m}
	return nil
}

func (a *app) warnRestartOnly(next config.Config) {
	changed := func(key string, differs bool) {
		if differs {
			a.logger.Warn("setting change requires a restart", slog.String("key", key))
		}
	}
	changed("server.listen", a.cfg.Server.Listen != next.Server.Listen)
	changed("origin.url", a.cfg.Origin.URL != next.Origin.URL)
	changed("cache.backend", a.cfg.Cache.Backend != next.Cache.Backend)
	changed("cache.prefix", a.cfg.Cache.Prefix != next.Cache.Prefix)
	changed("lifecycle.cookieName", a.cfg.Lifecycle.CookieName != next.Lifecycle.CookieName)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.storage.Close(ctx); err != nil {
		a.logger.Error("storage shutdown failed", slog.Any("error", err))
	}
}

func buildStorage(ctx context.Context, logger *slog.Logger, cfg config.CacheConfig) storage.Storage {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory partition storage")
		}
		return storage.NewMemory()
	case "redis":
		store, err := storage.NewRedis(storage.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TLS: storage.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis storage initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory storage")
			}
			return storage.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis partition storage", slog.String("address", cfg.Redis.Address))
		}
		return store
	case "sqlite":
		store, err := storage.NewSQLite(ctx, cfg.SQLite.Path)
		if err != nil {
			if logger != nil {
				logger.Error("sqlite storage initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory storage")
			}
			return storage.NewMemory()
		}
		if logger != nil {
			logger.Info("using sqlite partition storage", slog.String("path", cfg.SQLite.Path))
		}
		return store
	default:
		if logger != nil {
			logger.Warn("unsupported storage backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return storage.NewMemory()
	}
}

type engineSettings struct {
	navigation  strategy.Navigation
	shellEntry  *url.URL
	storeAnyOK  bool
	placeholder *strategy.Placeholder
}

// engineFactory builds the strategy engine of each installed generation from
// the most recently applied configuration.
type engineFactory struct {
	fetcher  fetch.Fetcher
	metrics  *metrics.Recorder
	logger   *slog.Logger
	settings atomic.Pointer[engineSettings]
}

func (f *engineFactory) configure(cfg config.Config) error {
	origin, err := cfg.OriginURL()
	if err != nil {
		return err
	}
	navigation, err := strategy.ParseNavigation(cfg.Strategy.Navigation)
	if err != nil {
		return err
	}
	entry, err := manifest.Resolve(origin, cfg.Strategy.ShellEntry)
	if err != nil {
		return fmt.Errorf("strategy.shellEntry: %w", err)
	}
	placeholder, err := buildPlaceholder(cfg.Strategy.Placeholder)
	if err != nil {
		return err
	}
	f.settings.Store(&engineSettings{
		navigation:  navigation,
		shellEntry:  entry,
		storeAnyOK:  cfg.Cache.StoreAnyOK,
		placeholder: placeholder,
	})
	return nil
}

func (f *engineFactory) build(ns *namespace.Manager, parts strategy.Partitions) (*strategy.Engine, error) {
	s := f.settings.Load()
	if s == nil {
		return nil, errors.New("engine settings not configured")
	}
	return strategy.New(strategy.Options{
		Fetcher:     f.fetcher,
		Partitions:  parts,
		Generation:  ns.Generation(),
		Navigation:  s.navigation,
		ShellEntry:  s.shellEntry,
		StoreAnyOK:  s.storeAnyOK,
		Placeholder: s.placeholder,
		Metrics:     f.metrics,
		Logger:      f.logger,
	})
}

func buildPlaceholder(cfg config.PlaceholderConfig) (*strategy.Placeholder, error) {
	if cfg.File == "" {
		tmpl, err := templates.NewRenderer(nil).CompileInline("placeholder", cfg.Template)
		if err != nil {
			return nil, err
		}
		return strategy.NewPlaceholder(tmpl)
	}
	folder := strings.TrimSpace(cfg.Folder)
	path := cfg.File
	if folder == "" {
		abs, err := filepath.Abs(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("placeholder: resolve %s: %w", cfg.File, err)
		}
		folder, path = filepath.Dir(abs), abs
	}
	sandbox, err := templates.NewSandbox(folder)
	if err != nil {
		return nil, err
	}
	tmpl, err := templates.NewRenderer(sandbox).CompileFile(path)
	if err != nil {
		return nil, err
	}
	return strategy.NewPlaceholder(tmpl)
}
