package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/readerguard/internal/manifest"
	"github.com/l0p7/readerguard/internal/namespace"
)

// Config holds every option the binary reads at startup and on reload.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Origin    OriginConfig    `koanf:"origin"`
	Cache     CacheConfig     `koanf:"cache"`
	Manifest  ManifestConfig  `koanf:"manifest"`
	Router    RouterConfig    `koanf:"router"`
	Strategy  StrategyConfig  `koanf:"strategy"`
	Lifecycle LifecycleConfig `koanf:"lifecycle"`
}

// ServerConfig collects the listener, logging and metrics knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// ListenConfig instructs the HTTP listener about bind address, port and
// timeouts. ShutdownGrace bounds how long in-flight fills may finish once a
// stop is requested.
type ListenConfig struct {
	Address           string        `koanf:"address"`
	Port              int           `koanf:"port"`
	ReadHeaderTimeout time.Duration `koanf:"readHeaderTimeout"`
	WriteTimeout      time.Duration `koanf:"writeTimeout"`
	IdleTimeout       time.Duration `koanf:"idleTimeout"`
	ShutdownGrace     time.Duration `koanf:"shutdownGrace"`
}

// LoggingConfig expresses log level, format and an optional rotating file.
type LoggingConfig struct {
	Level  string        `koanf:"level"`
	Format string        `koanf:"format"`
	File   LogFileConfig `koanf:"file"`
}

// LogFileConfig enables rotating file output when Path is set.
type LogFileConfig struct {
	Path       string `koanf:"path"`
	MaxSizeMB  int    `koanf:"maxSizeMB"`
	MaxBackups int    `koanf:"maxBackups"`
	MaxAgeDays int    `koanf:"maxAgeDays"`
	Compress   bool   `koanf:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// OriginConfig points at the static host the reader is published on.
type OriginConfig struct {
	URL          string        `koanf:"url"`
	Timeout      time.Duration `koanf:"timeout"`
	MaxBodyBytes int64         `koanf:"maxBodyBytes"`
	UserAgent    string        `koanf:"userAgent"`
}

// CacheConfig selects the generation and where its partitions live.
type CacheConfig struct {
	Generation string            `koanf:"generation"`
	Prefix     string            `koanf:"prefix"`
	Backend    string            `koanf:"backend"`
	StoreAnyOK bool              `koanf:"storeAnyOK"`
	Redis      CacheRedisConfig  `koanf:"redis"`
	SQLite     CacheSQLiteConfig `koanf:"sqlite"`
}

type CacheRedisConfig struct {
	Address   string              `koanf:"address"`
	Username  string              `koanf:"username"`
	Password  string              `koanf:"password"`
	DB        int                 `koanf:"db"`
	KeyPrefix string              `koanf:"keyPrefix"`
	TLS       CacheRedisTLSConfig `koanf:"tls"`
}

type CacheRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type CacheSQLiteConfig struct {
	Path string `koanf:"path"`
}

// ManifestConfig lists the install set inline or points at a manifest file.
// A file, when set, replaces the inline lists.
type ManifestConfig struct {
	File     string   `koanf:"file"`
	Shell    []string `koanf:"shell"`
	Chapters []string `koanf:"chapters"`
}

// RouterConfig tunes request classification.
type RouterConfig struct {
	ChaptersSegment string       `koanf:"chaptersSegment"`
	LooseNavigation bool         `koanf:"looseNavigation"`
	Rules           []RuleConfig `koanf:"rules"`
}

// RuleConfig assigns Class to requests matching the CEL Expression.
type RuleConfig struct {
	Expression string `koanf:"expression"`
	Class      string `koanf:"class"`
}

type StrategyConfig struct {
	Navigation  string            `koanf:"navigation"`
	ShellEntry  string            `koanf:"shellEntry"`
	Placeholder PlaceholderConfig `koanf:"placeholder"`
}

// PlaceholderConfig overrides the offline chapter page, inline or from a
// file inside Folder.
type PlaceholderConfig struct {
	Template string `koanf:"template"`
	File     string `koanf:"file"`
	Folder   string `koanf:"folder"`
}

type LifecycleConfig struct {
	SkipWaiting    bool          `koanf:"skipWaiting"`
	ClaimConsumers bool          `koanf:"claimConsumers"`
	ClientIdle     time.Duration `koanf:"clientIdle"`
	CookieName     string        `koanf:"cookieName"`
	Watch          bool          `koanf:"watch"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	listen := c.Server.Listen
	for name, d := range map[string]time.Duration{
		"readHeaderTimeout": listen.ReadHeaderTimeout,
		"writeTimeout":      listen.WriteTimeout,
		"idleTimeout":       listen.IdleTimeout,
		"shutdownGrace":     listen.ShutdownGrace,
	} {
		if d < 0 {
			return fmt.Errorf("config: server.listen.%s invalid: %s", name, d)
		}
	}
	if c.Server.Metrics.Enabled && !strings.HasPrefix(c.Server.Metrics.Path, "/") {
		return fmt.Errorf("config: server.metrics.path must start with '/': %q", c.Server.Metrics.Path)
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if c.Origin.Timeout < 0 {
		return fmt.Errorf("config: origin.timeout invalid: %s", c.Origin.Timeout)
	}
	if _, err := namespace.New(c.Cache.Prefix, namespace.Generation(c.Cache.Generation)); err != nil {
		return fmt.Errorf("config: cache: %w", err)
	}
	switch strings.TrimSpace(strings.ToLower(c.Cache.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.Cache.SQLite.Path) == "" {
			return errors.New("config: cache.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if c.Manifest.File == "" {
		inline := manifest.Manifest{Shell: c.Manifest.Shell, Chapters: c.Manifest.Chapters}
		if err := inline.Validate(); err != nil {
			return fmt.Errorf("config: manifest: %w", err)
		}
	}
	for i, rule := range c.Router.Rules {
		if strings.TrimSpace(rule.Expression) == "" {
			return fmt.Errorf("config: router.rules[%d].expression required", i)
		}
		switch strings.TrimSpace(strings.ToLower(rule.Class)) {
		case "chapter", "navigation", "other":
		default:
			return fmt.Errorf("config: router.rules[%d].class unsupported: %s", i, rule.Class)
		}
	}
	switch strings.TrimSpace(strings.ToLower(c.Strategy.Navigation)) {
	case "", "refresh", "strict":
	default:
		return fmt.Errorf("config: strategy.navigation unsupported: %s", c.Strategy.Navigation)
	}
	if strings.TrimSpace(c.Strategy.ShellEntry) == "" {
		return errors.New("config: strategy.shellEntry required")
	}
	if c.Strategy.Placeholder.Template != "" && c.Strategy.Placeholder.File != "" {
		return errors.New("config: strategy.placeholder.template and file are mutually exclusive")
	}
	if c.Lifecycle.ClientIdle < 0 {
		return fmt.Errorf("config: lifecycle.clientIdle invalid: %s", c.Lifecycle.ClientIdle)
	}
	return nil
}

// OriginURL parses origin.url. The path is normalized to end with '/' so
// manifest entries resolve beneath it.
func (c Config) OriginURL() (*url.URL, error) {
	raw := strings.TrimSpace(c.Origin.URL)
	if raw == "" {
		return nil, errors.New("config: origin.url required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: origin.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("config: origin.url must be an absolute http(s) url: %q", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// LoadManifest returns the install set, reading manifest.file when set.
func (c Config) LoadManifest(ctx context.Context) (manifest.Manifest, error) {
	if c.Manifest.File != "" {
		return manifest.Load(ctx, c.Manifest.File)
	}
	m := manifest.Manifest{Shell: c.Manifest.Shell, Chapters: c.Manifest.Chapters}.Clone()
	if err := m.Validate(); err != nil {
		return manifest.Manifest{}, fmt.Errorf("config: manifest: %w", err)
	}
	return m, nil
}

// DefaultConfig returns the baseline values matching the reader deployment.
func DefaultConfig() Config {
	m := manifest.Default()
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address:           "0.0.0.0",
				Port:              8080,
				ReadHeaderTimeout: 10 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       120 * time.Second,
				ShutdownGrace:     5 * time.Second,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				File: LogFileConfig{
					MaxSizeMB:  100,
					MaxBackups: 3,
					MaxAgeDays: 28,
				},
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Origin: OriginConfig{
			Timeout:      15 * time.Second,
			MaxBodyBytes: 32 << 20,
			UserAgent:    "readerguard",
		},
		Cache: CacheConfig{
			Generation: "v3",
			Prefix:     namespace.DefaultPrefix,
			Backend:    "memory",
			Redis: CacheRedisConfig{
				KeyPrefix: "readerguard:",
			},
			SQLite: CacheSQLiteConfig{
				Path: "./readerguard.db",
			},
		},
		Manifest: ManifestConfig{
			Shell:    m.Shell,
			Chapters: m.Chapters,
		},
		Router: RouterConfig{
			ChaptersSegment: "/chapters/",
		},
		Strategy: StrategyConfig{
			Navigation: "refresh",
			ShellEntry: "./index.html",
		},
		Lifecycle: LifecycleConfig{
			SkipWaiting:    true,
			ClaimConsumers: true,
			ClientIdle:     30 * time.Minute,
			CookieName:     "readerguard_client",
			Watch:          true,
		},
	}
}
