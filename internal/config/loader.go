package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the configuration files the loader reads, in order.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := canonicalKeys(k.Keys())
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so STORE_ANY_OK collapses into storeanyok.
			lower = strings.ReplaceAll(lower, "_", "")
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return kjson.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return yaml.Parser()
	}
}

// canonicalKeys maps lower-cased key paths back to their camelCase spelling
// so env overrides land on the same key as defaults and files.
func canonicalKeys(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		lower := strings.ToLower(key)
		if lower != key {
			out[lower] = key
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address":           cfg.Server.Listen.Address,
				"port":              cfg.Server.Listen.Port,
				"readHeaderTimeout": cfg.Server.Listen.ReadHeaderTimeout.String(),
				"writeTimeout":      cfg.Server.Listen.WriteTimeout.String(),
				"idleTimeout":       cfg.Server.Listen.IdleTimeout.String(),
				"shutdownGrace":     cfg.Server.Listen.ShutdownGrace.String(),
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
				"file": map[string]any{
					"path":       cfg.Server.Logging.File.Path,
					"maxSizeMB":  cfg.Server.Logging.File.MaxSizeMB,
					"maxBackups": cfg.Server.Logging.File.MaxBackups,
					"maxAgeDays": cfg.Server.Logging.File.MaxAgeDays,
					"compress":   cfg.Server.Logging.File.Compress,
				},
			},
			"metrics": map[string]any{
				"enabled": cfg.Server.Metrics.Enabled,
				"path":    cfg.Server.Metrics.Path,
			},
		},
		"origin": map[string]any{
			"url":          cfg.Origin.URL,
			"timeout":      cfg.Origin.Timeout.String(),
			"maxBodyBytes": cfg.Origin.MaxBodyBytes,
			"userAgent":    cfg.Origin.UserAgent,
		},
		"cache": map[string]any{
			"generation": cfg.Cache.Generation,
			"prefix":     cfg.Cache.Prefix,
			"backend":    cfg.Cache.Backend,
			"storeAnyOK": cfg.Cache.StoreAnyOK,
			"redis": map[string]any{
				"address":   cfg.Cache.Redis.Address,
				"username":  cfg.Cache.Redis.Username,
				"password":  cfg.Cache.Redis.Password,
				"db":        cfg.Cache.Redis.DB,
				"keyPrefix": cfg.Cache.Redis.KeyPrefix,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
			"sqlite": map[string]any{
				"path": cfg.Cache.SQLite.Path,
			},
		},
		"manifest": map[string]any{
			"file":     cfg.Manifest.File,
			"shell":    cfg.Manifest.Shell,
			"chapters": cfg.Manifest.Chapters,
		},
		"router": map[string]any{
			"chaptersSegment": cfg.Router.ChaptersSegment,
			"looseNavigation": cfg.Router.LooseNavigation,
		},
		"strategy": map[string]any{
			"navigation": cfg.Strategy.Navigation,
			"shellEntry": cfg.Strategy.ShellEntry,
			"placeholder": map[string]any{
				"template": cfg.Strategy.Placeholder.Template,
				"file":     cfg.Strategy.Placeholder.File,
				"folder":   cfg.Strategy.Placeholder.Folder,
			},
		},
		"lifecycle": map[string]any{
			"skipWaiting":    cfg.Lifecycle.SkipWaiting,
			"claimConsumers": cfg.Lifecycle.ClaimConsumers,
			"clientIdle":     cfg.Lifecycle.ClientIdle.String(),
			"cookieName":     cfg.Lifecycle.CookieName,
			"watch":          cfg.Lifecycle.Watch,
		},
	}
}
