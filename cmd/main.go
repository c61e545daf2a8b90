package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/readerguard/internal/config"
	"github.com/l0p7/readerguard/internal/logging"
	"github.com/l0p7/readerguard/internal/metrics"
	"github.com/l0p7/readerguard/internal/server"
)

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	Watch(ctx context.Context, cfg config.Config, onChange func(config.Config), onError func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

// koanfLoader narrows config.Loader's concrete watcher to the interface above.
type koanfLoader struct {
	*config.Loader
}

func (l koanfLoader) Watch(ctx context.Context, cfg config.Config, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	w, err := l.Loader.Watch(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return koanfLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg.Server.Listen, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "READERGUARD", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	var recorder *metrics.Recorder
	if cfg.Server.Metrics.Enabled {
		recorder = metrics.NewRecorder(prometheus.NewRegistry())
	}

	a, err := assemble(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.registration.Run(runCtx)
	go func() {
		if err := a.apply(runCtx, cfg); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("initial install failed", slog.Any("error", err))
		}
	}()

	if cfg.Lifecycle.Watch && (configFile != "" || cfg.Manifest.File != "") {
		watcher, err := loader.Watch(runCtx, cfg, func(next config.Config) {
			if err := a.apply(runCtx, next); err != nil {
				logger.Error("configuration reload failed", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("configuration watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("configuration watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, a.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return err
	}
	if err := srv.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
