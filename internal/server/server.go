package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/readerguard/internal/config"
)

const defaultShutdownGrace = 5 * time.Second

// Server owns the listener in front of the admin routes and the interception
// handler. Stopping it lets in-flight fills finish within the shutdown grace
// so a chapter being stored is not cut off halfway.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	grace      time.Duration

	ready chan struct{}
	mu    sync.RWMutex
	addr  string
	once  sync.Once
}

// New binds handler to listen's address, port and timeouts.
func New(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	grace := listen.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	return &Server{
		logger: logger.With(slog.String("agent", "listener")),
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(listen.Address, strconv.Itoa(listen.Port)),
			Handler:           handler,
			ReadHeaderTimeout: listen.ReadHeaderTimeout,
			WriteTimeout:      listen.WriteTimeout,
			IdleTimeout:       listen.IdleTimeout,
		},
		grace: grace,
		ready: make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address; with port 0 it carries the port the kernel chose.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == "" {
		return s.httpServer.Addr
	}
	return s.addr
}

// Run serves until ctx is cancelled and then drains. Requests still running
// when the grace expires are dropped and Run reports the deadline.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("http listener draining", slog.Duration("grace", s.grace))
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("drain incomplete, closing remaining connections", slog.Any("error", err))
			_ = s.httpServer.Close()
			shutdownErr = fmt.Errorf("server: drain: %w", err)
		}
	})
	return shutdownErr
}
