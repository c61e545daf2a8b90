// Package proxy adapts the strategy engine to net/http: it resolves each
// incoming request against the static origin, identifies the consumer,
// routes the request and writes the chosen answer back.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/readerguard/internal/exchange"
	"github.com/l0p7/readerguard/internal/fetch"
	"github.com/l0p7/readerguard/internal/lifecycle"
	"github.com/l0p7/readerguard/internal/metrics"
	"github.com/l0p7/readerguard/internal/router"
	"github.com/l0p7/readerguard/internal/strategy"
)

const (
	// DefaultCookie names the consumer identity cookie.
	DefaultCookie = "readerguard_client"

	HeaderSource     = "X-Readerguard-Source"
	HeaderGeneration = "X-Readerguard-Generation"
)

// Controllers resolves the worker responsible for a consumer.
type Controllers interface {
	Controller(id string, class router.Class) (*lifecycle.Worker, error)
}

// Options configure the interception handler.
type Options struct {
	Origin      *url.URL
	Router      *router.Router
	Controllers Controllers
	// Fetcher answers GET requests no worker controls.
	Fetcher fetch.Fetcher
	// Passthrough forwards requests that are never intercepted. Defaults
	// to a reverse proxy to Origin.
	Passthrough http.Handler
	CookieName  string
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
}

// Handler intercepts reader requests.
type Handler struct {
	origin      *url.URL
	router      *router.Router
	controllers Controllers
	fetcher     fetch.Fetcher
	passthrough http.Handler
	cookie      string
	metrics     *metrics.Recorder
	logger      *slog.Logger
}

func New(opts Options) (*Handler, error) {
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("proxy: absolute origin url required")
	}
	if opts.Router == nil {
		return nil, errors.New("proxy: router required")
	}
	if opts.Controllers == nil {
		return nil, errors.New("proxy: controllers required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("proxy: fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	passthrough := opts.Passthrough
	if passthrough == nil {
		passthrough = newReverseProxy(opts.Origin, logger)
	}
	cookie := strings.TrimSpace(opts.CookieName)
	if cookie == "" {
		cookie = DefaultCookie
	}
	return &Handler{
		origin:      opts.Origin,
		router:      opts.Router,
		controllers: opts.Controllers,
		fetcher:     opts.Fetcher,
		passthrough: passthrough,
		cookie:      cookie,
		metrics:     opts.Metrics,
		logger:      logger.With(slog.String("agent", "proxy")),
	}, nil
}

func newReverseProxy(origin *url.URL, logger *slog.Logger) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.Out.Host = origin.Host
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("passthrough failed", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
			writeUnavailable(w)
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := h.exchangeRequest(r)
	class := h.router.Classify(req)

	if class == router.ClassBypass {
		w.Header().Set(HeaderSource, string(strategy.SourceBypass))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.passthrough.ServeHTTP(rec, r)
		h.metrics.ObserveRequest(string(class), string(strategy.SourceBypass), rec.status, time.Since(start))
		return
	}

	id := h.consumerID(w, r)
	resp, source, generation, err := h.answer(r.Context(), class, id, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			h.logger.Debug("request abandoned", slog.String("url", req.URL.String()))
			return
		}
		h.logger.Warn("request unavailable",
			slog.String("url", req.URL.String()),
			slog.String("class", string(class)),
			slog.Any("error", err),
		)
		w.Header().Set(HeaderSource, string(source))
		writeUnavailable(w)
		h.metrics.ObserveRequest(string(class), string(source), http.StatusBadGateway, time.Since(start))
		return
	}

	h.write(w, resp, source, generation)
	h.metrics.ObserveRequest(string(class), string(source), resp.Status, time.Since(start))
	h.logger.Debug("request served",
		slog.String("url", req.URL.String()),
		slog.String("class", string(class)),
		slog.String("source", string(source)),
		slog.Int("status", resp.Status),
	)
}

func (h *Handler) answer(ctx context.Context, class router.Class, id string, req exchange.Request) (*exchange.Response, strategy.Source, string, error) {
	worker, err := h.controllers.Controller(id, class)
	if err != nil || worker.Engine() == nil {
		resp, fetchErr := h.fetcher.Fetch(ctx, req)
		if fetchErr != nil {
			return nil, strategy.SourceBypass, "", fetchErr
		}
		return resp, strategy.SourceBypass, "", nil
	}
	resp, source, err := worker.Engine().Handle(ctx, class, req)
	return resp, source, string(worker.Generation()), err
}

// exchangeRequest resolves r against the origin and drops the consumer
// cookie before anything is forwarded.
func (h *Handler) exchangeRequest(r *http.Request) exchange.Request {
	target := *h.origin
	target.Path = strings.TrimSuffix(h.origin.Path, "/") + r.URL.Path
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	target.Fragment = ""

	header := r.Header.Clone()
	header.Del("Cookie")
	for _, c := range r.Cookies() {
		if c.Name == h.cookie {
			continue
		}
		header.Add("Cookie", c.String())
	}
	return exchange.Request{
		Method: r.Method,
		URL:    &target,
		Header: header,
		Mode:   exchange.ParseMode(r.Header.Get("Sec-Fetch-Mode")),
	}
}

func (h *Handler) consumerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(h.cookie); err == nil && c.Value != "" {
		if _, parseErr := uuid.Parse(c.Value); parseErr == nil {
			return c.Value
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (h *Handler) write(w http.ResponseWriter, resp *exchange.Response, source strategy.Source, generation string) {
	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Set(HeaderSource, string(source))
	if generation != "" {
		header.Set(HeaderGeneration, generation)
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	status := resp.Status
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("response write failed", slog.Any("error", err))
	}
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte("readerguard: resource unavailable offline\n"))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
