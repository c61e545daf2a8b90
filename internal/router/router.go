package router

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/readerguard/internal/exchange"
	"github.com/l0p7/readerguard/internal/expr"
)

// Class selects the retrieval strategy for a request.
type Class string

const (
	ClassChapter    Class = "chapter"
	ClassNavigation Class = "navigation"
	ClassOther      Class = "other"
	// ClassBypass marks requests that are not intercepted at all.
	ClassBypass Class = "bypass"
)

// ParseClass accepts the three interceptable classes by name.
func ParseClass(raw string) (Class, error) {
	switch Class(strings.ToLower(strings.TrimSpace(raw))) {
	case ClassChapter:
		return ClassChapter, nil
	case ClassNavigation:
		return ClassNavigation, nil
	case ClassOther:
		return ClassOther, nil
	default:
		return "", fmt.Errorf("router: unknown class %q", raw)
	}
}

// Rule pairs a CEL expression with the class it assigns.
type Rule struct {
	Expression string
	Class      string
}

// Options configure classification.
type Options struct {
	ChaptersSegment string
	LooseNavigation bool
	Rules           []Rule
}

type compiledRule struct {
	program expr.Program
	class   Class
}

// Router classifies intercepted requests.
type Router struct {
	logger          *slog.Logger
	chaptersSegment string
	looseNavigation bool
	rules           []compiledRule
}

// New compiles the configured rules up front so a bad expression fails at
// startup rather than per request.
func New(logger *slog.Logger, opts Options) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	segment := strings.TrimSpace(opts.ChaptersSegment)
	if segment == "" {
		segment = "/chapters/"
	}
	r := &Router{
		logger:          logger.With(slog.String("agent", "router")),
		chaptersSegment: segment,
		looseNavigation: opts.LooseNavigation,
	}
	if len(opts.Rules) == 0 {
		return r, nil
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	for i, rule := range opts.Rules {
		class, err := ParseClass(rule.Class)
		if err != nil {
			return nil, fmt.Errorf("router: rule %d: %w", i, err)
		}
		program, err := env.Compile(rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("router: rule %d: %w", i, err)
		}
		r.rules = append(r.rules, compiledRule{program: program, class: class})
	}
	return r, nil
}

// Classify assigns exactly one class. Non-GET requests always bypass, no
// matter what the rules say.
func (r *Router) Classify(req exchange.Request) Class {
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return ClassBypass
	}
	if class, ok := r.matchRules(req); ok {
		return class
	}
	if req.URL != nil && strings.Contains(req.URL.Path, r.chaptersSegment) {
		return ClassChapter
	}
	if req.Mode == exchange.ModeNavigate {
		return ClassNavigation
	}
	if r.looseNavigation && req.Mode == exchange.ModeUnset && acceptsHTML(req.Accept()) {
		return ClassNavigation
	}
	return ClassOther
}

func (r *Router) matchRules(req exchange.Request) (Class, bool) {
	if len(r.rules) == 0 {
		return "", false
	}
	activation := map[string]any{"request": activationFor(req)}
	for _, rule := range r.rules {
		matched, err := rule.program.EvalBool(activation)
		if err != nil {
			r.logger.Warn("classification rule failed", slog.String("expression", rule.program.Source()), slog.Any("error", err))
			continue
		}
		if matched {
			return rule.class, true
		}
	}
	return "", false
}

func activationFor(req exchange.Request) map[string]any {
	headers := make(map[string]any, len(req.Header))
	for name, values := range req.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	out := map[string]any{
		"method":  strings.ToUpper(req.Method),
		"mode":    string(req.Mode),
		"accept":  req.Accept(),
		"headers": headers,
		"url":     "",
		"path":    "",
		"host":    "",
		"query":   "",
	}
	if req.URL != nil {
		out["url"] = req.URL.String()
		out["path"] = req.URL.Path
		out["host"] = req.URL.Host
		out["query"] = req.URL.RawQuery
	}
	return out
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, "text/html") {
			return true
		}
	}
	return false
}
