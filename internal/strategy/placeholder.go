package strategy

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/l0p7/readerguard/internal/exchange"
	"github.com/l0p7/readerguard/internal/namespace"
	"github.com/l0p7/readerguard/internal/templates"
)

// DefaultPlaceholderTemplate is served for a chapter that is neither cached
// nor reachable.
const DefaultPlaceholderTemplate = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{ .Chapter }}</title></head>
<body><h2>Chapter available after first online load</h2></body>
</html>
`

const placeholderFallback = "<h2>Chapter available after first online load</h2>"

// PlaceholderData is what a placeholder template renders against.
type PlaceholderData struct {
	URL        string
	Path       string
	Chapter    string
	Generation string
}

// Placeholder synthesizes the offline chapter response.
type Placeholder struct {
	tmpl *templates.Template
}

// NewPlaceholder wraps tmpl. A nil template selects the built-in page.
func NewPlaceholder(tmpl *templates.Template) (*Placeholder, error) {
	if tmpl == nil {
		compiled, err := templates.NewRenderer(nil).CompileInline("placeholder", DefaultPlaceholderTemplate)
		if err != nil {
			return nil, err
		}
		tmpl = compiled
	}
	return &Placeholder{tmpl: tmpl}, nil
}

// Render always produces a 200 HTML response. When the template fails the
// fixed fallback body is used and the error is returned alongside it.
func (p *Placeholder) Render(req exchange.Request, generation namespace.Generation) (*exchange.Response, error) {
	data := PlaceholderData{Generation: string(generation)}
	if req.URL != nil {
		data.URL = req.URL.String()
		data.Path = req.URL.Path
		base := path.Base(req.URL.Path)
		data.Chapter = strings.TrimSuffix(base, path.Ext(base))
	}
	resp := &exchange.Response{
		URL:      data.URL,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Type:     exchange.ResponseBasic,
		StoredAt: time.Now().UTC(),
	}
	body, err := p.tmpl.Render(data)
	if err != nil {
		resp.Body = []byte(placeholderFallback)
		return resp, err
	}
	resp.Body = []byte(body)
	return resp, nil
}
