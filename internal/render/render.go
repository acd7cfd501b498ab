// Package render turns package documents into HTML pages.
package render

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html"
	"html/template"
	"path"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	mdhtml "github.com/yuin/goldmark/renderer/html"

	"dpm-go/internal/dpm"
)

//go:embed templates/*.tmpl
var templates embed.FS

// HTMLRenderer renders Markdown and plain-text documents into sanitized
// HTML pages. Everything else is a static asset.
type HTMLRenderer struct {
	md       goldmark.Markdown
	policy   *bluemonday.Policy
	page     *template.Template
	language string
}

var _ dpm.Renderer = (*HTMLRenderer)(nil)

// NewHTMLRenderer creates a renderer. language goes into the page's lang
// attribute when set.
func NewHTMLRenderer(language string) (*HTMLRenderer, error) {
	page, err := template.ParseFS(templates, "templates/page.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing page template: %w", err)
	}
	return &HTMLRenderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(mdhtml.WithUnsafe()),
		),
		policy:   bluemonday.UGCPolicy(),
		page:     page,
		language: language,
	}, nil
}

// Renderable reports whether filename is a document.
func (r *HTMLRenderer) Renderable(filename string) bool {
	switch strings.ToLower(path.Ext(filename)) {
	case ".md", ".markdown", ".txt", ".ftd":
		return true
	}
	return false
}

type pageData struct {
	Language    string
	BaseURL     string
	Title       string
	Package     string
	Message     string
	Translation *translationData
	MainID      string
	Main        template.HTML
	FallbackID  string
	Fallback    template.HTML
}

type translationData struct {
	Diff             string
	LastMarkedOn     string
	OriginalLatest   string
	TranslatedLatest string
}

// Render lays out the page. The main document's body is required.
func (r *HTMLRenderer) Render(ctx context.Context, p *dpm.Page) ([]byte, error) {
	if p.Main == nil {
		return nil, fmt.Errorf("page of %s has no main document", p.Package)
	}

	main, err := r.body(p.Main)
	if err != nil {
		return nil, err
	}
	data := pageData{
		Language: r.language,
		BaseURL:  p.BaseURL,
		Title:    title(p.Main),
		Package:  p.Package,
		Message:  p.Message,
		MainID:   p.Main.ID,
		Main:     main,
	}
	if data.BaseURL == "" {
		data.BaseURL = "/"
	}
	if p.Fallback != nil {
		if data.Fallback, err = r.body(p.Fallback); err != nil {
			return nil, err
		}
		data.FallbackID = p.Fallback.ID
	}
	if t := p.Translation; t != nil {
		data.Translation = &translationData{
			Diff:             t.Diff,
			LastMarkedOn:     formatVersion(t.LastMarkedOn),
			OriginalLatest:   formatVersion(t.OriginalLatest),
			TranslatedLatest: formatVersion(t.TranslatedLatest),
		}
	}

	var buf bytes.Buffer
	if err := r.page.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("executing page template for %s: %w", p.Main.ID, err)
	}
	return buf.Bytes(), nil
}

// body renders one document to sanitized HTML. Markdown goes through
// goldmark; text documents are shown preformatted.
func (r *HTMLRenderer) body(doc *dpm.Document) (template.HTML, error) {
	switch strings.ToLower(path.Ext(doc.ID)) {
	case ".md", ".markdown":
		var buf bytes.Buffer
		if err := r.md.Convert(doc.Content, &buf); err != nil {
			return "", fmt.Errorf("rendering markdown of %s: %w", doc.ID, err)
		}
		return template.HTML(r.policy.SanitizeBytes(buf.Bytes())), nil
	default:
		return template.HTML("<pre>" + html.EscapeString(string(doc.Content)) + "</pre>"), nil
	}
}

// title is the first Markdown heading, else the document's filename.
func title(doc *dpm.Document) string {
	for _, line := range strings.Split(string(doc.Content), "\n") {
		if h, ok := strings.CutPrefix(line, "# "); ok {
			if h = strings.TrimSpace(h); h != "" {
				return h
			}
		}
	}
	return path.Base(doc.ID)
}

func formatVersion(v *dpm.Version) string {
	if v == nil {
		return "-"
	}
	return v.RFC3339()
}
