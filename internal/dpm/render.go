package dpm

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Rendered is one resolved and rendered request path.
type Rendered struct {
	Filename string
	Body     []byte
	Static   bool // Body is the raw file, not a rendered page
}

// BuildOptions controls Build.
type BuildOptions struct {
	Files        []string // empty builds every document
	BaseURL      string
	IgnoreFailed bool
	Workers      int
}

// BuildResult lists what Build wrote.
type BuildResult struct {
	Built  []string
	Failed []string
}

const defaultBuildWorkers = 4

// Messages shown above translated pages.
const (
	msgMissing     = "This page has not been translated yet. Showing the original."
	msgNeverMarked = "This translation has never been marked up to date with the original."
	msgOutdated    = "The original of this page changed since the translation was last marked up to date."
)

// RenderFile resolves a request path to a document of the package and
// renders it. Translation packages render with translation status banners
// and fall back to the original for untranslated documents.
func (s *DPMService) RenderFile(ctx context.Context, urlPath string, baseURL string) (*Rendered, error) {
	var status map[string]TranslatedDocument
	if s.original != nil {
		var err error
		if status, err = s.TranslationStatus(ctx); err != nil {
			return nil, err
		}
	}

	filename, err := resolveDocument(urlPath, func(name string) (bool, error) {
		if _, ok := status[name]; ok {
			return true, nil
		}
		return s.pkg.Files.Exists(name)
	})
	if err != nil {
		return nil, err
	}
	return s.renderOne(ctx, filename, status, baseURL)
}

// RenderCRFile renders a document as seen from inside a CR: the CR's copy
// when it has one, else the main copy. Files deleted in the CR are not found.
func (s *DPMService) RenderCRFile(ctx context.Context, cr int64, urlPath string, baseURL string) (*Rendered, error) {
	if _, err := s.findChangeRequest(cr); err != nil {
		return nil, err
	}
	deleted, err := s.database.GetDeletedFiles(cr)
	if err != nil {
		return nil, fmt.Errorf("reading deleted files of CR#%d: %w", cr, err)
	}
	gone := make(map[string]bool, len(deleted))
	for _, d := range deleted {
		gone[d.Filename] = true
	}

	filename, err := resolveDocument(urlPath, func(name string) (bool, error) {
		if gone[name] {
			return false, nil
		}
		if ok, err := s.pkg.Files.Exists(CRPath(cr, name)); err != nil || ok {
			return ok, err
		}
		return s.pkg.Files.Exists(name)
	})
	if err != nil {
		return nil, err
	}

	source := filename
	if ok, err := s.pkg.Files.Exists(CRPath(cr, filename)); err != nil {
		return nil, fmt.Errorf("checking %s: %w", filename, err)
	} else if ok {
		source = CRPath(cr, filename)
	}
	content, err := s.pkg.Files.Read(source)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", source, err)
	}
	if !s.renderer.Renderable(filename) {
		return &Rendered{Filename: filename, Body: content, Static: true}, nil
	}

	page := &Page{
		Package: s.pkg.Name,
		Main:    &Document{ID: filename, Content: content},
		Message: fmt.Sprintf("Viewing CR#%d", cr),
		BaseURL: baseURL,
	}
	body, err := s.renderer.Render(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", filename, err)
	}
	return &Rendered{Filename: filename, Body: body}, nil
}

// ViewSource returns the raw bytes of a package file, including CR copies.
func (s *DPMService) ViewSource(ctx context.Context, p string) ([]byte, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	if top, _, _ := strings.Cut(cleaned, "/"); top == StateDir {
		return nil, usageErrorf("%s is not a package document", cleaned)
	}
	data, err := s.pkg.Files.Read(cleaned)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", cleaned, err)
	}
	return data, nil
}

// Build renders every document of the package into the build directory.
// Documents render concurrently; unless IgnoreFailed is set the first
// failure aborts the build.
func (s *DPMService) Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	var status map[string]TranslatedDocument
	if s.original != nil {
		var err error
		if status, err = s.TranslationStatus(ctx); err != nil {
			return nil, err
		}
	}

	names, err := s.pkg.Files.List()
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	all := make(map[string]bool, len(names)+len(status))
	for _, n := range names {
		all[n] = true
	}
	for n := range status {
		all[n] = true
	}
	if len(opts.Files) > 0 {
		selected := make(map[string]bool, len(opts.Files))
		for _, f := range opts.Files {
			cleaned, err := documentPath(f)
			if err != nil {
				return nil, err
			}
			if !all[cleaned] {
				return nil, &NotFoundError{Path: cleaned}
			}
			selected[cleaned] = true
		}
		all = selected
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultBuildWorkers
	}

	var (
		mu     sync.Mutex
		result BuildResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, filename := range sortedKeys(all) {
		g.Go(func() error {
			err := s.buildOne(gctx, filename, status, opts.BaseURL)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				result.Built = append(result.Built, filename)
				return nil
			}
			if !opts.IgnoreFailed {
				return fmt.Errorf("building %s: %w", filename, err)
			}
			s.logger.Warn("build failed", "file", filename, "error", err)
			result.Failed = append(result.Failed, filename)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(result.Built)
	sort.Strings(result.Failed)
	s.logger.Info("build complete", "built", len(result.Built), "failed", len(result.Failed))
	return &result, nil
}

func (s *DPMService) buildOne(ctx context.Context, filename string, status map[string]TranslatedDocument, baseURL string) error {
	rendered, err := s.renderOne(ctx, filename, status, baseURL)
	if err != nil {
		return err
	}
	out := path.Join(BuildDir, OutputPath(filename, !rendered.Static))
	if err := s.pkg.Files.Write(out, rendered.Body); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	return nil
}

func (s *DPMService) renderOne(ctx context.Context, filename string, status map[string]TranslatedDocument, baseURL string) (*Rendered, error) {
	var page *Page
	if td, ok := status[filename]; ok {
		p, err := s.translationPage(ctx, td)
		if err != nil {
			return nil, err
		}
		page = p
	} else {
		content, err := s.pkg.Files.Read(filename)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filename, err)
		}
		page = &Page{Main: &Document{ID: filename, Content: content}}
	}

	if !s.renderer.Renderable(filename) {
		return &Rendered{Filename: filename, Body: page.Main.Content, Static: true}, nil
	}

	page.Package = s.pkg.Name
	page.BaseURL = baseURL
	body, err := s.renderer.Render(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", filename, err)
	}
	return &Rendered{Filename: filename, Body: body}, nil
}

// translationPage lays out a translated document per its status.
func (s *DPMService) translationPage(ctx context.Context, td TranslatedDocument) (*Page, error) {
	switch d := td.(type) {
	case *Missing:
		return &Page{Main: d.Original, Message: msgMissing}, nil
	case *NeverMarked:
		return &Page{Main: d.Original, Fallback: d.Translated, Message: msgNeverMarked}, nil
	case *Outdated:
		diff, err := s.TranslationDiff(ctx, d)
		if err != nil {
			return nil, err
		}
		return &Page{
			Main:     d.Translated,
			Fallback: d.Original,
			Message:  msgOutdated,
			Translation: &TranslationData{
				Diff:             diff,
				LastMarkedOn:     VersionPtr(d.LastMarkedOn),
				OriginalLatest:   VersionPtr(d.OriginalLatest),
				TranslatedLatest: VersionPtr(d.TranslatedLatest),
			},
		}, nil
	case *UpToDate:
		return &Page{Main: d.Translated}, nil
	default:
		return nil, fmt.Errorf("unknown translation status %T", td)
	}
}

// resolveDocument maps a request path to a document filename, trying the
// path itself, then as a Markdown document, then as a directory index.
func resolveDocument(urlPath string, exists func(string) (bool, error)) (string, error) {
	p := strings.Trim(urlPath, "/")
	var candidates []string
	if p == "" {
		candidates = []string{readmeIndex, readmeAlias}
	} else {
		cleaned, err := documentPath(p)
		if err != nil {
			return "", err
		}
		candidates = []string{cleaned, cleaned + ".md", cleaned + "/" + readmeIndex, cleaned + "/" + readmeAlias}
	}

	for _, c := range candidates {
		ok, err := exists(c)
		if err != nil {
			return "", fmt.Errorf("checking %s: %w", c, err)
		}
		if ok {
			return c, nil
		}
	}
	return "", &NotFoundError{Path: "/" + p}
}

// OutputPath is where a built file lands under the build directory:
// documents become directory indexes, assets keep their path.
func OutputPath(filename string, document bool) string {
	if !document {
		return filename
	}
	stem := strings.TrimSuffix(filename, path.Ext(filename))
	switch base := path.Base(stem); base {
	case "index", "README":
		if dir := path.Dir(stem); dir != "." {
			return dir + "/index.html"
		}
		return "index.html"
	}
	return stem + "/index.html"
}
