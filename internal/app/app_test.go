package app

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dpm-go/internal/cache"
	"dpm-go/internal/config"
	"dpm-go/internal/dpm"
	"dpm-go/internal/remote"
	"dpm-go/internal/server"
	"dpm-go/internal/testutil"
)

// newTestConfig returns a config for a package on disk whose logs go to a
// temp directory.
func newTestConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	cfg := config.NewConfig(name, t.TempDir())
	cfg.Encryption.Type = "test"
	return cfg
}

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

// componentApp wraps an in-memory package in a DPMApp with a memory cache.
func componentApp(t *testing.T, pkg *testutil.TestPackage, rem dpm.Remote) (*DPMApp, *cache.MemoryCache) {
	t.Helper()
	db := testutil.NewTestDatabase(t)
	svc := testutil.NewTestService(t, pkg, testutil.ServiceOptions{Database: db, Remote: rem})
	c := cache.NewMemoryCache()
	cfg := config.NewConfig(pkg.Name, t.TempDir())
	return NewDPMAppFromComponents(cfg, t.TempDir(), db, svc, nil, c, nil, "Test"), c
}

func TestDPMApp_OnDisk(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := newTestConfig(t, "docs")

	if err := InitPackage(root, cfg, ""); err != nil {
		t.Fatalf("InitPackage() error = %v", err)
	}
	if err := InitPackage(root, cfg, ""); err == nil {
		t.Fatal("InitPackage() expected error for an existing package")
	}
	writeFile(t, root, "guide/intro.md", "# Intro")

	a, err := NewDPMApp(ctx, root, cfg, "Add", "guide/intro.md")
	if err != nil {
		t.Fatalf("NewDPMApp() error = %v", err)
	}
	if err := a.Add(ctx, filepath.Join(root, "guide", "intro.md"), nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	result, err := a.Sync(ctx, nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Committed["guide/intro.md"] == 0 {
		t.Errorf("Committed = %v, want guide/intro.md", result.Committed)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, dpm.StateDir, BackupFileName)); err != nil {
		t.Errorf("database backup missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.LogDir, LogFileName)); err != nil {
		t.Errorf("log file missing: %v", err)
	}

	// A fresh app sees the committed file and the operation log.
	b, err := NewDPMApp(ctx, root, cfg, "Status", "")
	if err != nil {
		t.Fatalf("NewDPMApp() error = %v", err)
	}
	defer b.Close()

	statuses, err := b.Status(ctx, nil)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("Status() = %d entries, want a clean package", len(statuses))
	}

	ops, err := b.GetHistory(10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("GetHistory() returned %d operations, want 1", len(ops))
	}
	if ops[0].Operation != "Add" || ops[0].Parameters != "guide/intro.md" || ops[0].Status != StatusSuccess {
		t.Errorf("operation = %+v", ops[0])
	}
}

func TestDPMApp_FailedMutationRecordsError(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := newTestConfig(t, "docs")
	if err := InitPackage(root, cfg, ""); err != nil {
		t.Fatalf("InitPackage() error = %v", err)
	}

	a, err := NewDPMApp(ctx, root, cfg, "CloseCR", "7")
	if err != nil {
		t.Fatalf("NewDPMApp() error = %v", err)
	}
	if err := a.CloseCR(ctx, 7); dpm.ErrorKindOf(err) != dpm.KindNotFound {
		t.Errorf("CloseCR() error = %v, want not found", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b, err := NewDPMApp(ctx, root, cfg, "History", "")
	if err != nil {
		t.Fatalf("NewDPMApp() error = %v", err)
	}
	defer b.Close()
	ops, err := b.GetHistory(1)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(ops) != 1 || ops[0].Status != StatusError {
		t.Errorf("GetHistory() = %+v, want one failed operation", ops)
	}
}

func TestDPMApp_Translation(t *testing.T) {
	ctx := context.Background()
	origRoot := t.TempDir()
	origCfg := newTestConfig(t, "docs")
	if err := InitPackage(origRoot, origCfg, ""); err != nil {
		t.Fatalf("InitPackage() error = %v", err)
	}
	writeFile(t, origRoot, "a.md", "hello")

	orig, err := NewDPMApp(ctx, origRoot, origCfg, "Add", "a.md")
	if err != nil {
		t.Fatalf("NewDPMApp() error = %v", err)
	}
	if err := orig.Add(ctx, filepath.Join(origRoot, "a.md"), nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := orig.Sync(ctx, nil); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	orig.Close()

	root := t.TempDir()
	cfg := newTestConfig(t, "docs-hi")
	cfg.Package.Language = "hi"
	cfg.Package.TranslationOf = origRoot
	if err := InitPackage(root, cfg, ""); err != nil {
		t.Fatalf("InitPackage() error = %v", err)
	}

	tr, err := NewDPMApp(ctx, root, cfg, "TranslationStatus", "")
	if err != nil {
		t.Fatalf("NewDPMApp() error = %v", err)
	}
	defer tr.Close()

	status, err := tr.TranslationStatus(ctx)
	if err != nil {
		t.Fatalf("TranslationStatus() error = %v", err)
	}
	if _, ok := status["a.md"].(*dpm.Missing); !ok || len(status) != 1 {
		t.Errorf("TranslationStatus() = %v, want a.md missing", status)
	}

	page, err := tr.RenderFile(ctx, "/a/")
	if err != nil {
		t.Fatalf("RenderFile() error = %v", err)
	}
	if body := string(page.Body); !strings.Contains(body, `lang="hi"`) || !strings.Contains(body, "not been translated") {
		t.Errorf("RenderFile() body = %s", body)
	}
}

func TestDPMApp_ResolvePath(t *testing.T) {
	a, _ := componentApp(t, testutil.NewTestPackage("docs"), nil)
	root := a.Root()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "file at root", raw: filepath.Join(root, "a.md"), want: "a.md"},
		{name: "nested", raw: filepath.Join(root, "guide", "intro.md"), want: "guide/intro.md"},
		{name: "outside", raw: filepath.Join(filepath.Dir(root), "other.md"), wantErr: true},
		{name: "root itself", raw: root, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.ResolvePath(tt.raw)
			if tt.wantErr {
				if dpm.ErrorKindOf(err) != dpm.KindUsage {
					t.Errorf("ResolvePath(%q) error = %v, want usage error", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolvePath(%q) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ResolvePath(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDPMApp_RenderCache(t *testing.T) {
	ctx := context.Background()
	pkg := testutil.NewTestPackage("docs")
	pkg.Seed(t, 100, map[string]string{"index.md": "# Home", "a.md": "A"})
	a, c := componentApp(t, pkg, nil)

	first, err := a.RenderFile(ctx, "/")
	if err != nil {
		t.Fatalf("RenderFile() error = %v", err)
	}
	if first.Filename != "index.md" {
		t.Errorf("Filename = %q, want index.md", first.Filename)
	}
	if c.Len() != 1 {
		t.Fatalf("cache entries = %d, want 1", c.Len())
	}

	// Served from the cache even though the file changed underneath.
	pkg.FS.AddFile("index.md", "# Changed")
	second, err := a.RenderFile(ctx, "/")
	if err != nil {
		t.Fatalf("RenderFile() error = %v", err)
	}
	if string(second.Body) != string(first.Body) {
		t.Errorf("second render = %q, want cached %q", second.Body, first.Body)
	}

	if _, err := a.CreateCR(ctx, nil); err != nil {
		t.Fatalf("CreateCR() error = %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("cache entries after mutation = %d, want 0", c.Len())
	}
	third, err := a.RenderFile(ctx, "/")
	if err != nil {
		t.Fatalf("RenderFile() error = %v", err)
	}
	if !strings.Contains(string(third.Body), "# Changed") {
		t.Errorf("render after mutation = %q", third.Body)
	}

	if _, err := a.RenderCRFile(ctx, 1, "/a/"); err != nil {
		t.Fatalf("RenderCRFile() error = %v", err)
	}
	if err := a.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache() error = %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("cache entries after ClearCache = %d", c.Len())
	}
}

// A clone syncs against a package served over HTTP.
func TestDPMApp_SyncOverHTTP(t *testing.T) {
	ctx := context.Background()
	ownerPkg := testutil.NewTestPackage("docs")
	ownerPkg.Seed(t, 100, map[string]string{"index.md": "# Home"})
	owner, _ := componentApp(t, ownerPkg, nil)

	srv := httptest.NewServer(server.New(owner, nil).Handler())
	defer srv.Close()

	rem, err := remote.NewHTTPRemote(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewHTTPRemote() error = %v", err)
	}
	clonePkg := testutil.NewTestPackage("docs")
	clone, _ := componentApp(t, clonePkg, rem)

	result, err := clone.Sync(ctx, nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(result.Updated) != 1 || clonePkg.FS.Content("index.md") != "# Home" {
		t.Fatalf("first Sync() = %+v, clone index.md = %q", result, clonePkg.FS.Content("index.md"))
	}

	if _, err := owner.RenderFile(ctx, "/"); err != nil {
		t.Fatalf("RenderFile() error = %v", err)
	}

	clonePkg.FS.AddFile("index.md", "# Home v2")
	result, err = clone.Sync(ctx, nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	v := result.Committed["index.md"]
	if v <= 100 {
		t.Fatalf("Committed = %v", result.Committed)
	}

	manifest, err := owner.Manifest(ctx)
	if err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	if manifest["index.md"].Version != v {
		t.Errorf("owner manifest = %v, want index.md@%s", manifest, v)
	}
	page, err := owner.RenderFile(ctx, "/")
	if err != nil {
		t.Fatalf("RenderFile() error = %v", err)
	}
	if !strings.Contains(string(page.Body), "# Home v2") {
		t.Errorf("owner still renders a stale page: %q", page.Body)
	}
}
