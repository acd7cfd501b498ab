package testutil

import (
	"context"
	"fmt"
	"path"
	"strings"
	"testing"

	"dpm-go/internal/archive"
	"dpm-go/internal/dpm"
	"dpm-go/internal/history"
	"dpm-go/internal/tracker"
)

// TestPackage is an in-memory package with direct access to its stores.
type TestPackage struct {
	*dpm.Package
	FS      *MemoryFS
	Archive *archive.MemoryArchive
}

// NewTestPackage creates an empty in-memory package.
func NewTestPackage(name string) *TestPackage {
	files := NewMemoryFS()
	arch := archive.NewMemoryArchive()
	return &TestPackage{
		Package: &dpm.Package{
			Name:      name,
			Files:     files,
			Snapshots: history.NewStore(files, arch),
			Tracks:    tracker.NewFileTrackStore(files),
		},
		FS:      files,
		Archive: arch,
	}
}

// Seed writes files and commits them all at version v.
func (p *TestPackage) Seed(t *testing.T, v dpm.Version, files map[string]string) {
	t.Helper()
	var changes []dpm.SnapshotChange
	for name, content := range files {
		p.FS.AddFile(name, content)
		changes = append(changes, dpm.SnapshotChange{Filename: name, Version: v, Content: []byte(content)})
	}
	if err := p.Snapshots.Commit(context.Background(), changes); err != nil {
		t.Fatalf("seeding %s: %v", p.Name, err)
	}
}

// ServiceOptions configures NewTestService. Zero values get defaults.
type ServiceOptions struct {
	Original *TestPackage
	Remote   dpm.Remote
	Database dpm.Database
	Clock    dpm.Clock
}

// NewTestService creates a service over pkg backed by an in-memory
// database, a StubRenderer and a NopLogger.
func NewTestService(t *testing.T, pkg *TestPackage, opts ServiceOptions) *dpm.DPMService {
	t.Helper()
	db := opts.Database
	if db == nil {
		db = NewTestDatabase(t)
	}
	clock := opts.Clock
	if clock == nil {
		clock = FixedClock()
	}
	var original *dpm.Package
	if opts.Original != nil {
		original = opts.Original.Package
	}
	return dpm.NewDPMService(pkg.Package, original, db, opts.Remote, StubRenderer{}, dpm.NewNopLogger(), clock)
}

// StubRenderer renders a page as plain text lines so tests can assert on
// what the service handed to the renderer.
type StubRenderer struct{}

var _ dpm.Renderer = StubRenderer{}

func (StubRenderer) Renderable(filename string) bool {
	switch path.Ext(filename) {
	case ".md", ".txt", ".ftd":
		return true
	}
	return false
}

func (StubRenderer) Render(ctx context.Context, page *dpm.Page) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "package: %s\n", page.Package)
	if page.Message != "" {
		fmt.Fprintf(&b, "message: %s\n", page.Message)
	}
	if page.Main != nil {
		fmt.Fprintf(&b, "main: %s\n%s\n", page.Main.ID, page.Main.Content)
	}
	if page.Fallback != nil {
		fmt.Fprintf(&b, "fallback: %s\n", page.Fallback.ID)
	}
	if page.Translation != nil {
		fmt.Fprintf(&b, "diff:\n%s", page.Translation.Diff)
	}
	return []byte(b.String()), nil
}
