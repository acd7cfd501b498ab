package archive

import (
	"bytes"
	"context"
	"testing"

	"dpm-go/internal/dpm"
	"dpm-go/internal/fs"
)

func TestBlobPath(t *testing.T) {
	tests := []struct {
		filename string
		version  dpm.Version
		want     string
	}{
		{"a.md", 100, ".history/a.100.md"},
		{"a/b.md", 100, ".history/a/b.100.md"},
		{"guide/setup.tar.gz", 7, ".history/guide/setup.tar.7.gz"},
		{"LICENSE", 5, ".history/LICENSE.5"},
		{"conf/.env", 9, ".history/conf/.env.9"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := BlobPath(tt.filename, tt.version); got != tt.want {
				t.Errorf("BlobPath(%q, %d) = %q, want %q", tt.filename, tt.version, got, tt.want)
			}
		})
	}
}

func newPackageArchive(t *testing.T) (*PackageArchive, *fs.PackageFS) {
	t.Helper()
	files, err := fs.NewPackageFS(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewPackageFS() error = %v", err)
	}
	return NewPackageArchive(files), files
}

func TestPackageArchive_PutGet(t *testing.T) {
	t.Parallel()
	a, files := newPackageArchive(t)
	ctx := context.Background()

	if err := a.Put(ctx, "guide/intro.md", 100, []byte("v1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := a.Put(ctx, "guide/intro.md", 200, []byte("v2")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := a.Get(ctx, "guide/intro.md", 100)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get(100) = %q, want %q", got, "v1")
	}
	if ok, _ := files.Exists(".history/guide/intro.200.md"); !ok {
		t.Error("blob for version 200 not written under .history")
	}

	// Archived history never lists as documents
	names, err := files.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(names) != 0 {
		t.Errorf("List() = %v, want no documents", names)
	}
}

func TestPackageArchive_Immutable(t *testing.T) {
	t.Parallel()
	a, _ := newPackageArchive(t)
	ctx := context.Background()

	if err := a.Put(ctx, "a.md", 1, []byte("first")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := a.Put(ctx, "a.md", 1, []byte("second")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, _ := a.Get(ctx, "a.md", 1)
	if !bytes.Equal(got, []byte("first")) {
		t.Errorf("Get() = %q, archived blob was overwritten", got)
	}
}

func TestArchives_GetMissing(t *testing.T) {
	pkg, _ := newPackageArchive(t)
	for name, a := range map[string]dpm.Archive{
		"package": pkg,
		"memory":  NewMemoryArchive(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Get(context.Background(), "a.md", 42)
			if dpm.ErrorKindOf(err) != dpm.KindNotFound {
				t.Errorf("Get() error = %v, want NotFound", err)
			}
		})
	}
}

func TestMemoryArchive_CopiesData(t *testing.T) {
	t.Parallel()
	a := NewMemoryArchive()
	ctx := context.Background()

	data := []byte("hello")
	if err := a.Put(ctx, "a.md", 1, data); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data[0] = 'j'

	got, _ := a.Get(ctx, "a.md", 1)
	if string(got) != "hello" {
		t.Errorf("Get() = %q, want stored copy %q", got, "hello")
	}
	if a.Len() != 1 {
		t.Errorf("Len() = %d, want 1", a.Len())
	}
}
