package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"dpm-go/internal/dpm"
)

// PackageFS is the working tree of a package on the real filesystem.
// Paths handed to it are slash-separated and relative to root.
type PackageFS struct {
	root   string
	ignore *IgnoreMatcher
}

// Compile-time check that PackageFS implements dpm.ContentStore interface
var _ dpm.ContentStore = (*PackageFS)(nil)

// NewPackageFS creates a content store rooted at root. Ignore patterns come
// from the config plus the package's .dpmignore file.
func NewPackageFS(root string, ignorePatterns []string) (*PackageFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving package root: %w", err)
	}

	filePatterns, err := ParseIgnoreFile(filepath.Join(absRoot, ignoreFileName))
	if err != nil {
		return nil, err
	}
	patterns := append(append([]string{}, defaultIgnorePatterns...), ignorePatterns...)
	patterns = append(patterns, filePatterns...)

	return &PackageFS{root: absRoot, ignore: NewIgnoreMatcher(patterns)}, nil
}

// Root returns the absolute package root.
func (p *PackageFS) Root() string { return p.root }

func (p *PackageFS) Read(name string) ([]byte, error) {
	full, err := p.resolve(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &dpm.NotFoundError{Path: name}
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}

// Write replaces the file atomically (temp file + rename).
func (p *PackageFS) Write(name string, data []byte) error {
	full, err := p.resolve(name)
	if err != nil {
		return err
	}

	// Create temp file in the same directory to ensure atomic rename works
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", name, err)
	}
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

func (p *PackageFS) Remove(name string) error {
	full, err := p.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

func (p *PackageFS) Exists(name string) (bool, error) {
	full, err := p.resolve(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return info.Mode().IsRegular(), nil
}

// List walks the package for documents, skipping the internal stores and
// ignored paths.
func (p *PackageFS) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(p.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p.root, full)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if internalDirs[rel] || p.ignore.Match(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || p.ignore.Match(rel) {
			return nil
		}
		names = append(names, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking package: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// resolve maps a package path to an absolute path inside root. Leading
// ".." elements are cleaned away against the root.
func (p *PackageFS) resolve(name string) (string, error) {
	cleaned := path.Clean("/" + filepath.ToSlash(name))
	if cleaned == "/" {
		return "", &dpm.UsageError{Message: fmt.Sprintf("invalid package path %q", name)}
	}
	return filepath.Join(p.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))), nil
}

// internalDirs are the package's own stores, never listed as documents.
var internalDirs = map[string]bool{
	dpm.HistoryDir: true,
	dpm.TracksDir:  true,
	dpm.BuildDir:   true,
	dpm.StateDir:   true,
	dpm.CRDir:      true,
}
