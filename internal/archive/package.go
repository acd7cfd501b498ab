// Package archive implements the history archive backends that keep every
// committed version of every file.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"

	"dpm-go/internal/dpm"
)

// BlobPath is the archive location of filename at version:
// .history/<dir>/<stem>.<version>.<ext>.
func BlobPath(filename string, version dpm.Version) string {
	dir, base := path.Split(filename)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		// Dotfiles like ".env" have no extension to keep apart
		stem, ext = base, ""
	}
	return path.Join(dpm.HistoryDir, dir, stem+"."+version.String()+ext)
}

// PackageArchive stores blobs inside the package's own .history directory.
type PackageArchive struct {
	files dpm.ContentStore
}

var _ dpm.Archive = (*PackageArchive)(nil)

func NewPackageArchive(files dpm.ContentStore) *PackageArchive {
	return &PackageArchive{files: files}
}

// Put writes the blob. Existing blobs are immutable, so a repeated put of
// the same version is skipped.
func (a *PackageArchive) Put(ctx context.Context, filename string, version dpm.Version, data []byte) error {
	p := BlobPath(filename, version)
	exists, err := a.files.Exists(p)
	if err != nil {
		return fmt.Errorf("checking %s: %w", p, err)
	}
	if exists {
		return nil
	}
	if err := a.files.Write(p, data); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}

func (a *PackageArchive) Get(ctx context.Context, filename string, version dpm.Version) ([]byte, error) {
	data, err := a.files.Read(BlobPath(filename, version))
	if err != nil {
		if dpm.ErrorKindOf(err) == dpm.KindNotFound {
			return nil, &dpm.NotFoundError{Path: filename, Version: dpm.VersionPtr(version)}
		}
		return nil, err
	}
	return data, nil
}
