// Package history implements the snapshot store: the latest-version
// manifest of a package plus the archive of every committed version.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"dpm-go/internal/dpm"
	"dpm-go/internal/ftd"
)

const snapshotKind = "dpm.snapshot"

// Store keeps the manifest at .history/.latest.ftd in the package's content
// store and the blobs in an archive.
type Store struct {
	files   dpm.ContentStore
	archive dpm.Archive
}

var _ dpm.SnapshotStore = (*Store)(nil)

// NewStore creates a snapshot store over files and archive.
func NewStore(files dpm.ContentStore, archive dpm.Archive) *Store {
	return &Store{files: files, archive: archive}
}

// LatestSnapshots parses the manifest. A missing manifest means no history.
func (s *Store) LatestSnapshots() (map[string]dpm.Version, error) {
	data, err := s.files.Read(dpm.LatestManifest)
	if err != nil {
		var nf *dpm.NotFoundError
		if errors.As(err, &nf) {
			return map[string]dpm.Version{}, nil
		}
		return nil, &dpm.PackageError{Path: dpm.LatestManifest, Message: "reading manifest", Err: err}
	}
	return decodeManifest(data)
}

// ReadAt returns the archived bytes of filename at version.
func (s *Store) ReadAt(ctx context.Context, filename string, version dpm.Version) ([]byte, error) {
	return s.archive.Get(ctx, filename, version)
}

// Commit archives every non-deleted change and then replaces the manifest.
// Blobs are written first so a crash never leaves the manifest pointing at
// a version that was not archived.
func (s *Store) Commit(ctx context.Context, changes []dpm.SnapshotChange) error {
	latest, err := s.LatestSnapshots()
	if err != nil {
		return err
	}

	for _, c := range changes {
		if current, ok := latest[c.Filename]; ok && c.Version <= current {
			return &dpm.PackageError{
				Path:    c.Filename,
				Message: fmt.Sprintf("version %s is not newer than %s", c.Version, current),
			}
		}
	}

	for _, c := range changes {
		if c.Deleted {
			delete(latest, c.Filename)
			continue
		}
		if err := s.archive.Put(ctx, c.Filename, c.Version, c.Content); err != nil {
			return fmt.Errorf("archiving %s at %s: %w", c.Filename, c.Version, err)
		}
		latest[c.Filename] = c.Version
	}

	if err := s.files.Write(dpm.LatestManifest, encodeManifest(latest)); err != nil {
		return &dpm.PackageError{Path: dpm.LatestManifest, Message: "writing manifest", Err: err}
	}
	return nil
}

func decodeManifest(data []byte) (map[string]dpm.Version, error) {
	sections, err := ftd.Parse(data)
	if err != nil {
		return nil, &dpm.PackageError{Path: dpm.LatestManifest, Message: "parsing manifest", Err: err}
	}

	latest := make(map[string]dpm.Version, len(sections))
	for _, sec := range sections {
		if sec.Kind != snapshotKind {
			continue
		}
		raw, ok := sec.Get("timestamp")
		if !ok {
			return nil, &dpm.PackageError{Path: dpm.LatestManifest, Message: fmt.Sprintf("snapshot %s has no timestamp", sec.Caption)}
		}
		v, err := dpm.ParseVersion(raw)
		if err != nil {
			return nil, &dpm.PackageError{Path: dpm.LatestManifest, Message: "snapshot " + sec.Caption, Err: err}
		}
		latest[sec.Caption] = v
	}
	return latest, nil
}

func encodeManifest(latest map[string]dpm.Version) []byte {
	sections := []ftd.Section{ftd.Import("dpm")}
	for _, filename := range sortedFilenames(latest) {
		sec := ftd.Section{Kind: snapshotKind, Caption: filename}
		sec.Set("timestamp", latest[filename].String())
		sections = append(sections, sec)
	}
	return ftd.Encode(sections)
}

func sortedFilenames(m map[string]dpm.Version) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
