package dpm

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// DPMService is the orchestration layer that coordinates the package stores,
// the local database and the remote to perform the operations the CLI and
// the server expose.
type DPMService struct {
	pkg      *Package
	original *Package
	database Database
	remote   Remote
	renderer Renderer
	logger   Logger
	clock    Clock
}

// NewDPMService creates a new DPMService with the provided dependencies.
// original is the package this one translates, or nil. remote is the
// snapshot owner to sync against; with a nil remote the package's own
// snapshot store is authoritative.
func NewDPMService(pkg *Package, original *Package, database Database, remote Remote, renderer Renderer, logger Logger, clock Clock) *DPMService {
	return &DPMService{
		pkg:      pkg,
		original: original,
		database: database,
		remote:   remote,
		renderer: renderer,
		logger:   logger,
		clock:    clock,
	}
}

// Package returns the package the service operates on.
func (s *DPMService) Package() *Package { return s.pkg }

// IsTranslation reports whether the package is a translation of another.
func (s *DPMService) IsTranslation() bool { return s.original != nil }

// LatestSnapshots returns the latest committed version of every file.
func (s *DPMService) LatestSnapshots() (map[string]Version, error) {
	latest, err := s.pkg.Snapshots.LatestSnapshots()
	if err != nil {
		return nil, fmt.Errorf("reading latest snapshots: %w", err)
	}
	return latest, nil
}

// Manifest returns the latest snapshots in the shape remotes exchange.
func (s *DPMService) Manifest(ctx context.Context) (map[string]FileEdit, error) {
	latest, err := s.LatestSnapshots()
	if err != nil {
		return nil, err
	}
	manifest := make(map[string]FileEdit, len(latest))
	for filename, v := range latest {
		manifest[filename] = FileEdit{Version: v}
	}
	return manifest, nil
}

// ReadAt returns the archived bytes of filename at version.
func (s *DPMService) ReadAt(ctx context.Context, filename string, version Version) ([]byte, error) {
	filename, err := CleanPath(filename)
	if err != nil {
		return nil, err
	}
	data, err := s.pkg.Snapshots.ReadAt(ctx, filename, version)
	if err != nil {
		return nil, fmt.Errorf("reading %s at %s: %w", filename, version, err)
	}
	return data, nil
}

// Commit applies changes to the package's snapshot store after checking
// every base against the current latest version. It is the server side of a
// sync: if any base is stale nothing is written and a *ConflictError lists
// every stale file.
func (s *DPMService) Commit(ctx context.Context, changes []Change) (map[string]Version, error) {
	latest, err := s.LatestSnapshots()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(changes))
	var conflicts []Conflict
	for i := range changes {
		c := &changes[i]
		filename, err := CleanPath(c.Filename)
		if err != nil {
			return nil, err
		}
		c.Filename = filename
		if seen[filename] {
			return nil, usageErrorf("%s appears more than once in one commit", filename)
		}
		seen[filename] = true

		current, exists := latest[filename]
		if c.Base != current {
			conflicts = append(conflicts, Conflict{
				Filename:      filename,
				LocalVersion:  c.Base,
				RemoteVersion: current,
				LocalDeleted:  c.Deleted,
				RemoteDeleted: !exists && c.Base != 0,
			})
			continue
		}
		if c.Deleted && !exists {
			return nil, usageErrorf("%s cannot be deleted: it was never committed", filename)
		}
	}
	if len(conflicts) > 0 {
		s.logger.Info("commit rejected", "conflicts", len(conflicts))
		return nil, &ConflictError{Conflicts: conflicts}
	}

	clean, err := s.cleanWorkingCopies(ctx, changes, latest)
	if err != nil {
		return nil, err
	}

	versions := make(map[string]Version, len(changes))
	snapChanges := make([]SnapshotChange, 0, len(changes))
	for _, c := range changes {
		v := nextVersion(s.clock, latest[c.Filename])
		versions[c.Filename] = v
		snapChanges = append(snapChanges, SnapshotChange{
			Filename: c.Filename,
			Version:  v,
			Content:  c.Content,
			Deleted:  c.Deleted,
		})
	}

	// Clean working copies follow the commit; they are put back if the
	// snapshot commit fails.
	saved := workingCopies{}
	for _, c := range changes {
		if !clean[c.Filename] {
			continue
		}
		if err := saved.save(s.pkg.Files, c.Filename); err != nil {
			return nil, err
		}
		if c.Deleted {
			err = s.pkg.Files.Remove(c.Filename)
		} else {
			err = s.pkg.Files.Write(c.Filename, c.Content)
		}
		if err != nil {
			return nil, errors.Join(fmt.Errorf("updating working copy of %s: %w", c.Filename, err), saved.restore(s.pkg.Files))
		}
	}

	if err := s.pkg.Snapshots.Commit(ctx, snapChanges); err != nil {
		return nil, errors.Join(fmt.Errorf("committing snapshots: %w", err), saved.restore(s.pkg.Files))
	}

	s.logger.Info("changes committed", "files", len(snapChanges))
	return versions, nil
}

// cleanWorkingCopies returns the changed files whose working copy can follow
// the commit: no workspace entry and no edit in place since the latest
// snapshot (or, for new files, no working copy at all).
func (s *DPMService) cleanWorkingCopies(ctx context.Context, changes []Change, latest map[string]Version) (map[string]bool, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}
	clean := make(map[string]bool, len(changes))
	for _, c := range changes {
		if _, ok := ws[c.Filename]; ok {
			continue
		}
		if v, ok := latest[c.Filename]; ok {
			changed, err := s.changedInPlace(ctx, c.Filename, v)
			if err != nil {
				return nil, err
			}
			if changed {
				continue
			}
		} else if exists, err := s.pkg.Files.Exists(c.Filename); err != nil {
			return nil, fmt.Errorf("checking %s: %w", c.Filename, err)
		} else if exists {
			continue
		}
		clean[c.Filename] = true
	}
	return clean, nil
}

// CleanPath normalizes a user-supplied package path to its slash-separated,
// root-relative form and rejects paths that escape the package.
func CleanPath(p string) (string, error) {
	p = strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/")
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", usageErrorf("empty path")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", usageErrorf("%s is outside the package", p)
	}
	return cleaned, nil
}

// isInternalPath reports whether p lives in one of the package's own stores.
func isInternalPath(p string) bool {
	top, _, _ := strings.Cut(p, "/")
	switch top {
	case HistoryDir, TracksDir, BuildDir, StateDir, CRDir:
		return true
	}
	return false
}

func documentPath(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	if isInternalPath(cleaned) {
		return "", usageErrorf("%s is not a package document", cleaned)
	}
	return cleaned, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
