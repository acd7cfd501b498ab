package dpm

import (
	"bytes"
	"context"
	"fmt"
	"sort"
)

// FileState is the local state of a file relative to the latest snapshot.
type FileState int

const (
	StateUnchanged FileState = iota
	StateAdded
	StateModified
	StateDeleted
	StateConflicted
	StateUntracked
)

func (s FileState) String() string {
	switch s {
	case StateAdded:
		return "added"
	case StateModified:
		return "modified"
	case StateDeleted:
		return "deleted"
	case StateConflicted:
		return "conflicted"
	case StateUntracked:
		return "untracked"
	default:
		return "unchanged"
	}
}

// FileStatus is one line of `dpm status`.
type FileStatus struct {
	Filename string
	State    FileState
	Version  *Version
	CR       *int64
}

// pendingChange is a main-workspace change that a sync would push.
type pendingChange struct {
	Filename string
	Content  []byte
	Deleted  bool
	Entry    *WorkspaceEntry // nil for a committed file edited in place
}

func (s *DPMService) workspace() (map[string]*WorkspaceEntry, error) {
	ws, err := s.database.GetWorkspaceMap()
	if err != nil {
		return nil, fmt.Errorf("reading workspace: %w", err)
	}
	return ws, nil
}

func (s *DPMService) writeWorkspace(ws map[string]*WorkspaceEntry) error {
	entries := make([]*WorkspaceEntry, 0, len(ws))
	for _, k := range sortedKeys(ws) {
		entries = append(entries, ws[k])
	}
	if err := s.database.WriteWorkspace(entries); err != nil {
		return fmt.Errorf("writing workspace: %w", err)
	}
	return nil
}

// Add records file as a pending change. Without a CR the file is compared
// against the latest snapshot on the next sync; a committed file keeps its
// base version so the sync can detect remote edits. With a CR the file must
// already exist in the CR's workspace partition.
func (s *DPMService) Add(ctx context.Context, file string, cr *int64) error {
	file, err := documentPath(file)
	if err != nil {
		return err
	}

	ws, err := s.workspace()
	if err != nil {
		return err
	}

	if cr != nil {
		if _, err := s.openChangeRequest(*cr); err != nil {
			return err
		}
		key := CRPath(*cr, file)
		exists, err := s.pkg.Files.Exists(key)
		if err != nil {
			return fmt.Errorf("checking %s: %w", key, err)
		}
		if !exists {
			return usageErrorf("%s does not exist in CR#%d; use `dpm edit --cr %d %s` to start editing it", file, *cr, *cr, file)
		}
		if _, ok := ws[key]; ok {
			return nil
		}
		crID := *cr
		ws[key] = &WorkspaceEntry{Filename: key, CR: &crID}
		s.logger.Info("file added", "file", file, "cr", crID)
		return s.writeWorkspace(ws)
	}

	exists, err := s.pkg.Files.Exists(file)
	if err != nil {
		return fmt.Errorf("checking %s: %w", file, err)
	}
	if !exists {
		return &NotFoundError{Path: file}
	}
	if entry, ok := ws[file]; ok {
		if entry.Deleted {
			return usageErrorf("%s is marked for deletion; use `dpm revert %s` first", file, file)
		}
		// Already pending
		return nil
	}

	latest, err := s.LatestSnapshots()
	if err != nil {
		return err
	}
	entry := &WorkspaceEntry{Filename: file}
	if v, ok := latest[file]; ok {
		entry.Version = VersionPtr(v)
	}
	ws[file] = entry

	s.logger.Info("file added", "file", file)
	return s.writeWorkspace(ws)
}

// Remove marks file for deletion. Without a CR it must be a committed file
// that is not already deleted; the working copy is removed. With a CR the
// deletion goes into the CR's deleted-files ledger instead.
func (s *DPMService) Remove(ctx context.Context, file string, cr *int64) error {
	file, err := documentPath(file)
	if err != nil {
		return err
	}
	if cr != nil {
		return s.removeInCR(ctx, file, *cr)
	}

	ws, err := s.workspace()
	if err != nil {
		return err
	}
	latest, err := s.LatestSnapshots()
	if err != nil {
		return err
	}

	v, committed := latest[file]
	entry, pending := ws[file]
	if !committed || (pending && entry.Deleted) {
		return usageErrorf("%s doesn't exist in latest. If added in workspace use `dpm revert %s` instead", file, file)
	}

	if !pending {
		entry = &WorkspaceEntry{Filename: file, Version: VersionPtr(v)}
		ws[file] = entry
	}
	entry.SetDeleted()

	// A committed file missing from the tree already reads as a deletion,
	// so the working copy goes first.
	if err := s.pkg.Files.Remove(file); err != nil {
		return fmt.Errorf("removing %s: %w", file, err)
	}
	if err := s.writeWorkspace(ws); err != nil {
		return err
	}

	s.logger.Info("file removed", "file", file)
	return nil
}

// Revert discards the local change to file and restores the latest committed
// copy. A file that was never committed is removed from the working tree.
func (s *DPMService) Revert(ctx context.Context, file string, cr *int64) error {
	file, err := documentPath(file)
	if err != nil {
		return err
	}

	ws, err := s.workspace()
	if err != nil {
		return err
	}

	if cr != nil {
		key := CRPath(*cr, file)
		if _, ok := ws[key]; !ok {
			return usageErrorf("%s has no changes in CR#%d", file, *cr)
		}
		if err := s.pkg.Files.Remove(key); err != nil {
			return fmt.Errorf("removing %s: %w", key, err)
		}
		delete(ws, key)
		s.logger.Info("file reverted", "file", file, "cr", *cr)
		return s.writeWorkspace(ws)
	}

	latest, err := s.LatestSnapshots()
	if err != nil {
		return err
	}
	v, committed := latest[file]
	_, pending := ws[file]
	if !pending {
		changed := false
		if committed {
			if changed, err = s.changedInPlace(ctx, file, v); err != nil {
				return err
			}
		}
		if !changed {
			return usageErrorf("%s has no local changes to revert", file)
		}
	}

	if committed {
		data, err := s.pkg.Snapshots.ReadAt(ctx, file, v)
		if err != nil {
			return fmt.Errorf("reading %s at %s: %w", file, v, err)
		}
		if err := s.pkg.Files.Write(file, data); err != nil {
			return fmt.Errorf("restoring %s: %w", file, err)
		}
	} else if err := s.pkg.Files.Remove(file); err != nil {
		return fmt.Errorf("removing %s: %w", file, err)
	}

	s.logger.Info("file reverted", "file", file)
	if !pending {
		return nil
	}
	delete(ws, file)
	return s.writeWorkspace(ws)
}

// Status reports every file whose local state differs from the latest
// snapshot, plus CR workspace entries. With files given, only those are
// reported. Results are sorted by filename.
func (s *DPMService) Status(ctx context.Context, files []string) ([]*FileStatus, error) {
	filter := make(map[string]bool, len(files))
	for _, f := range files {
		cleaned, err := CleanPath(f)
		if err != nil {
			return nil, err
		}
		filter[cleaned] = true
	}

	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}
	latest, err := s.LatestSnapshots()
	if err != nil {
		return nil, err
	}
	working, err := s.pkg.Files.List()
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	candidates := make(map[string]bool, len(latest)+len(working))
	for f := range latest {
		candidates[f] = true
	}
	for _, f := range working {
		candidates[f] = true
	}
	for key, entry := range ws {
		if entry.IsMain() {
			candidates[key] = true
		}
	}

	var statuses []*FileStatus
	for _, f := range sortedKeys(candidates) {
		if len(filter) > 0 && !filter[f] {
			continue
		}
		st, err := s.fileState(ctx, f, ws[f], latest)
		if err != nil {
			return nil, err
		}
		if st.State != StateUnchanged {
			statuses = append(statuses, st)
		}
	}

	for key, entry := range ws {
		if entry.IsMain() {
			continue
		}
		_, name, _ := ParseCRPath(key)
		if len(filter) > 0 && !filter[name] && !filter[key] {
			continue
		}
		st := &FileStatus{Filename: key, State: StateAdded, Version: entry.Version, CR: entry.CR}
		if entry.Version != nil {
			st.State = StateModified
		}
		if entry.Deleted || key == CRDeletedMarkerPath(*entry.CR) {
			st.State = StateDeleted
		}
		statuses = append(statuses, st)
	}

	sort.SliceStable(statuses, func(i, j int) bool { return statuses[i].Filename < statuses[j].Filename })
	return statuses, nil
}

func (s *DPMService) fileState(ctx context.Context, file string, entry *WorkspaceEntry, latest map[string]Version) (*FileStatus, error) {
	st := &FileStatus{Filename: file}
	v, committed := latest[file]
	if committed {
		st.Version = VersionPtr(v)
	}

	switch {
	case entry != nil && entry.Conflicted:
		st.State = StateConflicted
		return st, nil
	case entry != nil && entry.Deleted:
		st.State = StateDeleted
		return st, nil
	case entry != nil && !committed:
		st.State = StateAdded
		return st, nil
	}

	exists, err := s.pkg.Files.Exists(file)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", file, err)
	}
	if !committed {
		st.State = StateUntracked
		return st, nil
	}
	if !exists {
		// Deleted without `dpm rm`
		st.State = StateDeleted
		return st, nil
	}

	modified, err := s.modifiedSince(ctx, file, v)
	if err != nil {
		return nil, err
	}
	if modified {
		st.State = StateModified
	}
	return st, nil
}

// changedInPlace reports whether a committed file was edited or removed
// without going through the workspace.
func (s *DPMService) changedInPlace(ctx context.Context, file string, v Version) (bool, error) {
	exists, err := s.pkg.Files.Exists(file)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", file, err)
	}
	if !exists {
		return true, nil
	}
	return s.modifiedSince(ctx, file, v)
}

func (s *DPMService) modifiedSince(ctx context.Context, file string, v Version) (bool, error) {
	current, err := s.pkg.Files.Read(file)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", file, err)
	}
	committed, err := s.pkg.Snapshots.ReadAt(ctx, file, v)
	if err != nil {
		return false, fmt.Errorf("reading %s at %s: %w", file, v, err)
	}
	return !bytes.Equal(current, committed), nil
}

// pendingChanges collects the main-workspace changes a sync would push:
// explicit workspace entries plus committed files edited or removed in
// place. With files given, only those are collected.
func (s *DPMService) pendingChanges(ctx context.Context, ws map[string]*WorkspaceEntry, latest map[string]Version, files []string) ([]*pendingChange, error) {
	filter := make(map[string]bool, len(files))
	for _, f := range files {
		cleaned, err := documentPath(f)
		if err != nil {
			return nil, err
		}
		filter[cleaned] = true
	}

	candidates := make(map[string]bool, len(latest)+len(ws))
	for f := range latest {
		candidates[f] = true
	}
	for key, entry := range ws {
		if entry.IsMain() {
			candidates[key] = true
		}
	}

	var changes []*pendingChange
	for _, f := range sortedKeys(candidates) {
		if len(filter) > 0 && !filter[f] {
			continue
		}
		entry := ws[f]
		v, committed := latest[f]

		if entry != nil && entry.Deleted {
			changes = append(changes, &pendingChange{Filename: f, Deleted: true, Entry: entry})
			continue
		}

		exists, err := s.pkg.Files.Exists(f)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", f, err)
		}
		if !exists {
			if committed {
				changes = append(changes, &pendingChange{Filename: f, Deleted: true, Entry: entry})
			}
			continue
		}

		if entry == nil {
			modified, err := s.modifiedSince(ctx, f, v)
			if err != nil {
				return nil, err
			}
			if !modified {
				continue
			}
		}

		content, err := s.pkg.Files.Read(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f, err)
		}
		changes = append(changes, &pendingChange{Filename: f, Content: content, Entry: entry})
	}
	return changes, nil
}
