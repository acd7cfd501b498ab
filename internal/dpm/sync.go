package dpm

import (
	"context"
	"errors"
	"fmt"
)

// SyncResult reports what a sync did.
type SyncResult struct {
	Committed map[string]Version // pushed local changes and their new versions
	Updated   []string           // files fast-forwarded from the remote
	Removed   []string           // files deleted on the remote and removed locally
	Conflicts []Conflict
}

// ResolveChoice selects how a conflicted file is settled.
type ResolveChoice int

const (
	ResolveOurs ResolveChoice = iota
	ResolveTheirs
	ResolveRevive
	ResolveDelete
	ResolvePrint
)

func (c ResolveChoice) String() string {
	switch c {
	case ResolveOurs:
		return "ours"
	case ResolveTheirs:
		return "theirs"
	case ResolveRevive:
		return "revive"
	case ResolveDelete:
		return "delete"
	case ResolvePrint:
		return "print"
	default:
		return fmt.Sprintf("ResolveChoice(%d)", int(c))
	}
}

// ParseResolveChoice parses the name of a conflict resolution.
func ParseResolveChoice(s string) (ResolveChoice, error) {
	for _, c := range []ResolveChoice{ResolveOurs, ResolveTheirs, ResolveRevive, ResolveDelete, ResolvePrint} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, usageErrorf("unknown resolution %q: use ours, theirs, revive, delete or print", s)
}

// Resolution is the outcome of ResolveConflict. Local and Remote are only
// populated for ResolvePrint; nil means that side has no copy.
type Resolution struct {
	Filename string
	Version  *Version // committed version after resolving, nil if the file is gone
	Local    []byte
	Remote   []byte
}

// Sync reconciles the main workspace with the remote. Every pending change
// whose base matches the remote's current version is pushed; every other
// one is flagged conflicted and left alone. Files changed only on the remote
// are fast-forwarded. When conflicts remain the partial result is returned
// together with a *ConflictError.
func (s *DPMService) Sync(ctx context.Context, files []string) (*SyncResult, error) {
	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}
	base, err := s.LatestSnapshots()
	if err != nil {
		return nil, err
	}
	manifest, err := s.remoteManifest(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.pendingChanges(ctx, ws, base, files)
	if err != nil {
		return nil, err
	}

	// Local changes outside the filter are left for a later sync, so they
	// must not be fast-forwarded over either.
	held := pending
	if len(files) > 0 {
		if held, err = s.pendingChanges(ctx, ws, base, nil); err != nil {
			return nil, err
		}
	}
	touched := make(map[string]bool, len(held))
	for _, p := range held {
		touched[p.Filename] = true
	}

	result := &SyncResult{Committed: map[string]Version{}}
	var changes []Change
	for _, p := range pending {
		local := base[p.Filename]
		remote, remoteExists := manifest[p.Filename]

		if local != remote.Version {
			result.Conflicts = append(result.Conflicts, Conflict{
				Filename:      p.Filename,
				LocalVersion:  local,
				RemoteVersion: remote.Version,
				LocalDeleted:  p.Deleted,
				RemoteDeleted: !remoteExists && local != 0,
			})
			entry := p.Entry
			if entry == nil {
				entry = &WorkspaceEntry{Filename: p.Filename, Version: VersionPtr(local)}
				ws[p.Filename] = entry
			}
			entry.Deleted = p.Deleted
			entry.Conflicted = true
			continue
		}
		if p.Deleted && local == 0 {
			// Added and removed again before any sync
			delete(ws, p.Filename)
			continue
		}
		changes = append(changes, Change{Filename: p.Filename, Base: local, Content: p.Content, Deleted: p.Deleted})
	}

	if len(changes) > 0 {
		versions, err := s.push(ctx, changes)
		if err != nil {
			return nil, err
		}
		for filename, v := range versions {
			result.Committed[filename] = v
			delete(ws, filename)
		}
	}

	if s.remote != nil {
		if err := s.fastForward(ctx, manifest, base, touched, ws, result); err != nil {
			return nil, err
		}
	}

	if err := s.writeWorkspace(ws); err != nil {
		return nil, err
	}

	s.logger.Info("sync complete",
		"committed", len(result.Committed),
		"updated", len(result.Updated),
		"removed", len(result.Removed),
		"conflicts", len(result.Conflicts))

	if len(result.Conflicts) > 0 {
		return result, &ConflictError{Conflicts: result.Conflicts}
	}
	return result, nil
}

// fastForward adopts remote changes to files with no local change. A file
// new on the remote that collides with an untracked local file is flagged
// conflicted instead. Working copies are written before the snapshot commit
// and restored if it fails.
func (s *DPMService) fastForward(ctx context.Context, manifest map[string]FileEdit, base map[string]Version, touched map[string]bool, ws map[string]*WorkspaceEntry, result *SyncResult) error {
	var adopt []SnapshotChange
	saved := workingCopies{}
	for _, filename := range sortedKeys(manifest) {
		remote := manifest[filename]
		if touched[filename] || isPending(ws, filename) {
			continue
		}
		local, ok := base[filename]
		if ok && local >= remote.Version {
			continue
		}
		if !ok {
			exists, err := s.pkg.Files.Exists(filename)
			if err != nil {
				return fmt.Errorf("checking %s: %w", filename, err)
			}
			if exists {
				result.Conflicts = append(result.Conflicts, Conflict{Filename: filename, RemoteVersion: remote.Version})
				ws[filename] = &WorkspaceEntry{Filename: filename, Conflicted: true}
				continue
			}
		}
		content, err := s.remote.Fetch(ctx, filename, remote.Version)
		if err != nil {
			return fmt.Errorf("fetching %s at %s: %w", filename, remote.Version, err)
		}
		if err := saved.save(s.pkg.Files, filename); err != nil {
			return err
		}
		if err := s.pkg.Files.Write(filename, content); err != nil {
			return errors.Join(fmt.Errorf("writing %s: %w", filename, err), saved.restore(s.pkg.Files))
		}
		adopt = append(adopt, SnapshotChange{Filename: filename, Version: remote.Version, Content: content})
		result.Updated = append(result.Updated, filename)
	}

	for _, filename := range sortedKeys(base) {
		if _, ok := manifest[filename]; ok || touched[filename] || isPending(ws, filename) {
			continue
		}
		if err := saved.save(s.pkg.Files, filename); err != nil {
			return err
		}
		if err := s.pkg.Files.Remove(filename); err != nil {
			return errors.Join(fmt.Errorf("removing %s: %w", filename, err), saved.restore(s.pkg.Files))
		}
		adopt = append(adopt, SnapshotChange{Filename: filename, Version: nextVersion(s.clock, base[filename]), Deleted: true})
		result.Removed = append(result.Removed, filename)
	}

	if len(adopt) == 0 {
		return nil
	}
	if err := s.pkg.Snapshots.Commit(ctx, adopt); err != nil {
		return errors.Join(fmt.Errorf("adopting remote changes: %w", err), saved.restore(s.pkg.Files))
	}
	return nil
}

// workingCopies remembers working-tree contents so a failed snapshot commit
// can put them back. A nil entry means the file did not exist.
type workingCopies map[string][]byte

func (w workingCopies) save(files ContentStore, filename string) error {
	if _, ok := w[filename]; ok {
		return nil
	}
	exists, err := files.Exists(filename)
	if err != nil {
		return fmt.Errorf("checking %s: %w", filename, err)
	}
	if !exists {
		w[filename] = nil
		return nil
	}
	data, err := files.Read(filename)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filename, err)
	}
	if data == nil {
		data = []byte{}
	}
	w[filename] = data
	return nil
}

func (w workingCopies) restore(files ContentStore) error {
	var errs []error
	for _, filename := range sortedKeys(w) {
		var err error
		if data := w[filename]; data == nil {
			err = files.Remove(filename)
		} else {
			err = files.Write(filename, data)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", filename, err))
		}
	}
	return errors.Join(errs...)
}

// ResolveConflict settles one conflicted file by whole-file choice and
// clears its workspace entry. ResolvePrint only reads.
func (s *DPMService) ResolveConflict(ctx context.Context, file string, choice ResolveChoice) (*Resolution, error) {
	file, err := documentPath(file)
	if err != nil {
		return nil, err
	}

	ws, err := s.workspace()
	if err != nil {
		return nil, err
	}
	entry, ok := ws[file]
	if !ok || !entry.Conflicted {
		return nil, usageErrorf("%s is not in conflict", file)
	}

	manifest, err := s.remoteManifest(ctx)
	if err != nil {
		return nil, err
	}
	remote, remoteExists := manifest[file]

	var local []byte
	localExists := false
	if !entry.Deleted {
		if localExists, err = s.pkg.Files.Exists(file); err != nil {
			return nil, fmt.Errorf("checking %s: %w", file, err)
		}
		if localExists {
			if local, err = s.pkg.Files.Read(file); err != nil {
				return nil, fmt.Errorf("reading %s: %w", file, err)
			}
		}
	}

	res := &Resolution{Filename: file}
	switch choice {
	case ResolvePrint:
		res.Local = local
		if remoteExists {
			if res.Remote, err = s.fetch(ctx, file, remote.Version); err != nil {
				return nil, err
			}
		}
		return res, nil

	case ResolveOurs:
		if !localExists && !remoteExists {
			err = s.acceptRemoteDeletion(ctx, file)
			break
		}
		res.Version, err = s.pushOne(ctx, Change{Filename: file, Base: remote.Version, Content: local, Deleted: !localExists})

	case ResolveTheirs:
		res.Version, err = s.acceptRemote(ctx, file, remote, remoteExists)

	case ResolveRevive:
		switch {
		case !localExists && remoteExists:
			res.Version, err = s.acceptRemote(ctx, file, remote, remoteExists)
		case localExists && !remoteExists:
			res.Version, err = s.pushOne(ctx, Change{Filename: file, Content: local})
		default:
			return nil, usageErrorf("revive applies only when %s was deleted on one side", file)
		}

	case ResolveDelete:
		switch {
		case !localExists && remoteExists:
			_, err = s.pushOne(ctx, Change{Filename: file, Base: remote.Version, Deleted: true})
		case localExists && !remoteExists:
			err = s.acceptRemoteDeletion(ctx, file)
		default:
			return nil, usageErrorf("delete applies only when %s was deleted on one side", file)
		}

	default:
		return nil, usageErrorf("unknown resolution %s", choice)
	}
	if err != nil {
		return nil, err
	}

	delete(ws, file)
	if err := s.writeWorkspace(ws); err != nil {
		return nil, err
	}

	s.logger.Info("conflict resolved", "file", file, "choice", choice.String())
	return res, nil
}

// acceptRemote replaces the working copy and local snapshot with the remote's.
func (s *DPMService) acceptRemote(ctx context.Context, file string, remote FileEdit, remoteExists bool) (*Version, error) {
	if !remoteExists {
		return nil, s.acceptRemoteDeletion(ctx, file)
	}
	content, err := s.fetch(ctx, file, remote.Version)
	if err != nil {
		return nil, err
	}
	if err := s.pkg.Files.Write(file, content); err != nil {
		return nil, fmt.Errorf("writing %s: %w", file, err)
	}
	if s.remote != nil {
		change := SnapshotChange{Filename: file, Version: remote.Version, Content: content}
		if err := s.pkg.Snapshots.Commit(ctx, []SnapshotChange{change}); err != nil {
			return nil, fmt.Errorf("adopting %s: %w", file, err)
		}
	}
	return VersionPtr(remote.Version), nil
}

func (s *DPMService) acceptRemoteDeletion(ctx context.Context, file string) error {
	if err := s.pkg.Files.Remove(file); err != nil {
		return fmt.Errorf("removing %s: %w", file, err)
	}
	latest, err := s.LatestSnapshots()
	if err != nil {
		return err
	}
	v, ok := latest[file]
	if !ok {
		return nil
	}
	change := SnapshotChange{Filename: file, Version: nextVersion(s.clock, v), Deleted: true}
	if err := s.pkg.Snapshots.Commit(ctx, []SnapshotChange{change}); err != nil {
		return fmt.Errorf("adopting deletion of %s: %w", file, err)
	}
	return nil
}

func (s *DPMService) pushOne(ctx context.Context, change Change) (*Version, error) {
	versions, err := s.push(ctx, []Change{change})
	if err != nil {
		return nil, err
	}
	if change.Deleted {
		return nil, nil
	}
	v := versions[change.Filename]
	return &v, nil
}

// push sends changes to the snapshot owner and, for a separate remote,
// adopts the assigned versions into the local snapshot store.
func (s *DPMService) push(ctx context.Context, changes []Change) (map[string]Version, error) {
	if s.remote == nil {
		return s.Commit(ctx, changes)
	}

	versions, err := s.remote.Commit(ctx, changes)
	if err != nil {
		return nil, fmt.Errorf("committing to remote: %w", err)
	}

	adopt := make([]SnapshotChange, 0, len(changes))
	for _, c := range changes {
		v, ok := versions[c.Filename]
		if !ok {
			return nil, &PackageError{Path: c.Filename, Message: "remote did not return a version"}
		}
		adopt = append(adopt, SnapshotChange{Filename: c.Filename, Version: v, Content: c.Content, Deleted: c.Deleted})
	}
	if err := s.pkg.Snapshots.Commit(ctx, adopt); err != nil {
		return nil, fmt.Errorf("adopting committed versions: %w", err)
	}
	return versions, nil
}

// remoteManifest returns the remote's manifest, or the package's own latest
// snapshots when no remote is configured.
func (s *DPMService) remoteManifest(ctx context.Context) (map[string]FileEdit, error) {
	if s.remote == nil {
		return s.Manifest(ctx)
	}
	manifest, err := s.remote.Manifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading remote manifest: %w", err)
	}
	return manifest, nil
}

func (s *DPMService) fetch(ctx context.Context, file string, v Version) ([]byte, error) {
	if s.remote == nil {
		return s.ReadAt(ctx, file, v)
	}
	data, err := s.remote.Fetch(ctx, file, v)
	if err != nil {
		return nil, fmt.Errorf("fetching %s at %s: %w", file, v, err)
	}
	return data, nil
}

func isPending(ws map[string]*WorkspaceEntry, filename string) bool {
	_, ok := ws[filename]
	return ok
}
