package dpm_test

import (
	"context"
	"errors"
	"testing"

	"dpm-go/internal/dpm"
	"dpm-go/internal/remote"
	"dpm-go/internal/testutil"
)

// syncFixture is a server package and a clone syncing against it. Both start
// with the same files at version 100; the server commits at 1000 and later.
type syncFixture struct {
	server    *testutil.TestPackage
	serverSvc *dpm.DPMService
	clone     *testutil.TestPackage
	cloneSvc  *dpm.DPMService
}

func newSyncFixture(t *testing.T, files map[string]string) *syncFixture {
	t.Helper()
	f := &syncFixture{
		server: newPackage(t, "docs", files),
		clone:  newPackage(t, "docs", files),
	}
	f.serverSvc = testutil.NewTestService(t, f.server, testutil.ServiceOptions{Clock: testutil.VersionClock(1000)})
	f.cloneSvc = testutil.NewTestService(t, f.clone, testutil.ServiceOptions{
		Remote: remote.NewDirect(f.serverSvc),
		Clock:  testutil.VersionClock(500),
	})
	return f
}

// otherClient commits straight to the server, as another clone would.
func (f *syncFixture) otherClient(t *testing.T, changes ...dpm.Change) {
	t.Helper()
	if _, err := f.serverSvc.Commit(context.Background(), changes); err != nil {
		t.Fatalf("server Commit() error = %v", err)
	}
}

func TestSync_PushesLocalChanges(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, map[string]string{"a.md": "A", "b.md": "B"})

	f.clone.FS.AddFile("a.md", "A2")
	f.clone.FS.AddFile("n.md", "N")
	if err := f.cloneSvc.Add(ctx, "n.md", nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := f.cloneSvc.Remove(ctx, "b.md", nil); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	result, err := f.cloneSvc.Sync(ctx, nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(result.Committed) != 3 || result.Committed["a.md"] != 1000 {
		t.Errorf("Committed = %v", result.Committed)
	}

	serverLatest := latest(t, f.serverSvc)
	cloneLatest := latest(t, f.cloneSvc)
	if serverLatest["a.md"] != 1000 || serverLatest["n.md"] != 1000 {
		t.Errorf("server latest = %v", serverLatest)
	}
	if _, ok := serverLatest["b.md"]; ok {
		t.Error("deletion of b.md did not reach the server")
	}
	if len(cloneLatest) != len(serverLatest) || cloneLatest["a.md"] != 1000 {
		t.Errorf("clone latest = %v, want %v", cloneLatest, serverLatest)
	}
	if got, _ := f.serverSvc.ReadAt(ctx, "a.md", 1000); string(got) != "A2" {
		t.Errorf("server a.md@1000 = %q", got)
	}
	if st := statusMap(t, f.cloneSvc); len(st) != 0 {
		t.Errorf("clone status after sync = %v, want clean", st)
	}
}

// A change based on a version the remote has moved past is never pushed.
func TestSync_DetectsConflicts(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, map[string]string{"a.md": "A", "b.md": "B"})

	f.otherClient(t, dpm.Change{Filename: "a.md", Base: 100, Content: []byte("theirs")})
	f.clone.FS.AddFile("a.md", "mine")
	f.clone.FS.AddFile("b.md", "B2")

	result, err := f.cloneSvc.Sync(ctx, nil)
	wantKind(t, err, dpm.KindConflict)
	if result == nil {
		t.Fatal("Sync() returned no partial result")
	}

	var ce *dpm.ConflictError
	if !errors.As(err, &ce) || len(ce.Conflicts) != 1 {
		t.Fatalf("Sync() error = %v", err)
	}
	want := dpm.Conflict{Filename: "a.md", LocalVersion: 100, RemoteVersion: 1000}
	if ce.Conflicts[0] != want {
		t.Errorf("conflict = %+v, want %+v", ce.Conflicts[0], want)
	}

	// b.md did not conflict and went through
	if result.Committed["b.md"] == 0 {
		t.Errorf("Committed = %v, want b.md", result.Committed)
	}
	if got := latest(t, f.cloneSvc)["a.md"]; got != 100 {
		t.Errorf("clone a.md version = %d, conflicted snapshot must not move", got)
	}
	if got, _ := f.serverSvc.ReadAt(ctx, "a.md", 1000); string(got) != "theirs" {
		t.Errorf("server a.md = %q, conflicting push was applied", got)
	}
	if got := statusMap(t, f.cloneSvc)["a.md"]; got != dpm.StateConflicted {
		t.Errorf("status of a.md = %v, want conflicted", got)
	}

	// Syncing again reports the same conflict
	if _, err := f.cloneSvc.Sync(ctx, nil); dpm.ErrorKindOf(err) != dpm.KindConflict {
		t.Errorf("second Sync() error = %v, want conflict", err)
	}
}

func TestResolveConflict(t *testing.T) {
	ctx := context.Background()

	conflicted := func(t *testing.T) *syncFixture {
		f := newSyncFixture(t, map[string]string{"a.md": "A"})
		f.otherClient(t, dpm.Change{Filename: "a.md", Base: 100, Content: []byte("theirs")})
		f.clone.FS.AddFile("a.md", "mine")
		if _, err := f.cloneSvc.Sync(ctx, nil); dpm.ErrorKindOf(err) != dpm.KindConflict {
			t.Fatalf("Sync() error = %v, want conflict", err)
		}
		return f
	}

	t.Run("print", func(t *testing.T) {
		f := conflicted(t)
		res, err := f.cloneSvc.ResolveConflict(ctx, "a.md", dpm.ResolvePrint)
		if err != nil {
			t.Fatalf("ResolveConflict() error = %v", err)
		}
		if string(res.Local) != "mine" || string(res.Remote) != "theirs" {
			t.Errorf("print = %q / %q", res.Local, res.Remote)
		}
		if got := statusMap(t, f.cloneSvc)["a.md"]; got != dpm.StateConflicted {
			t.Errorf("print changed status to %v", got)
		}
	})

	t.Run("ours", func(t *testing.T) {
		f := conflicted(t)
		res, err := f.cloneSvc.ResolveConflict(ctx, "a.md", dpm.ResolveOurs)
		if err != nil {
			t.Fatalf("ResolveConflict() error = %v", err)
		}
		if res.Version == nil || *res.Version != 1001 {
			t.Errorf("Version = %v, want 1001", res.Version)
		}
		if got, _ := f.serverSvc.ReadAt(ctx, "a.md", 1001); string(got) != "mine" {
			t.Errorf("server a.md = %q, want ours", got)
		}
		if st := statusMap(t, f.cloneSvc); len(st) != 0 {
			t.Errorf("status after resolve = %v", st)
		}
	})

	t.Run("theirs", func(t *testing.T) {
		f := conflicted(t)
		if _, err := f.cloneSvc.ResolveConflict(ctx, "a.md", dpm.ResolveTheirs); err != nil {
			t.Fatalf("ResolveConflict() error = %v", err)
		}
		if got := f.clone.FS.Content("a.md"); got != "theirs" {
			t.Errorf("working copy = %q, want theirs", got)
		}
		if got := latest(t, f.cloneSvc)["a.md"]; got != 1000 {
			t.Errorf("clone version = %d, want 1000", got)
		}
		if st := statusMap(t, f.cloneSvc); len(st) != 0 {
			t.Errorf("status after resolve = %v", st)
		}
	})

	t.Run("revive needs a deletion", func(t *testing.T) {
		f := conflicted(t)
		_, err := f.cloneSvc.ResolveConflict(ctx, "a.md", dpm.ResolveRevive)
		wantKind(t, err, dpm.KindUsage)
		_, err = f.cloneSvc.ResolveConflict(ctx, "a.md", dpm.ResolveDelete)
		wantKind(t, err, dpm.KindUsage)
	})

	t.Run("not conflicted", func(t *testing.T) {
		f := newSyncFixture(t, map[string]string{"a.md": "A"})
		_, err := f.cloneSvc.ResolveConflict(ctx, "a.md", dpm.ResolveOurs)
		wantKind(t, err, dpm.KindUsage)
	})
}

func TestResolveConflict_RemoteDeleted(t *testing.T) {
	ctx := context.Background()

	deletedRemotely := func(t *testing.T) *syncFixture {
		f := newSyncFixture(t, map[string]string{"a.md": "A"})
		f.otherClient(t, dpm.Change{Filename: "a.md", Base: 100, Deleted: true})
		f.clone.FS.AddFile("a.md", "still needed")
		_, err := f.cloneSvc.Sync(ctx, nil)
		var ce *dpm.ConflictError
		if !errors.As(err, &ce) || !ce.Conflicts[0].RemoteDeleted {
			t.Fatalf("Sync() error = %v, want remote-deleted conflict", err)
		}
		return f
	}

	t.Run("revive", func(t *testing.T) {
		f := deletedRemotely(t)
		res, err := f.cloneSvc.ResolveConflict(ctx, "a.md", dpm.ResolveRevive)
		if err != nil {
			t.Fatalf("ResolveConflict() error = %v", err)
		}
		if res.Version == nil {
			t.Fatal("revive did not commit")
		}
		if got, _ := f.serverSvc.ReadAt(ctx, "a.md", *res.Version); string(got) != "still needed" {
			t.Errorf("server a.md = %q", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		f := deletedRemotely(t)
		if _, err := f.cloneSvc.ResolveConflict(ctx, "a.md", dpm.ResolveDelete); err != nil {
			t.Fatalf("ResolveConflict() error = %v", err)
		}
		if ok, _ := f.clone.FS.Exists("a.md"); ok {
			t.Error("delete kept the working copy")
		}
		if _, ok := latest(t, f.cloneSvc)["a.md"]; ok {
			t.Error("delete kept a.md in the clone's latest")
		}
		if st := statusMap(t, f.cloneSvc); len(st) != 0 {
			t.Errorf("status after resolve = %v", st)
		}
	})
}

func TestSync_FastForward(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, map[string]string{"a.md": "A", "b.md": "B"})

	f.otherClient(t,
		dpm.Change{Filename: "a.md", Base: 100, Deleted: true},
		dpm.Change{Filename: "b.md", Base: 100, Content: []byte("B2")},
		dpm.Change{Filename: "c.md", Content: []byte("C")},
	)

	result, err := f.cloneSvc.Sync(ctx, nil)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(result.Updated) != 2 || result.Updated[0] != "b.md" || result.Updated[1] != "c.md" {
		t.Errorf("Updated = %v", result.Updated)
	}
	if len(result.Removed) != 1 || result.Removed[0] != "a.md" {
		t.Errorf("Removed = %v", result.Removed)
	}
	if f.clone.FS.Content("b.md") != "B2" || f.clone.FS.Content("c.md") != "C" {
		t.Error("working copies were not fast-forwarded")
	}
	if ok, _ := f.clone.FS.Exists("a.md"); ok {
		t.Error("a.md deleted remotely is still in the working tree")
	}
	if st := statusMap(t, f.cloneSvc); len(st) != 0 {
		t.Errorf("status after fast-forward = %v", st)
	}
}

// A sync limited to some files leaves every other local edit alone, even
// when the remote moved that file too.
func TestSync_FilteredKeepsOtherLocalEdits(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, map[string]string{"a.md": "A", "b.md": "B"})

	f.clone.FS.AddFile("b.md", "mine")
	f.otherClient(t, dpm.Change{Filename: "b.md", Base: 100, Content: []byte("theirs")})

	result, err := f.cloneSvc.Sync(ctx, []string{"a.md"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(result.Updated) != 0 {
		t.Errorf("Updated = %v, want none", result.Updated)
	}
	if got := f.clone.FS.Content("b.md"); got != "mine" {
		t.Errorf("clone b.md = %q, local edit was overwritten", got)
	}
	if got := latest(t, f.cloneSvc)["b.md"]; got != 100 {
		t.Errorf("clone b.md version = %d, want 100", got)
	}
	if got := statusMap(t, f.cloneSvc)["b.md"]; got != dpm.StateModified {
		t.Errorf("status of b.md = %v, want modified", got)
	}

	// The full sync then reports it
	_, err = f.cloneSvc.Sync(ctx, nil)
	var ce *dpm.ConflictError
	if !errors.As(err, &ce) || len(ce.Conflicts) != 1 || ce.Conflicts[0].Filename != "b.md" {
		t.Fatalf("Sync() error = %v, want conflict on b.md", err)
	}
}

// A file added on the remote never replaces an untracked local file.
func TestSync_RemoteAddCollidesWithUntracked(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, map[string]string{"a.md": "A"})

	f.otherClient(t, dpm.Change{Filename: "n.md", Content: []byte("theirs")})
	f.clone.FS.AddFile("n.md", "mine")

	result, err := f.cloneSvc.Sync(ctx, nil)
	var ce *dpm.ConflictError
	if !errors.As(err, &ce) || len(ce.Conflicts) != 1 {
		t.Fatalf("Sync() error = %v, want one conflict", err)
	}
	want := dpm.Conflict{Filename: "n.md", RemoteVersion: 1000}
	if ce.Conflicts[0] != want {
		t.Errorf("conflict = %+v, want %+v", ce.Conflicts[0], want)
	}
	if len(result.Updated) != 0 {
		t.Errorf("Updated = %v, want none", result.Updated)
	}
	if got := f.clone.FS.Content("n.md"); got != "mine" {
		t.Errorf("clone n.md = %q, untracked file was overwritten", got)
	}
	if got := statusMap(t, f.cloneSvc)["n.md"]; got != dpm.StateConflicted {
		t.Errorf("status of n.md = %v, want conflicted", got)
	}

	res, err := f.cloneSvc.ResolveConflict(ctx, "n.md", dpm.ResolveTheirs)
	if err != nil {
		t.Fatalf("ResolveConflict() error = %v", err)
	}
	if res.Version == nil || *res.Version != 1000 {
		t.Errorf("resolved version = %v, want 1000", res.Version)
	}
	if got := f.clone.FS.Content("n.md"); got != "theirs" {
		t.Errorf("clone n.md = %q, want theirs", got)
	}
	if st := statusMap(t, f.cloneSvc); len(st) != 0 {
		t.Errorf("status after resolve = %v", st)
	}
}

// failingSnapshots rejects every commit.
type failingSnapshots struct {
	dpm.SnapshotStore
}

func (failingSnapshots) Commit(ctx context.Context, changes []dpm.SnapshotChange) error {
	return errors.New("archive unavailable")
}

func TestSync_FastForwardRestoresWorkingCopies(t *testing.T) {
	ctx := context.Background()
	f := newSyncFixture(t, map[string]string{"a.md": "A", "b.md": "B"})

	f.otherClient(t,
		dpm.Change{Filename: "a.md", Base: 100, Deleted: true},
		dpm.Change{Filename: "b.md", Base: 100, Content: []byte("B2")},
		dpm.Change{Filename: "c.md", Content: []byte("C")},
	)
	f.clone.Snapshots = failingSnapshots{f.clone.Snapshots}

	if _, err := f.cloneSvc.Sync(ctx, nil); err == nil {
		t.Fatal("Sync() expected error when the snapshot commit fails")
	}
	if got := f.clone.FS.Content("a.md"); got != "A" {
		t.Errorf("clone a.md = %q, want it restored", got)
	}
	if got := f.clone.FS.Content("b.md"); got != "B" {
		t.Errorf("clone b.md = %q, want B", got)
	}
	if ok, _ := f.clone.FS.Exists("c.md"); ok {
		t.Error("c.md was left in the working tree")
	}
	if st := statusMap(t, f.cloneSvc); len(st) != 0 {
		t.Errorf("status after failed sync = %v, want clean", st)
	}
}

func TestSync_Standalone(t *testing.T) {
	ctx := context.Background()
	pkg := newPackage(t, "docs", map[string]string{"a.md": "A"})
	svc := testutil.NewTestService(t, pkg, testutil.ServiceOptions{Clock: testutil.VersionClock(300)})

	pkg.FS.AddFile("n.md", "N")
	if err := svc.Add(ctx, "n.md", nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	pkg.FS.AddFile("a.md", "A2")

	result, err := svc.Sync(ctx, []string{"n.md"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(result.Committed) != 1 || result.Committed["n.md"] != 300 {
		t.Errorf("Committed = %v, want only n.md", result.Committed)
	}
	if got := statusMap(t, svc)["a.md"]; got != dpm.StateModified {
		t.Errorf("a.md status = %v, unselected file must stay pending", got)
	}
}

func TestParseResolveChoice(t *testing.T) {
	for _, c := range []dpm.ResolveChoice{dpm.ResolveOurs, dpm.ResolveTheirs, dpm.ResolveRevive, dpm.ResolveDelete, dpm.ResolvePrint} {
		got, err := dpm.ParseResolveChoice(c.String())
		if err != nil || got != c {
			t.Errorf("ParseResolveChoice(%q) = %v, %v", c.String(), got, err)
		}
	}
	_, err := dpm.ParseResolveChoice("mine")
	wantKind(t, err, dpm.KindUsage)
}
