package database

import (
	"path/filepath"
	"testing"

	"dpm-go/internal/dpm"
)

// newTestDB creates a new in-memory database with schema applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	db, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func ptr[T any](v T) *T { return &v }

func TestSQLiteDatabase_Workspace(t *testing.T) {
	t.Run("empty workspace", func(t *testing.T) {
		db := newTestDB(t)

		ws, err := db.GetWorkspaceMap()
		if err != nil {
			t.Fatalf("GetWorkspaceMap() error = %v", err)
		}
		if len(ws) != 0 {
			t.Errorf("GetWorkspaceMap() = %v, want empty", ws)
		}
	})

	t.Run("write replaces the whole set", func(t *testing.T) {
		db := newTestDB(t)
		cr, err := db.CreateChangeRequest(nil)
		if err != nil {
			t.Fatalf("CreateChangeRequest() error = %v", err)
		}

		first := []*dpm.WorkspaceEntry{
			{Filename: "a.md"},
			{Filename: "b.md", Deleted: true, Version: dpm.VersionPtr(100)},
		}
		if err := db.WriteWorkspace(first); err != nil {
			t.Fatalf("WriteWorkspace() error = %v", err)
		}
		second := []*dpm.WorkspaceEntry{
			{Filename: "b.md", Version: dpm.VersionPtr(100), Conflicted: true},
			{Filename: dpm.CRPath(cr.ID, "c.md"), Version: dpm.VersionPtr(50), CR: ptr(cr.ID)},
		}
		if err := db.WriteWorkspace(second); err != nil {
			t.Fatalf("WriteWorkspace() error = %v", err)
		}

		ws, err := db.GetWorkspaceMap()
		if err != nil {
			t.Fatalf("GetWorkspaceMap() error = %v", err)
		}
		if len(ws) != 2 {
			t.Fatalf("GetWorkspaceMap() has %d entries, want 2", len(ws))
		}
		if _, ok := ws["a.md"]; ok {
			t.Error("a.md survived a wholesale rewrite")
		}
		b := ws["b.md"]
		if b == nil || b.Deleted || !b.Conflicted || b.Version == nil || *b.Version != 100 {
			t.Errorf("b.md = %+v", b)
		}
		c := ws[dpm.CRPath(cr.ID, "c.md")]
		if c == nil || c.CR == nil || *c.CR != cr.ID {
			t.Errorf("CR entry = %+v", c)
		}
		if ws["b.md"].CR != nil {
			t.Error("main entry has a CR")
		}
	})

	t.Run("failed write keeps previous set", func(t *testing.T) {
		db := newTestDB(t)

		if err := db.WriteWorkspace([]*dpm.WorkspaceEntry{{Filename: "a.md"}}); err != nil {
			t.Fatalf("WriteWorkspace() error = %v", err)
		}
		// Duplicate primary key fails half way through
		bad := []*dpm.WorkspaceEntry{{Filename: "x.md"}, {Filename: "x.md"}}
		if err := db.WriteWorkspace(bad); err == nil {
			t.Fatal("WriteWorkspace() expected error for duplicate filenames")
		}

		ws, err := db.GetWorkspaceMap()
		if err != nil {
			t.Fatalf("GetWorkspaceMap() error = %v", err)
		}
		if len(ws) != 1 || ws["a.md"] == nil {
			t.Errorf("GetWorkspaceMap() = %v, want only a.md", ws)
		}
	})
}

func TestSQLiteDatabase_ChangeRequests(t *testing.T) {
	db := newTestDB(t)

	first, err := db.CreateChangeRequest(ptr("Fix typos"))
	if err != nil {
		t.Fatalf("CreateChangeRequest() error = %v", err)
	}
	second, err := db.CreateChangeRequest(nil)
	if err != nil {
		t.Fatalf("CreateChangeRequest() error = %v", err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Errorf("IDs = %d, %d, want 1, 2", first.ID, second.ID)
	}

	if err := db.SetChangeRequestOpen(first.ID, false); err != nil {
		t.Fatalf("SetChangeRequestOpen() error = %v", err)
	}
	got, err := db.FindChangeRequest(first.ID)
	if err != nil {
		t.Fatalf("FindChangeRequest() error = %v", err)
	}
	if got == nil || got.Open || got.Title == nil || *got.Title != "Fix typos" {
		t.Errorf("FindChangeRequest() = %+v", got)
	}

	missing, err := db.FindChangeRequest(42)
	if err != nil || missing != nil {
		t.Errorf("FindChangeRequest(42) = %v, %v, want nil, nil", missing, err)
	}
	if err := db.SetChangeRequestOpen(42, false); dpm.ErrorKindOf(err) != dpm.KindNotFound {
		t.Errorf("SetChangeRequestOpen(42) error = %v, want NotFound", err)
	}

	all, err := db.ListChangeRequests()
	if err != nil {
		t.Fatalf("ListChangeRequests() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != 1 || !all[1].Open {
		t.Errorf("ListChangeRequests() = %+v", all)
	}
}

func TestSQLiteDatabase_RecordCRDeletion(t *testing.T) {
	db := newTestDB(t)
	cr, err := db.CreateChangeRequest(nil)
	if err != nil {
		t.Fatalf("CreateChangeRequest() error = %v", err)
	}
	marker := &dpm.WorkspaceEntry{Filename: dpm.CRDeletedMarkerPath(cr.ID), CR: ptr(cr.ID)}

	if err := db.RecordCRDeletion(cr.ID, dpm.CRDeleted{Filename: "a.md", Version: 100}, marker); err != nil {
		t.Fatalf("RecordCRDeletion() error = %v", err)
	}
	if err := db.RecordCRDeletion(cr.ID, dpm.CRDeleted{Filename: "b.md", Version: 200}, marker); err != nil {
		t.Fatalf("RecordCRDeletion() second file error = %v", err)
	}
	if err := db.RecordCRDeletion(cr.ID, dpm.CRDeleted{Filename: "a.md", Version: 300}, marker); err == nil {
		t.Error("RecordCRDeletion() expected error for file already in the ledger")
	}

	deleted, err := db.GetDeletedFiles(cr.ID)
	if err != nil {
		t.Fatalf("GetDeletedFiles() error = %v", err)
	}
	want := []dpm.CRDeleted{{Filename: "a.md", Version: 100}, {Filename: "b.md", Version: 200}}
	if len(deleted) != len(want) {
		t.Fatalf("GetDeletedFiles() = %v, want %v", deleted, want)
	}
	for i := range want {
		if deleted[i] != want[i] {
			t.Errorf("GetDeletedFiles()[%d] = %v, want %v", i, deleted[i], want[i])
		}
	}

	ws, err := db.GetWorkspaceMap()
	if err != nil {
		t.Fatalf("GetWorkspaceMap() error = %v", err)
	}
	if len(ws) != 1 || ws[marker.Filename] == nil {
		t.Errorf("GetWorkspaceMap() = %v, want only the marker entry", ws)
	}
}

func TestSQLiteDatabase_Operations(t *testing.T) {
	db := newTestDB(t)

	first, err := db.CreateOperation("sync", `["a.md"]`)
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	if err := db.FinishOperation(first.ID, "success"); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}
	if _, err := db.CreateOperation("add", `["b.md"]`); err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}

	ops, err := db.ListOperations(10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ListOperations() returned %d, want 2", len(ops))
	}
	if ops[0].Operation != "add" || ops[0].Status != "running" || ops[0].FinishedAt.Valid {
		t.Errorf("newest operation = %+v", ops[0])
	}
	if ops[1].Status != "success" || !ops[1].FinishedAt.Valid {
		t.Errorf("finished operation = %+v", ops[1])
	}

	limited, err := db.ListOperations(1)
	if err != nil {
		t.Fatalf("ListOperations(1) error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("ListOperations(1) returned %d", len(limited))
	}
}

func TestSQLiteDatabase_BackupTo(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.CreateChangeRequest(ptr("kept")); err != nil {
		t.Fatalf("CreateChangeRequest() error = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := db.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	restored, err := NewSQLiteDatabase(dest)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer restored.Close()
	if err := restored.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() on backup = %v", err)
	}
	cr, err := restored.FindChangeRequest(1)
	if err != nil || cr == nil {
		t.Errorf("FindChangeRequest(1) on backup = %v, %v", cr, err)
	}
}
