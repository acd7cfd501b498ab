package dpm_test

import (
	"context"
	"testing"

	"dpm-go/internal/dpm"
	"dpm-go/internal/testutil"
)

// newPackage creates a package with files committed at version 100.
func newPackage(t *testing.T, name string, files map[string]string) *testutil.TestPackage {
	t.Helper()
	pkg := testutil.NewTestPackage(name)
	if len(files) > 0 {
		pkg.Seed(t, 100, files)
	}
	return pkg
}

func crID(id int64) *int64 { return &id }

func strPtr(s string) *string { return &s }

func wantKind(t *testing.T, err error, kind dpm.ErrorKind) {
	t.Helper()
	if got := dpm.ErrorKindOf(err); got != kind {
		t.Fatalf("error = %v (kind %v), want kind %v", err, got, kind)
	}
}

func latest(t *testing.T, svc *dpm.DPMService) map[string]dpm.Version {
	t.Helper()
	l, err := svc.LatestSnapshots()
	if err != nil {
		t.Fatalf("LatestSnapshots() error = %v", err)
	}
	return l
}

func statusMap(t *testing.T, svc *dpm.DPMService) map[string]dpm.FileState {
	t.Helper()
	statuses, err := svc.Status(context.Background(), nil)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	m := make(map[string]dpm.FileState, len(statuses))
	for _, s := range statuses {
		m[s.Filename] = s.State
	}
	return m
}
