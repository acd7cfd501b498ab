package dpm_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"dpm-go/internal/dpm"
)

func TestErrorKindOf(t *testing.T) {
	v := dpm.Version(5)
	tests := []struct {
		name string
		err  error
		want dpm.ErrorKind
	}{
		{"nil", nil, dpm.KindUnknown},
		{"plain", errors.New("disk on fire"), dpm.KindUnknown},
		{"not found", &dpm.NotFoundError{Path: "a.md", Version: &v}, dpm.KindNotFound},
		{"wrapped usage", fmt.Errorf("adding: %w", &dpm.UsageError{Message: "no"}), dpm.KindUsage},
		{"package", &dpm.PackageError{Path: ".history/.latest.ftd", Message: "bad header"}, dpm.KindPackage},
		{"conflict", fmt.Errorf("sync: %w", &dpm.ConflictError{}), dpm.KindConflict},
		{"package wrapping not found", &dpm.PackageError{Message: "x", Err: &dpm.NotFoundError{Path: "a"}}, dpm.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dpm.ErrorKindOf(tt.err); got != tt.want {
				t.Errorf("ErrorKindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorKind_String(t *testing.T) {
	want := map[dpm.ErrorKind]string{
		dpm.KindNotFound: "NotFound",
		dpm.KindUsage:    "UsageError",
		dpm.KindPackage:  "PackageError",
		dpm.KindConflict: "ConflictError",
		dpm.KindUnknown:  "Error",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("%d.String() = %q, want %q", int(k), k.String(), s)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	v := dpm.Version(5)
	if got := (&dpm.NotFoundError{Path: "a.md", Version: &v}).Error(); got != "a.md not found at version 5" {
		t.Errorf("NotFoundError = %q", got)
	}
	pe := &dpm.PackageError{Path: "x.ftd", Message: "bad", Err: errors.New("eof")}
	if got := pe.Error(); got != "x.ftd: bad: eof" {
		t.Errorf("PackageError = %q", got)
	}
	ce := &dpm.ConflictError{Conflicts: []dpm.Conflict{{Filename: "a.md", LocalVersion: 1, RemoteVersion: 2}}}
	if got := ce.Error(); !strings.Contains(got, "a.md (local 1, remote 2)") {
		t.Errorf("ConflictError = %q", got)
	}
}
