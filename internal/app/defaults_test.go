package app

import (
	"os"
	"path/filepath"
	"testing"

	"dpm-go/internal/config"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		root := t.TempDir()
		t.Setenv("DPM_ROOT", root)
		t.Setenv("DPM_HOME", "/custom/dpm")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["root"] != root {
			t.Errorf("root = %q, want %q", defaults["root"], root)
		}
		if defaults["base_dir"] != "/custom/dpm" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/dpm")
		}
		if defaults["log_dir"] != "/custom/dpm/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/dpm/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("DPM_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()
		wantBase := filepath.Join(homeDir, ".local", "share", "dpm")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}
		if defaults["log_dir"] != filepath.Join(wantBase, "log") {
			t.Errorf("log_dir = %q", defaults["log_dir"])
		}
	})
}

func TestFindPackageRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, config.FileName), []byte("[package]\nname = \"docs\"\n"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	nested := filepath.Join(root, "guide", "deep")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	got, err := FindPackageRoot(nested)
	if err != nil {
		t.Fatalf("FindPackageRoot() error = %v", err)
	}
	if got != root {
		t.Errorf("FindPackageRoot() = %q, want %q", got, root)
	}

	got, err = FindPackageRoot(t.TempDir())
	if err != nil {
		t.Fatalf("FindPackageRoot() error = %v", err)
	}
	if got != "" {
		t.Errorf("FindPackageRoot() outside a package = %q, want empty", got)
	}
}

func TestGetPassphrase_Env(t *testing.T) {
	t.Setenv("DPM_PASSPHRASE", "hunter2")
	got, err := GetPassphrase()
	if err != nil {
		t.Fatalf("GetPassphrase() error = %v", err)
	}
	if got != "hunter2" {
		t.Errorf("GetPassphrase() = %q", got)
	}
}
