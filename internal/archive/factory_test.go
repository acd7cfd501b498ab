package archive

import (
	"context"
	"fmt"
	"testing"

	"dpm-go/internal/config"
	"dpm-go/internal/encryption"
	"dpm-go/internal/fs"
)

func TestNewArchiveFromConfig(t *testing.T) {
	files, err := fs.NewPackageFS(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewPackageFS() error = %v", err)
	}
	enc := encryption.NewTestEncryptor()

	tests := []struct {
		name    string
		cfg     config.ArchiveConfig
		wantErr bool
		want    string
	}{
		{"default", config.ArchiveConfig{}, false, "*archive.PackageArchive"},
		{"package", config.ArchiveConfig{Type: "package"}, false, "*archive.PackageArchive"},
		{"memory", config.ArchiveConfig{Type: "memory"}, false, "*archive.MemoryArchive"},
		{"encrypted", config.ArchiveConfig{Type: "memory", Encrypted: true}, false, "*archive.EncryptedArchive"},
		{"s3 without bucket", config.ArchiveConfig{Type: "s3"}, true, ""},
		{"unknown", config.ArchiveConfig{Type: "tape"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewArchiveFromConfig(context.Background(), tt.cfg, files, enc, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewArchiveFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if typeName(got) != tt.want {
				t.Errorf("NewArchiveFromConfig() = %s, want %s", typeName(got), tt.want)
			}
		})
	}
}

func TestNewArchiveFromConfig_EncryptedNeedsEncryptor(t *testing.T) {
	_, err := NewArchiveFromConfig(context.Background(), config.ArchiveConfig{Type: "memory", Encrypted: true}, nil, nil, nil)
	if err == nil {
		t.Fatal("NewArchiveFromConfig() expected error without encryptor")
	}
}

func typeName(v any) string { return fmt.Sprintf("%T", v) }
