package archive

import (
	"context"
	"fmt"

	"dpm-go/internal/config"
	"dpm-go/internal/dpm"
)

// NewArchiveFromConfig creates the archive backend selected by cfg.Type.
// For encrypted archives encryptor is required; decryptor may be nil when
// the caller only commits.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig, files dpm.ContentStore, encryptor dpm.Encryptor, decryptor dpm.DecryptionContext) (dpm.Archive, error) {
	var a dpm.Archive
	switch cfg.Type {
	case "package", "":
		a = NewPackageArchive(files)
	case "memory":
		a = NewMemoryArchive()
	case "s3":
		s3a, err := NewS3Archive(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a = s3a
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}

	if !cfg.Encrypted {
		return a, nil
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encrypted archive requires an encryptor")
	}
	return NewEncryptedArchive(a, encryptor, decryptor), nil
}
