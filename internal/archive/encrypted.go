package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"dpm-go/internal/dpm"
)

// ErrLocked is returned when reading an encrypted archive that was opened
// without a decryption context.
var ErrLocked = errors.New("archive is encrypted; set DPM_PASSPHRASE or run on a terminal to unlock it")

// EncryptedArchive encrypts blobs before handing them to an inner archive.
// Writing needs only the public key; reading needs an unlocked context.
type EncryptedArchive struct {
	inner     dpm.Archive
	encryptor dpm.Encryptor
	decryptor dpm.DecryptionContext
}

var _ dpm.Archive = (*EncryptedArchive)(nil)

// NewEncryptedArchive wraps inner. decryptor may be nil for write-only use.
func NewEncryptedArchive(inner dpm.Archive, encryptor dpm.Encryptor, decryptor dpm.DecryptionContext) *EncryptedArchive {
	return &EncryptedArchive{inner: inner, encryptor: encryptor, decryptor: decryptor}
}

func (a *EncryptedArchive) Put(ctx context.Context, filename string, version dpm.Version, data []byte) error {
	var buf bytes.Buffer
	if err := a.encryptor.Encrypt(bytes.NewReader(data), &buf); err != nil {
		return fmt.Errorf("encrypting %s: %w", filename, err)
	}
	return a.inner.Put(ctx, filename, version, buf.Bytes())
}

func (a *EncryptedArchive) Get(ctx context.Context, filename string, version dpm.Version) ([]byte, error) {
	if a.decryptor == nil {
		return nil, ErrLocked
	}
	data, err := a.inner.Get(ctx, filename, version)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := a.decryptor.Decrypt(bytes.NewReader(data), &buf); err != nil {
		return nil, &dpm.PackageError{Path: filename, Message: "decrypting archived version " + version.String(), Err: err}
	}
	return buf.Bytes(), nil
}
