package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"dpm-go/internal/dpm"
)

// testHeader marks blobs written by TestEncryptor so tests can tell an
// encrypted archive entry from a plaintext one.
var testHeader = []byte("DPMENC\x00\x00")

// TestEncryptor is a deterministic stand-in for AgeEncryptor. Encryption
// prepends testHeader; Unlock only succeeds with the passphrase given to
// Setup (any passphrase if Setup was never called).
type TestEncryptor struct {
	mu         sync.Mutex
	passphrase string
}

var _ dpm.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.passphrase = passphrase
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (dpm.DecryptionContext, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.passphrase != "" && passphrase != e.passphrase {
		return nil, errors.New("wrong passphrase")
	}
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext strips the header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ dpm.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return errors.New("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
