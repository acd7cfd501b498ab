package archive

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"dpm-go/internal/encryption"
)

func TestEncryptedArchive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := NewMemoryArchive()
	enc := encryption.NewTestEncryptor()
	dec, err := enc.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	a := NewEncryptedArchive(inner, enc, dec)

	if err := a.Put(ctx, "a.md", 10, []byte("secret")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	raw, err := inner.Get(ctx, "a.md", 10)
	if err != nil {
		t.Fatalf("inner Get() error = %v", err)
	}
	if bytes.Equal(raw, []byte("secret")) {
		t.Error("inner archive holds plaintext")
	}

	got, err := a.Get(ctx, "a.md", 10)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "secret" {
		t.Errorf("Get() = %q, want %q", got, "secret")
	}
}

func TestEncryptedArchive_Locked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewEncryptedArchive(NewMemoryArchive(), encryption.NewTestEncryptor(), nil)

	if err := a.Put(ctx, "a.md", 1, []byte("x")); err != nil {
		t.Fatalf("Put() without decryptor error = %v", err)
	}
	if _, err := a.Get(ctx, "a.md", 1); !errors.Is(err, ErrLocked) {
		t.Errorf("Get() error = %v, want ErrLocked", err)
	}
}
