package encryption

import (
	"bytes"
	"testing"

	"dpm-go/internal/config"
)

func TestTestEncryptor(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	if err := e.Setup("pw"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	var encrypted bytes.Buffer
	if err := e.Encrypt(bytes.NewReader([]byte("body")), &encrypted); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !bytes.HasPrefix(encrypted.Bytes(), testHeader) {
		t.Errorf("ciphertext %q lacks header", encrypted.Bytes())
	}

	if _, err := e.Unlock("nope"); err == nil {
		t.Error("Unlock() with wrong passphrase should return error")
	}
	dec, err := e.Unlock("pw")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var plain bytes.Buffer
	if err := dec.Decrypt(&encrypted, &plain); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plain.String() != "body" {
		t.Errorf("Decrypt() = %q, want %q", plain.String(), "body")
	}
}

func TestTestDecryptionContext_RejectsPlaintext(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := (&TestDecryptionContext{}).Decrypt(bytes.NewReader([]byte("not encrypted")), &out); err == nil {
		t.Error("Decrypt() of plaintext should return error")
	}
}

func TestNewEncryptorFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EncryptionConfig
		wantErr bool
	}{
		{"age", config.EncryptionConfig{Type: "age", PublicKeyPath: "/k/dpm.pub", PrivateKeyPath: "/k/dpm.key"}, false},
		{"default is age", config.EncryptionConfig{PublicKeyPath: "/k/dpm.pub", PrivateKeyPath: "/k/dpm.key"}, false},
		{"age without key paths", config.EncryptionConfig{Type: "age"}, true},
		{"test", config.EncryptionConfig{Type: "test"}, false},
		{"unknown", config.EncryptionConfig{Type: "rot13"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewEncryptorFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptorFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Error("NewEncryptorFromConfig() returned nil encryptor")
			}
		})
	}
}
