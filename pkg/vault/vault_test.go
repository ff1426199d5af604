package vault

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New([]byte("test-master-key"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !v.Ready() {
		t.Fatal("vault with a master key must be ready")
	}

	ciphertext, err := v.Encrypt("cg-pro-abc123")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("cg-pro-abc123")) {
		t.Fatal("ciphertext must not contain the plaintext")
	}

	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if plaintext != "cg-pro-abc123" {
		t.Errorf("expected round trip, got %q", plaintext)
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	v, err := New([]byte("test-master-key"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	a, err := v.Encrypt("same-key")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := v.Encrypt("same-key")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("sealing the same plaintext twice must use distinct nonces")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v, err := New([]byte("test-master-key"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ciphertext, err := v.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0x01

	if _, err := v.Decrypt(ciphertext); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestDecryptRejectsWrongMasterKey(t *testing.T) {
	a, err := New([]byte("master-a"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New([]byte("master-b"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ciphertext, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := b.Decrypt(ciphertext); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestVaultFailsClosedWithoutMasterKey(t *testing.T) {
	v, err := New(nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if v.Ready() {
		t.Fatal("vault without a master key must not be ready")
	}

	if _, err := v.Encrypt("secret"); !errors.Is(err, ErrNoMasterKey) {
		t.Errorf("Encrypt: expected ErrNoMasterKey, got %v", err)
	}
	if _, err := v.Decrypt([]byte("anything")); !errors.Is(err, ErrNoMasterKey) {
		t.Errorf("Decrypt: expected ErrNoMasterKey, got %v", err)
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	v, err := New([]byte("test-master-key"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := v.Decrypt([]byte("short")); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("expected ErrDecryptFailed, got %v", err)
	}
}
