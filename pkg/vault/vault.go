// Package vault encrypts and decrypts user-submitted provider credentials.
// Keys are sealed with XChaCha20-Poly1305 under a subkey derived from a
// process-wide master key. The vault performs no I/O and never logs plaintext;
// without a master key every operation fails closed.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrNoMasterKey is returned when the vault was built without a master key.
	// There is no pass-through mode; decryption always fails closed.
	ErrNoMasterKey = errors.New("vault: master key not configured")

	// ErrDecryptFailed is returned when a ciphertext cannot be authenticated.
	ErrDecryptFailed = errors.New("vault: ciphertext authentication failed")
)

// keyInfo domain-separates the sealing subkey from other uses of the master key.
const keyInfo = "coinscribe/provider-keys/v1"

// Vault seals and opens provider credentials. Stateless and safe for
// concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New derives the sealing subkey from the master key and returns a ready
// vault. A nil or empty master key yields a non-functional vault whose
// operations all return ErrNoMasterKey.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) == 0 {
		return &Vault{}, nil
	}

	subkey := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, subkey); err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init failed: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Ready reports whether the vault has a usable master key.
func (v *Vault) Ready() bool {
	return v.aead != nil
}

// Encrypt seals a plaintext credential. The nonce is prepended to the
// returned ciphertext.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	if v.aead == nil {
		return nil, ErrNoMasterKey
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce generation failed: %w", err)
	}

	return v.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a sealed credential. Callers own the plaintext's lifetime;
// it must stay inside the execution context and never reach a log.
func (v *Vault) Decrypt(ciphertext []byte) (string, error) {
	if v.aead == nil {
		return "", ErrNoMasterKey
	}
	if len(ciphertext) < v.aead.NonceSize() {
		return "", ErrDecryptFailed
	}

	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}

	return string(plaintext), nil
}
