// Package credentials implements the Credential Store: encrypted per-user
// secrets (agent API keys, host access tokens, connector environment blobs)
// decrypted only transiently inside the Executor.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	masterKeyFile = "master.key"
	masterKeySize = 32 // AES-256
)

// MasterKeyProvider owns the process-wide AES-256 key the Credential Store
// decrypts rows with. The key lives at <dir>/master.key; a missing file, or
// one that is not exactly 32 bytes, is treated as first run and a fresh key is generated and
// written in its place.
type MasterKeyProvider struct {
	path string
	key  []byte
}

// NewMasterKeyProvider loads the master key under dir, generating one on
// first run.
func NewMasterKeyProvider(dir string) (*MasterKeyProvider, error) {
	path := filepath.Join(dir, masterKeyFile)
	key, err := readOrCreateKey(path)
	if err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return &MasterKeyProvider{path: path, key: key}, nil
}

// Key returns the master key bytes.
func (p *MasterKeyProvider) Key() []byte {
	return p.key
}

// readOrCreateKey returns the key already at path, or generates one,
// persists it, and returns that instead if the file is absent or not
// exactly masterKeySize bytes.
func readOrCreateKey(path string) ([]byte, error) {
	if existing, err := os.ReadFile(path); err == nil && len(existing) == masterKeySize {
		return existing, nil
	}

	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}

// gcmCipher builds the AES-256-GCM AEAD for key, the one piece of setup
// both Encrypt and Decrypt need.
func gcmCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under key with a freshly generated nonce.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := gcmCipher(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext under key using nonce. It fails if the key is
// wrong or either input has been tampered with.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	gcm, err := gcmCipher(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
