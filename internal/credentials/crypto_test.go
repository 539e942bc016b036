package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := make([]byte, masterKeySize)
	for i := range key {
		key[i] = byte(i)
	}

	ciphertext, nonce, err := Encrypt([]byte("ghp_AAAA1111"), key)
	require.NoError(t, err)

	plaintext, err := Decrypt(ciphertext, nonce, key)
	require.NoError(t, err)
	require.Equal(t, "ghp_AAAA1111", string(plaintext))
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	key := make([]byte, masterKeySize)
	wrongKey := make([]byte, masterKeySize)
	wrongKey[0] = 1

	ciphertext, nonce, err := Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, nonce, wrongKey)
	require.Error(t, err)
}

func TestMasterKeyProvider_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	p1, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	require.Len(t, p1.Key(), masterKeySize)

	p2, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	require.Equal(t, p1.Key(), p2.Key())

	info, err := os.Stat(filepath.Join(dir, masterKeyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
