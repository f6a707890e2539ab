package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openKeyStore(t *testing.T, dir, passphrase string) *EncryptedKeyStore {
	t.Helper()
	ks, err := NewEncryptedKeyStore(dir, []byte(passphrase))
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestNewEncryptedKeyStore(t *testing.T) {
	dir := t.TempDir()
	openKeyStore(t, dir, "test-password-123")

	salt, err := os.ReadFile(filepath.Join(dir, saltFileName))
	require.NoError(t, err)
	assert.Len(t, salt, SaltSize)
	assert.FileExists(t, filepath.Join(dir, checkFileName))

	_, err = NewEncryptedKeyStore(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestEncryptedKeyStorePassphraseIsWiped(t *testing.T) {
	passphrase := []byte("wipe me")
	ks, err := NewEncryptedKeyStore(t.TempDir(), passphrase)
	require.NoError(t, err)
	defer ks.Close()
	assert.Equal(t, make([]byte, len(passphrase)), passphrase)
}

func TestEncryptedKeyStorePutGet(t *testing.T) {
	dir := t.TempDir()
	ks := openKeyStore(t, dir, "test-password-456")

	record := []byte("signing-key-record")
	require.NoError(t, ks.Put("handle-1", record))

	raw, err := os.ReadFile(filepath.Join(dir, "handle-1.key"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), string(record), "record stored in plaintext")

	got, err := ks.Get("handle-1")
	require.NoError(t, err)
	assert.Equal(t, record, got)

	reopened := openKeyStore(t, dir, "test-password-456")
	got, err = reopened.Get("handle-1")
	require.NoError(t, err)
	assert.Equal(t, record, got)
}

func TestEncryptedKeyStoreWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	ks := openKeyStore(t, dir, "right")
	require.NoError(t, ks.Put("h", []byte("data")))
	ks.Close()

	_, err := NewEncryptedKeyStore(dir, []byte("wrong"))
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestEncryptedKeyStoreSwappedRecord(t *testing.T) {
	dir := t.TempDir()
	ks := openKeyStore(t, dir, "pw")
	require.NoError(t, ks.Put("a", []byte("first")))

	raw, err := os.ReadFile(filepath.Join(dir, "a.key"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.key"), raw, 0o600))

	_, err = ks.Get("b")
	assert.Error(t, err, "record copied to another handle must not decrypt")
}

func TestEncryptedKeyStoreCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	ks := openKeyStore(t, dir, "pw")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "short.key"), []byte{0, 1, 2}, 0o600))
	_, err := ks.Get("short")
	assert.Error(t, err)

	require.NoError(t, ks.Put("v", []byte("x")))
	raw, err := os.ReadFile(filepath.Join(dir, "v.key"))
	require.NoError(t, err)
	raw[1] = EncryptionVersion + 1
	require.NoError(t, os.WriteFile(filepath.Join(dir, "v.key"), raw, 0o600))
	_, err = ks.Get("v")
	assert.ErrorContains(t, err, "version")
}

func TestEncryptedKeyStoreHandlesAndDelete(t *testing.T) {
	ks := openKeyStore(t, t.TempDir(), "pw")
	for _, h := range []KeyHandle{"b", "a", "c"} {
		require.NoError(t, ks.Put(h, []byte(h)))
	}

	handles, err := ks.Handles()
	require.NoError(t, err)
	assert.Equal(t, []KeyHandle{"a", "b", "c"}, handles)

	require.NoError(t, ks.Delete("b"))
	require.NoError(t, ks.Delete("missing"))
	_, err = ks.Get("b")
	assert.Error(t, err)

	handles, err = ks.Handles()
	require.NoError(t, err)
	assert.Equal(t, []KeyHandle{"a", "c"}, handles)
}
