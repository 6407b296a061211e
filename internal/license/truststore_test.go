package license

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writePublicKey(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestTrustStore_LoadsPEMFiles(t *testing.T) {
	a, b := testKeys(t)
	dir := t.TempDir()

	pemA, err := EncodePublicKeyPEM(&a.PublicKey)
	require.NoError(t, err)
	pemB, err := EncodePublicKeyPEM(&b.PublicKey)
	require.NoError(t, err)

	writePublicKey(t, dir, "a.pem", pemA)
	writePublicKey(t, dir, "b.PEM", pemB)
	writePublicKey(t, dir, "notes.txt", []byte("ignored"))
	writePublicKey(t, dir, "broken.pem", []byte("not a key"))

	ts, err := NewTrustStore(dir, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Len())

	fpA, err := Fingerprint(&a.PublicKey)
	require.NoError(t, err)
	pub, ok := ts.Lookup(fpA)
	require.True(t, ok)
	assert.True(t, a.PublicKey.Equal(pub))

	keys := ts.Keys()
	require.Len(t, keys, 2)
	assert.Less(t, keys[0].Fingerprint, keys[1].Fingerprint)
}

func TestTrustStore_MissingDirIsEmpty(t *testing.T) {
	ts, err := NewTrustStore(filepath.Join(t.TempDir(), "absent"), quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, ts.Len())

	_, ok := ts.Lookup("deadbeef")
	assert.False(t, ok)
}

func TestTrustStore_AddAndVerify(t *testing.T) {
	a, _ := testKeys(t)
	ts, err := NewTrustStore(t.TempDir(), quietLogger())
	require.NoError(t, err)

	signed, err := Sign(samplePayload(), a)
	require.NoError(t, err)

	_, err = Verify(signed, ts, "", time.Now())
	assert.ErrorIs(t, err, ErrUntrustedKey)

	fp, err := ts.Add(&a.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, signed.KeyFingerprint, fp)

	_, err = Verify(signed, ts, "", time.Now())
	assert.NoError(t, err)
}

func TestTrustStore_Reload(t *testing.T) {
	a, _ := testKeys(t)
	dir := t.TempDir()

	ts, err := NewTrustStore(dir, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, ts.Len())

	data, err := EncodePublicKeyPEM(&a.PublicKey)
	require.NoError(t, err)
	writePublicKey(t, dir, "issuer.pem", data)

	require.NoError(t, ts.Reload())
	assert.Equal(t, 1, ts.Len())
}
