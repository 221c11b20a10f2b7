package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestSignerRoundTrip(t *testing.T) {
	s := &RequestSigner{Key: "node-key", Secret: "node-secret"}
	body := []byte(`{"amount":"100"}`)

	h := s.HeadersAt("POST", "/token/transfer", body, 1792396800)
	assert.Equal(t, "node-key", h[HeaderKey])
	assert.Equal(t, "1792396800", h[HeaderTimestamp])
	assert.True(t, s.Verify("POST", "/token/transfer", body, h[HeaderTimestamp], h[HeaderSignature]))

	assert.False(t, s.Verify("POST", "/token/transfer", []byte(`{"amount":"101"}`), h[HeaderTimestamp], h[HeaderSignature]))
	assert.False(t, s.Verify("GET", "/token/transfer", body, h[HeaderTimestamp], h[HeaderSignature]))

	other := &RequestSigner{Key: "node-key", Secret: "other"}
	assert.False(t, other.Verify("POST", "/token/transfer", body, h[HeaderTimestamp], h[HeaderSignature]))
}

func TestRequestSignerStringRedacts(t *testing.T) {
	s := &RequestSigner{Key: "abcdefgh", Secret: "supersecret"}
	assert.Equal(t, "RequestSigner{key=abcd****, secret=supe****}", s.String())
}

func TestSealedSecretRoundTrip(t *testing.T) {
	blob, err := EncryptSecret("node-secret", "pw")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, "node-secret", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: "raw", EncryptedPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	got, err = LoadSecret(SecretConfig{})
	require.NoError(t, err)
	assert.Empty(t, got)

	blob, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)
}

func TestEncryptSecretRejectsEmpty(t *testing.T) {
	_, err := EncryptSecret("s", "")
	assert.Error(t, err)
	_, err = EncryptSecret("", "pw")
	assert.Error(t, err)
}
