package auth

import (
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadTokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "token.json")
	tok := StoredToken{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}

	require.NoError(t, SaveToken(path, tok))

	got, ok, err := LoadToken(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tok.AccessToken, got.AccessToken)
	assert.Equal(t, tok.RefreshToken, got.RefreshToken)
}

func TestLoadTokenMissingFile(t *testing.T) {
	_, ok, err := LoadToken(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredWithinRefreshBuffer(t *testing.T) {
	tok := StoredToken{Expiry: time.Now().Add(2 * time.Minute)}
	assert.True(t, tok.Expired())

	tok.Expiry = time.Now().Add(time.Hour)
	assert.False(t, tok.Expired())
}

func TestDeleteTokenMissingFileIsNotError(t *testing.T) {
	assert.NoError(t, DeleteToken(filepath.Join(t.TempDir(), "missing.json")))
}

func TestSASLXOAUTH2StringFraming(t *testing.T) {
	encoded := SASLXOAUTH2String("user@example.com", "token123")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer token123\x01\x01", string(decoded))
}
