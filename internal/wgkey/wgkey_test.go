package wgkey

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	for _, k := range []string{priv, pub} {
		raw, err := base64.StdEncoding.DecodeString(k)
		require.NoError(t, err)
		require.Len(t, raw, 32)
	}

	derived, err := PublicKey(priv)
	require.NoError(t, err)
	require.Equal(t, pub, derived)
}

func TestGenerateKeyPairDistinct(t *testing.T) {
	a, _, err := GenerateKeyPair()
	require.NoError(t, err)
	b, _, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestParseKey(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ParseKey(pub))
	require.Error(t, ParseKey("not-a-key"))
	require.Error(t, ParseKey(base64.StdEncoding.EncodeToString([]byte("short"))))

	_, err = PublicKey("garbage")
	require.Error(t, err)
}
