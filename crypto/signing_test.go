package crypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519SignVerify(t *testing.T) {
	priv, err := GenerateEd25519Key()
	require.NoError(t, err)

	msg := []byte("change history entry")
	sig, err := SignEd25519(msg, priv)
	require.NoError(t, err)
	assert.Len(t, sig, Ed25519SignatureSize)

	pub := priv.Public().(ed25519.PublicKey)
	ok, err := VerifyEd25519(msg, sig, pub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyEd25519(msg, sig[:10], pub)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = SignEd25519(nil, priv)
	assert.Error(t, err)
	_, err = VerifyEd25519(msg, sig, []byte{1})
	assert.Error(t, err)
}

func TestDilithium3SignVerify(t *testing.T) {
	pub, priv, err := GenerateDilithium3Key()
	require.NoError(t, err)
	pubBytes, err := pub.MarshalBinary()
	require.NoError(t, err)

	msg := []byte("credential")
	sig, err := SignDilithium3(msg, priv)
	require.NoError(t, err)

	ok, err := VerifyDilithium3(msg, sig, pubBytes)
	require.NoError(t, err)
	assert.True(t, ok)

	sig[0] ^= 0xff
	ok, err = VerifyDilithium3(msg, sig, pubBytes)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyDilithium3(msg, sig, []byte("short"))
	assert.Error(t, err)
}
