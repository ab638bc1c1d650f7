package nearkey

import (
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairRoundTripsThroughParsePrivateKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	require.Contains(t, PublicString(kp.Public), curvePrefix)

	encoded := curvePrefix + base58.Encode(kp.Private)
	parsed, err := ParsePrivateKey(encoded)
	require.NoError(t, err)
	require.Equal(t, kp.Public, parsed.Public)
	require.Equal(t, kp.Private, parsed.Private)
}

func TestParsePublicKeyRoundTripsWithPublicString(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	s := PublicString(kp.Public)
	parsed, err := ParsePublicKey(s)
	require.NoError(t, err)
	require.Equal(t, kp.Public, parsed)
}

func TestParsePrivateKeyRejectsWrongPrefix(t *testing.T) {
	_, err := ParsePrivateKey("secp256k1:abc")
	require.Error(t, err)
}

func TestParsePrivateKeyRejectsWrongLength(t *testing.T) {
	_, err := ParsePrivateKey(curvePrefix + base58.Encode([]byte{1, 2, 3}))
	require.Error(t, err)
}

func TestParsePrivateKeyRejectsInvalidBase58(t *testing.T) {
	_, err := ParsePrivateKey(curvePrefix + "0OIl") // 0, O, I, l are not valid base58 characters
	require.Error(t, err)
}
