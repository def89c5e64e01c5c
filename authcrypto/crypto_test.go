package authcrypto_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmihub/go-tmi-auth/authcrypto"
)

// RFC 7636 appendix B reference pair.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	salt, err := authcrypto.RandomBytes(authcrypto.KeyLength)
	require.NoError(t, err)
	key, err := authcrypto.DeriveKey(salt)
	require.NoError(t, err)
	return key
}

func TestRandomURLToken_Length(t *testing.T) {
	token, err := authcrypto.RandomURLToken(32)
	require.NoError(t, err)
	require.Len(t, token, 43)
	require.NotContains(t, token, "=")
}

func TestRandomURLToken_Unique(t *testing.T) {
	a, err := authcrypto.RandomURLToken(32)
	require.NoError(t, err)
	b, err := authcrypto.RandomURLToken(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestS256Challenge_MatchesRFCVector(t *testing.T) {
	require.Equal(t, rfcChallenge, authcrypto.S256Challenge(rfcVerifier))
}

func TestS256Challenge_AlwaysFortyThreeChars(t *testing.T) {
	verifier, err := authcrypto.RandomURLToken(32)
	require.NoError(t, err)
	require.Len(t, authcrypto.S256Challenge(verifier), 43)
}

func TestDeriveKey_DeterministicPerSalt(t *testing.T) {
	salt, err := authcrypto.RandomBytes(32)
	require.NoError(t, err)

	k1, err := authcrypto.DeriveKey(salt)
	require.NoError(t, err)
	k2, err := authcrypto.DeriveKey(salt)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	otherSalt, err := authcrypto.RandomBytes(32)
	require.NoError(t, err)
	k3, err := authcrypto.DeriveKey(otherSalt)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestDeriveKey_EmptySalt(t *testing.T) {
	_, err := authcrypto.DeriveKey(nil)
	require.Error(t, err)
}

func TestEncrypt_RoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte(`{"access_token":"abc","refresh_token":"def"}`)

	envelope, err := authcrypto.Encrypt(key, plaintext)
	require.NoError(t, err)
	require.True(t, strings.Contains(envelope, ":"), "envelope must be iv:ciphertext")

	decrypted, err := authcrypto.Decrypt(key, envelope)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestEncrypt_FreshIVPerWrite(t *testing.T) {
	key := testKey(t)
	a, err := authcrypto.Encrypt(key, []byte("same"))
	require.NoError(t, err)
	b, err := authcrypto.Encrypt(key, []byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDecrypt_WrongKey(t *testing.T) {
	envelope, err := authcrypto.Encrypt(testKey(t), []byte("secret"))
	require.NoError(t, err)

	_, err = authcrypto.Decrypt(testKey(t), envelope)
	require.Error(t, err)
}

func TestDecrypt_MalformedEnvelope(t *testing.T) {
	key := testKey(t)
	for _, envelope := range []string{"", "no-separator", "bad!:bad!", "aGVsbG8=:notb64!!"} {
		_, err := authcrypto.Decrypt(key, envelope)
		require.Error(t, err, "envelope %q", envelope)
	}
}
