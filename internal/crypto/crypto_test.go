package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte(`{"device_id":"D1"}`)
	ciphertext, err := Wrap(kp.Public, plaintext)
	require.NoError(t, err)

	got, err := Unwrap(kp.Private, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestUnwrapRejectsTamperedCiphertext(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	ciphertext, err := Wrap(kp.Public, []byte("hello"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = Unwrap(kp.Private, ciphertext)
	require.Error(t, err)
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := EncodePublicKeyPEM(kp.Public)
	require.NoError(t, err)

	decoded, err := DecodePublicKeyPEM(encoded)
	require.NoError(t, err)
	require.Equal(t, kp.Public.N, decoded.N)
}

func TestHashPasswordAndVerify(t *testing.T) {
	hash, err := HashPassword("s3cr3t-password")
	require.NoError(t, err)
	require.NotEqual(t, "s3cr3t-password", hash)

	require.True(t, VerifyPassword("s3cr3t-password", hash))
	require.False(t, VerifyPassword("wrong-password", hash))
}

func TestHashStateDeterministic(t *testing.T) {
	apps := map[string]any{"a": map[string]any{"image": "x:1"}}
	config := map[string]any{}

	h1, err := HashState(apps, config)
	require.NoError(t, err)
	h2, err := HashState(apps, config)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestHashStateChangesWithContent(t *testing.T) {
	config := map[string]any{}
	h1, err := HashState(map[string]any{"a": map[string]any{"image": "x:1"}}, config)
	require.NoError(t, err)
	h2, err := HashState(map[string]any{"a": map[string]any{"image": "x:2"}}, config)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestHashStateOrderIndependent(t *testing.T) {
	apps := map[string]any{"a": map[string]any{"image": "x:1"}}
	c1 := map[string]any{"z": 1, "a": 2}
	c2 := map[string]any{"a": 2, "z": 1}

	h1, err := HashState(apps, c1)
	require.NoError(t, err)
	h2, err := HashState(apps, c2)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}
