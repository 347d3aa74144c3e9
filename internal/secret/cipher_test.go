package secret_test

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostedid/mfacore/internal/secret"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	keyHex, err := secret.GenerateKey()
	require.NoError(t, err)
	key, err := hex.DecodeString(keyHex)
	require.NoError(t, err)
	return key
}

var modes = []secret.Mode{secret.ModeGCM, secret.ModeCBC}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey(t)
	inputs := []string{
		"",
		"a",
		"JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP",
		"+14155550123",
		strings.Repeat("x", 1024),
	}

	for _, mode := range modes {
		c, err := secret.New(key, mode)
		require.NoError(t, err)

		for _, in := range inputs {
			token, err := c.Encrypt([]byte(in))
			require.NoError(t, err)
			assert.Contains(t, token, ":")

			out, err := c.Decrypt(token)
			require.NoError(t, err, "mode %s, len %d", mode, len(in))
			assert.Equal(t, in, string(out))
		}
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	key := testKey(t)
	for _, mode := range modes {
		c, err := secret.New(key, mode)
		require.NoError(t, err)

		a, err := c.EncryptString("same plaintext")
		require.NoError(t, err)
		b, err := c.EncryptString("same plaintext")
		require.NoError(t, err)

		assert.NotEqual(t, a, b)
		ivA, _, _ := strings.Cut(a, ":")
		ivB, _, _ := strings.Cut(b, ":")
		assert.NotEqual(t, ivA, ivB)
	}
}

func TestDecrypt_MalformedTokens(t *testing.T) {
	key := testKey(t)
	plaintext := "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"

	for _, mode := range modes {
		c, err := secret.New(key, mode)
		require.NoError(t, err)
		token, err := c.EncryptString(plaintext)
		require.NoError(t, err)
		iv, ct, _ := strings.Cut(token, ":")

		cases := map[string]string{
			"empty":             "",
			"no separator":      iv + ct,
			"extra separator":   token + ":00",
			"missing iv":        ":" + ct,
			"missing body":      iv + ":",
			"not hex":           "zz:" + ct,
			"truncated odd hex": token[:len(token)-1],
			"truncated bytes":   token[:len(token)-2],
			"reordered":         ct + ":" + iv,
		}

		for name, bad := range cases {
			_, err := c.Decrypt(bad)
			var cryptoErr *secret.CryptoError
			assert.ErrorAs(t, err, &cryptoErr, "mode %s, case %s", mode, name)
		}
	}
}

func TestDecrypt_GCMDetectsTampering(t *testing.T) {
	key := testKey(t)
	c, err := secret.New(key, secret.ModeGCM)
	require.NoError(t, err)

	token, err := c.EncryptString("tamper with me")
	require.NoError(t, err)
	iv, ct, _ := strings.Cut(token, ":")

	raw, err := hex.DecodeString(ct)
	require.NoError(t, err)
	raw[0] ^= 0xAA

	_, err = c.Decrypt(iv + ":" + hex.EncodeToString(raw))
	var cryptoErr *secret.CryptoError
	require.ErrorAs(t, err, &cryptoErr)
	assert.Contains(t, err.Error(), "message authentication failed")
}

func TestDecrypt_WrongKey(t *testing.T) {
	c1, err := secret.New(testKey(t), secret.ModeGCM)
	require.NoError(t, err)
	c2, err := secret.New(testKey(t), secret.ModeGCM)
	require.NoError(t, err)

	token, err := c1.EncryptString("for key one")
	require.NoError(t, err)

	_, err = c2.Decrypt(token)
	assert.Error(t, err)
}

func TestNew_RejectsBadKeyAndMode(t *testing.T) {
	_, err := secret.New(make([]byte, 16), secret.ModeGCM)
	assert.ErrorIs(t, err, secret.ErrInvalidKey)

	_, err = secret.New(make([]byte, 32), secret.Mode("ecb"))
	assert.ErrorIs(t, err, secret.ErrUnknownMode)
}

func TestDeriveKey(t *testing.T) {
	hexKey, err := secret.GenerateKey()
	require.NoError(t, err)

	raw, err := secret.DeriveKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, hexKey, hex.EncodeToString(raw))

	a, err := secret.DeriveKey("correct horse battery staple")
	require.NoError(t, err)
	b, err := secret.DeriveKey("correct horse battery staple")
	require.NoError(t, err)
	assert.Len(t, a, secret.KeySize)
	assert.Equal(t, a, b)

	other, err := secret.DeriveKey("another passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	_, err = secret.DeriveKey("   ")
	assert.ErrorIs(t, err, secret.ErrInvalidKey)
}

func TestPackageLevelHelpers(t *testing.T) {
	key := testKey(t)
	token, err := secret.Encrypt([]byte("555-0100"), key, secret.ModeCBC)
	require.NoError(t, err)

	out, err := secret.Decrypt(token, key, secret.ModeCBC)
	require.NoError(t, err)
	assert.Equal(t, "555-0100", string(out))
}
