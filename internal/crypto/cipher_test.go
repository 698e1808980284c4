package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretCipherRoundTrip(t *testing.T) {
	c := NewSecretCipher("unit-test-seed")

	for _, secret := range []string{"JBSWY3DPEHPK3PXP", "", "短い秘密"} {
		enc, err := c.Encrypt(secret)
		require.NoError(t, err)

		got, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
	}
}

func TestSecretCipherFreshNonce(t *testing.T) {
	c := NewSecretCipher("unit-test-seed")

	a, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	b, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestSecretCipherFailsClosedOnTamper(t *testing.T) {
	c := NewSecretCipher("unit-test-seed")

	enc, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	flipBit := func(b64 string) string {
		raw, err := base64.StdEncoding.DecodeString(b64)
		require.NoError(t, err)
		raw[0] ^= 0x01
		return base64.StdEncoding.EncodeToString(raw)
	}

	tampered := *enc
	tampered.Tag = flipBit(enc.Tag)
	_, err = c.Decrypt(&tampered)
	assert.ErrorIs(t, err, ErrCiphertextCorrupted)

	tampered = *enc
	tampered.Ciphertext = flipBit(enc.Ciphertext)
	_, err = c.Decrypt(&tampered)
	assert.ErrorIs(t, err, ErrCiphertextCorrupted)

	tampered = *enc
	tampered.IV = flipBit(enc.IV)
	_, err = c.Decrypt(&tampered)
	assert.ErrorIs(t, err, ErrCiphertextCorrupted)
}

func TestSecretCipherKeyMismatch(t *testing.T) {
	enc, err := NewSecretCipher("seed-a").Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	_, err = NewSecretCipher("seed-b").Decrypt(enc)
	assert.ErrorIs(t, err, ErrCiphertextCorrupted)
}

func TestSecretCipherGarbageInput(t *testing.T) {
	c := NewSecretCipher("unit-test-seed")

	_, err := c.Decrypt(&EncryptedSecret{Ciphertext: "not base64!", IV: "x", Tag: "y"})
	assert.ErrorIs(t, err, ErrCiphertextCorrupted)

	_, err = c.Decrypt(&EncryptedSecret{})
	assert.ErrorIs(t, err, ErrCiphertextCorrupted)
}
