package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const gcmTagSize = 16

// ErrCiphertextCorrupted is returned when the authentication tag does not
// match, whether from tampering, truncation or a rotated seed.
var ErrCiphertextCorrupted = errors.New("ciphertext corrupted or key mismatch")

// EncryptedSecret is a TOTP secret at rest: AES-256-GCM ciphertext with the
// nonce and authentication tag stored as separate base64 columns.
type EncryptedSecret struct {
	Ciphertext string
	IV         string
	Tag        string
}

// SecretCipher encrypts TOTP secrets with a 256-bit key derived by hashing
// the injected seed. The seed comes from configuration; this package never
// reads the environment.
type SecretCipher struct {
	key []byte
}

func NewSecretCipher(seed string) *SecretCipher {
	sum := sha256.Sum256([]byte(seed))
	return &SecretCipher{key: sum[:]}
}

// Encrypt seals the secret with a fresh 96-bit nonce.
func (c *SecretCipher) Encrypt(secret string) (*EncryptedSecret, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(secret), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return &EncryptedSecret{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt verifies the tag before returning plaintext and fails closed with
// ErrCiphertextCorrupted on any mismatch.
func (c *SecretCipher) Decrypt(enc *EncryptedSecret) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	nonce, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	tag, err := base64.StdEncoding.DecodeString(enc.Tag)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return "", ErrCiphertextCorrupted
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	return string(plaintext), nil
}
