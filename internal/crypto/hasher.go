package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	passwordSaltLength = 16
	passwordKeyLength  = 64

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// Hasher produces peppered lookup hashes for identifiers, OTP codes and
// requester IPs. The pepper is injected at construction; rotating it
// invalidates every stored hash, which is an operational decision made
// outside this package.
type Hasher struct {
	pepper string
}

func NewHasher(pepper string) *Hasher {
	return &Hasher{pepper: pepper}
}

// HashValue returns the hex digest of sha256(raw + ":" + pepper).
// Deterministic for a fixed pepper so it can serve as a lookup key.
func (h *Hasher) HashValue(raw string) string {
	sum := sha256.Sum256([]byte(raw + ":" + h.pepper))
	return hex.EncodeToString(sum[:])
}

// HashIdentifier keys the hash by identifier kind so an email and a phone
// with the same canonical bytes never collide.
func (h *Hasher) HashIdentifier(kind, canonical string) string {
	return h.HashValue(kind + ":" + canonical)
}

func (h *Hasher) HashOTP(code string) string {
	return h.HashValue("otp:" + code)
}

func (h *Hasher) HashIP(ip string) string {
	return h.HashValue("ip:" + ip)
}

// GeneratePasswordSalt returns a fresh random salt, hex-encoded for storage.
func GeneratePasswordSalt() (string, error) {
	salt := make([]byte, passwordSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate password salt: %w", err)
	}
	return hex.EncodeToString(salt), nil
}

// HashPassword derives a 64-byte scrypt key from the password and the
// stored salt string, hex-encoded.
func HashPassword(password, salt string) (string, error) {
	key, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, passwordKeyLength)
	if err != nil {
		return "", fmt.Errorf("failed to derive password hash: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// VerifyPassword recomputes the hash and compares in constant time.
// A length mismatch rejects immediately; equal-length digests are compared
// byte-for-byte without short-circuiting.
func VerifyPassword(password, salt, expectedHash string) (bool, error) {
	computed, err := HashPassword(password, salt)
	if err != nil {
		return false, err
	}

	left, err := hex.DecodeString(computed)
	if err != nil {
		return false, err
	}
	right, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false, err
	}

	if len(left) != len(right) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(left, right) == 1, nil
}
