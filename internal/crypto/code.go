package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var otpCodeSpace = big.NewInt(1_000_000)

// GenerateOTPCode draws a uniform random integer in [0, 1e6) and zero-pads
// it to six digits.
func GenerateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, otpCodeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
