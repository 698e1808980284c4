package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	// TOTPStepSeconds is the RFC 6238 time step.
	TOTPStepSeconds = 30
	// TOTPDigits is the code length expected by authenticator apps.
	TOTPDigits = 6
	// totpWindow tolerates one step of clock drift in either direction.
	totpWindow = 1

	totpSecretBytes = 20
)

var (
	base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)
	codePattern = regexp.MustCompile(`^\d{6}$`)
)

// GenerateTOTPSecret returns a fresh 160-bit secret, base32-encoded without
// padding.
func GenerateTOTPSecret() (string, error) {
	buf := make([]byte, totpSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return base32NoPad.EncodeToString(buf), nil
}

// decodeBase32Secret accepts the forgiving forms authenticator apps produce
// (lower case, trailing padding, space and dash separators) but rejects
// anything else, so a garbage secret never HMACs an empty key.
func decodeBase32Secret(secret string) ([]byte, error) {
	clean := strings.ToUpper(secret)
	clean = strings.TrimRight(clean, "=")
	var b strings.Builder
	for _, r := range clean {
		switch {
		case (r >= 'A' && r <= 'Z') || (r >= '2' && r <= '7'):
			b.WriteRune(r)
		case r == ' ' || r == '-':
			// separator
		default:
			return nil, fmt.Errorf("invalid base32 character %q", r)
		}
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("empty base32 secret")
	}
	return base32NoPad.DecodeString(b.String())
}

// HOTP computes the RFC 4226 code for a base32 secret and counter:
// HMAC-SHA1 over the 64-bit big-endian counter, 4-byte dynamic truncation
// at the offset in the last nibble, top bit masked, reduced mod 10^digits.
func HOTP(secret string, counter uint64, digits int) (string, error) {
	key, err := decodeBase32Secret(secret)
	if err != nil {
		return "", fmt.Errorf("invalid base32 secret: %w", err)
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := (uint32(sum[offset]&0x7f) << 24) |
		(uint32(sum[offset+1]) << 16) |
		(uint32(sum[offset+2]) << 8) |
		uint32(sum[offset+3])

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, code%mod), nil
}

// CurrentTOTPStep returns the 30-second step containing t.
func CurrentTOTPStep(t time.Time) int64 {
	return t.Unix() / TOTPStepSeconds
}

// VerifyTOTPCode checks the code against steps {step-1, step, step+1} around
// the verification instant and returns the first matching step. The matched
// step feeds the replay watermark, so callers need it even on the drift
// branches.
func VerifyTOTPCode(secret, code string, at time.Time) (int64, bool) {
	if !codePattern.MatchString(code) {
		return 0, false
	}

	step := CurrentTOTPStep(at)
	for delta := int64(-totpWindow); delta <= totpWindow; delta++ {
		candidate := step + delta
		if candidate < 0 {
			continue
		}
		expected, err := HOTP(secret, uint64(candidate), TOTPDigits)
		if err != nil {
			return 0, false
		}
		if expected == code {
			return candidate, true
		}
	}
	return 0, false
}

// BuildOtpauthURI renders the provisioning URI consumed by authenticator
// apps. The parameter layout is fixed for interoperability.
func BuildOtpauthURI(issuer, label, secret string) string {
	encIssuer := escapeURIComponent(issuer)
	encLabel := escapeURIComponent(label)
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s&algorithm=SHA1&digits=%d&period=%d",
		encIssuer, encLabel, secret, encIssuer, TOTPDigits, TOTPStepSeconds)
}

// escapeURIComponent percent-encodes spaces; authenticator apps do not
// accept the query "+" form inside the label segment.
func escapeURIComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
