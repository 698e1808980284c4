// Package identifier canonicalizes and masks the contact channels users
// claim. Raw values never leave this layer unmasked except as a delivery
// target; lookups go through the peppered hash.
package identifier

import (
	"regexp"
	"strings"
)

// Kind distinguishes stored identifiers.
type Kind string

const (
	KindEmail Kind = "EMAIL"
	KindPhone Kind = "PHONE"
)

// Channel is the delivery channel named by callers.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
)

var (
	// Intentionally coarse; real validation is deferred to delivery failure.
	emailPattern = regexp.MustCompile(`\S+@\S+\.\S+`)
	phonePattern = regexp.MustCompile(`^\+?[0-9\s().-]{8,}$`)

	nonDigit = regexp.MustCompile(`\D`)
)

// ParseChannel validates a caller-supplied channel string.
func ParseChannel(s string) (Channel, bool) {
	switch Channel(s) {
	case ChannelEmail:
		return ChannelEmail, true
	case ChannelSMS:
		return ChannelSMS, true
	}
	return "", false
}

// KindForChannel maps a delivery channel to the stored identifier kind.
func KindForChannel(ch Channel) Kind {
	if ch == ChannelEmail {
		return KindEmail
	}
	return KindPhone
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone strips everything except digits and "+".
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func NormalizeForChannel(value string, ch Channel) string {
	if ch == ChannelEmail {
		return NormalizeEmail(value)
	}
	return NormalizePhone(value)
}

// IsValid checks the normalized value against the channel pattern.
func IsValid(value string, ch Channel) bool {
	if ch == ChannelEmail {
		return emailPattern.MatchString(value)
	}
	return phonePattern.MatchString(value)
}

// IsValidEmail reports whether value passes the coarse email pattern.
func IsValidEmail(value string) bool {
	return emailPattern.MatchString(value)
}

// Mask redacts a normalized identifier for display. Emails keep at most the
// first two local-part characters and the domain; phones keep only the last
// two digits.
func Mask(value string, ch Channel) string {
	if ch == ChannelEmail {
		return MaskEmail(value)
	}
	return maskPhone(value)
}

func MaskEmail(email string) string {
	local, domain, found := strings.Cut(email, "@")
	if !found {
		domain = ""
	}

	var masked string
	if len(local) <= 2 {
		head := "*"
		if local != "" {
			head = local[:1]
		}
		masked = head + "*"
	} else {
		stars := len(local) - 2
		if stars < 1 {
			stars = 1
		}
		masked = local[:2] + strings.Repeat("*", stars)
	}
	return masked + "@" + domain
}

func maskPhone(phone string) string {
	digits := nonDigit.ReplaceAllString(phone, "")
	suffix := digits
	if len(digits) > 2 {
		suffix = digits[len(digits)-2:]
	}
	for len(suffix) < 2 {
		suffix = "*" + suffix
	}
	return "*** *** **" + suffix
}
