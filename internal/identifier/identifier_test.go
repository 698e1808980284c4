package identifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail("  Alice@Example.COM "))
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+33 6 12 34 56 78": "+33612345678",
		"(555) 123-4567":    "5551234567",
		" +1.555.000.1111 ": "+15550001111",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), "input %q", in)
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("alice@example.com", ChannelEmail))
	assert.False(t, IsValid("alice@example", ChannelEmail))
	assert.False(t, IsValid("not-an-email", ChannelEmail))

	assert.True(t, IsValid("+33612345678", ChannelSMS))
	assert.True(t, IsValid("5551234567", ChannelSMS))
	assert.False(t, IsValid("123", ChannelSMS))
}

func TestParseChannel(t *testing.T) {
	ch, ok := ParseChannel("EMAIL")
	assert.True(t, ok)
	assert.Equal(t, ChannelEmail, ch)

	ch, ok = ParseChannel("SMS")
	assert.True(t, ok)
	assert.Equal(t, ChannelSMS, ch)

	_, ok = ParseChannel("email")
	assert.False(t, ok)
	_, ok = ParseChannel("")
	assert.False(t, ok)
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "al***@example.com",
		"bob@example.com":   "bo*@example.com",
		"ab@example.com":    "a*@example.com",
		"a@example.com":     "a*@example.com",
	}
	for in, want := range cases {
		assert.Equal(t, want, Mask(in, ChannelEmail), "input %q", in)
	}
}

func TestMaskEmailRevealsAtMostTwoChars(t *testing.T) {
	masked := Mask("charlotte@example.com", ChannelEmail)
	local, _, _ := strings.Cut(masked, "@")
	assert.Equal(t, "ch", strings.TrimRight(local, "*"))
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "*** *** **78", Mask("+33612345678", ChannelSMS))
	assert.Equal(t, "*** *** **67", Mask("5551234567", ChannelSMS))
	// Degenerate short input still produces the fixed grouping.
	assert.Equal(t, "*** *** **12", Mask("12", ChannelSMS))
	assert.Equal(t, "*** *** ***1", Mask("1", ChannelSMS))
}

func TestKindForChannel(t *testing.T) {
	assert.Equal(t, KindEmail, KindForChannel(ChannelEmail))
	assert.Equal(t, KindPhone, KindForChannel(ChannelSMS))
}
