package phone

import "strings"

// DefaultCountryCode is applied to numbers that carry no international
// prefix. Most of the console's traffic is Mexican mobile numbers.
const DefaultCountryCode = "52"

// Normalizer canonicalizes raw phone strings into comparable keys.
// The zero value uses DefaultCountryCode.
type Normalizer struct {
	CountryCode string
}

// Key returns the canonical form of raw: "+" followed by digits only.
// Two spellings of the same number (spaces, dashes, parentheses, trunk
// zeros, "00" dialing prefix) produce the same key. Key never fails;
// input with no digits at all yields "+" so that a malformed event can
// still be routed (and harmlessly matches nothing).
func (n Normalizer) Key(raw string) string {
	cc := n.CountryCode
	if cc == "" {
		cc = DefaultCountryCode
	}

	hasPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case digits == "":
		return "+"
	case hasPlus:
		return "+" + digits
	case strings.HasPrefix(digits, "00") && len(digits) > 2:
		// "00" international dialing prefix.
		return "+" + digits[2:]
	}

	// National formats often carry a leading trunk zero.
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return "+"
	}

	// A long number already starting with the country code is taken as
	// fully qualified; anything shorter gets the default prefix.
	if strings.HasPrefix(digits, cc) && len(digits) > len(cc)+6 {
		return "+" + digits
	}
	return "+" + cc + digits
}
